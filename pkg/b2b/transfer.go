// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package b2b

import (
	"context"
	"fmt"
	"strconv"

	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	b2berrors "github.com/livekit/b2b/pkg/errors"
)

const sipfragContentType = "message/sipfrag;version=2.0"

// Transfer implements REFER-based call transfer over one bridged pair: the
// transferor leg that sent the REFER and the transferee leg bridged to it.
// A Replaces parameter in the Refer-To selects the attended procedure,
// re-pointing an already-established call; otherwise the transfer is blind
// and a new leg is created toward the Refer-To target.
type Transfer struct {
	transferor Dialog
	transferee Dialog
	req        *Request
	w          ResponseWriter
	tr         Transport
	opts       *TransferOptions
	log        logger.Logger

	target     *ReferTarget
	referredBy string
}

// NewTransfer prepares transfer handling for a REFER received on the
// transferor leg. The transferee is the leg bridged to it.
func NewTransfer(transferor Dialog, req *Request, w ResponseWriter, opts *TransferOptions) *Transfer {
	if opts == nil {
		opts = &TransferOptions{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	return &Transfer{
		transferor: transferor,
		transferee: transferor.Peer(),
		req:        req,
		w:          w,
		tr:         opts.Transport,
		opts:       opts,
		log:        log,
	}
}

// Run executes the transfer and resolves to the new bridged pair: the
// transferee leg and the transfer-target leg, lifecycle-linked.
func (t *Transfer) Run(ctx context.Context) (*BridgedPair, error) {
	if t.transferee == nil {
		return nil, errors.New("transferor is not bridged")
	}

	referTo, ok := t.req.Headers.GetHeader("Refer-To")
	if !ok {
		return nil, errors.New("REFER without Refer-To")
	}
	target, err := parseReferTarget(referTo)
	if err != nil {
		return nil, err
	}
	t.target = target

	if v, ok := t.req.Headers.GetHeader("Referred-By"); ok {
		t.referredBy = v
	}
	var referrer string
	if t.referredBy != "" {
		if by, err := parseReferTarget(t.referredBy); err == nil {
			referrer = by.User
		}
	}

	if t.opts.AuthLookup != nil && !t.opts.AuthLookup(referrer) {
		_ = t.w.Respond(403, nil, nil)
		return nil, errors.Wrapf(b2berrors.ErrTransferNotAuthorized, "referrer %q", referrer)
	}

	// Accept the REFER right away; progress goes out as NOTIFYs.
	if err := t.w.Respond(202, nil, nil); err != nil {
		return nil, err
	}

	t.transferor.OnDestroy(func() {
		// Not an abort signal: the transfer keeps going.
		t.log.Infow("transferor hung up during transfer")
	})

	t.notify(ctx, "active", "SIP/2.0 100 Trying")

	var targetLeg Dialog
	if target.Replaces != nil {
		targetLeg, err = t.attended(ctx)
	} else {
		targetLeg, err = t.blind(ctx)
	}
	if err != nil {
		return nil, err
	}

	// The transferor drops out of the bridge. Its leg may stay up until it
	// hangs up on its own, but it no longer owns the transferee.
	t.transferor.SetPeer(nil)

	pair := &BridgedPair{UAS: t.transferee, UAC: targetLeg}
	pair.Link(t.log)
	t.log.Infow("transfer complete", "target", target.User)
	return pair, nil
}

// blind creates a fresh leg toward the Refer-To target, carrying the
// transferor's session description and identity.
func (t *Transfer) blind(ctx context.Context) (Dialog, error) {
	dest, err := t.resolveDestination()
	if err != nil {
		_ = t.w.Respond(405, nil, nil)
		return nil, err
	}

	uri := fmt.Sprintf("sip:%s@%s", t.target.User, dest)
	t.log.Infow("blind transfer", "uri", uri)

	copts := &CallOptions{
		LocalSDP: t.transferor.LocalSDP(),
		Headers: Headers{
			"From":        t.transferor.LocalContact(),
			"Referred-By": t.referredBy,
		},
	}
	leg, err := t.tr.CreateDialog(ctx, uri, copts, nil)
	if err != nil {
		return nil, err
	}

	t.notify(ctx, "terminated;reason=noresource", "SIP/2.0 200 OK")

	if err := t.transferee.Modify(ctx, leg.RemoteSDP()); err != nil {
		t.log.Warnw("failed to renegotiate transferee against new leg", err)
	}
	return leg, nil
}

func (t *Transfer) resolveDestination() (string, error) {
	if t.opts.DestinationLookup != nil {
		dest, ok := t.opts.DestinationLookup(t.target.User)
		if !ok {
			return "", errors.Wrapf(b2berrors.ErrNoDestination, "user %q", t.target.User)
		}
		return dest, nil
	}
	if t.target.Host == "" {
		return "", errors.Wrapf(b2berrors.ErrNoDestination, "user %q", t.target.User)
	}
	if t.target.Port != 0 {
		return t.target.Host + ":" + strconv.Itoa(t.target.Port), nil
	}
	return t.target.Host, nil
}

// attended re-points the call identified by the Replaces triple: the
// transferee and the replaced dialog's peer are renegotiated against each
// other, both sides concurrently. The terminal NOTIFY is only sent once
// both renegotiations succeed.
func (t *Transfer) attended(ctx context.Context) (Dialog, error) {
	rep := t.target.Replaces
	t.log.Infow("attended transfer",
		"replacesCallID", rep.CallID, "fromTag", rep.FromTag, "toTag", rep.ToTag)

	existing, ok := t.tr.DialogByCallIDAndFromTag(rep.CallID, rep.FromTag)
	if !ok {
		return nil, errors.Wrapf(b2berrors.ErrReplacesDialogNotFound, "callID %q", rep.CallID)
	}
	targetLeg := existing.Peer()
	if targetLeg == nil {
		return nil, errors.Wrapf(b2berrors.ErrReplacesDialogNotFound, "dialog %q is not bridged", rep.CallID)
	}

	transfereeSDP := t.transferee.RemoteSDP()
	targetSDP := targetLeg.RemoteSDP()

	errc := make(chan error, 2)
	go func() { errc <- targetLeg.Modify(ctx, transfereeSDP) }()
	go func() { errc <- t.transferee.Modify(ctx, targetSDP) }()
	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, errors.Wrapf(b2berrors.ErrTransferRenegotiationFailed, "%v", firstErr)
	}

	t.notify(ctx, "terminated;reason=noresource", "SIP/2.0 200 OK")
	return targetLeg, nil
}

// notify reports transfer progress to the transferor as a sipfrag NOTIFY.
// Failures are logged; they don't fail the transfer.
func (t *Transfer) notify(ctx context.Context, state, frag string) {
	_, err := t.transferor.Request(ctx, &Request{
		Method: "NOTIFY",
		Headers: Headers{
			"Subscription-State": state,
			"Event":              "refer",
			"Content-Type":       sipfragContentType,
		},
		Body: []byte(frag),
	})
	if err != nil {
		t.log.Warnw("failed to NOTIFY transferor", err, "state", state)
	}
}
