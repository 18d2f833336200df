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

package sip

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/icholy/digest"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/b2b/pkg/b2b"
	"github.com/livekit/b2b/pkg/stats"
)

// inviteAttempt is one outbound INVITE in flight. It doubles as the cancel
// handle handed to the call-control layer: Cancel aborts the attempt with a
// CANCEL on the wire if the INVITE was already sent.
type inviteAttempt struct {
	s        *Service
	log      logger.Logger
	uri      string
	obs      *b2b.AttemptObserver
	canceled core.Fuse
}

var _ b2b.AttemptHandle = (*inviteAttempt)(nil)

func (a *inviteAttempt) URI() string { return a.uri }

func (a *inviteAttempt) Cancel() {
	a.canceled.Break()
}

// CreateDialog places an outbound call and blocks until it is answered,
// rejected, canceled, or the context expires.
func (s *Service) CreateDialog(ctx context.Context, uri string, opts *b2b.CallOptions, obs *b2b.AttemptObserver) (b2b.Dialog, error) {
	if opts == nil {
		opts = &b2b.CallOptions{}
	}
	if len(opts.LocalSDP) == 0 {
		return nil, errors.New("outbound call requires an SDP offer")
	}
	var target sip.Uri
	if err := sip.ParseUri(uri, &target); err != nil {
		return nil, fmt.Errorf("bad destination uri %q: %w", uri, err)
	}
	u := URI{User: target.User, Host: target.Host}
	if target.Port != 0 {
		u.Addr = netip.AddrPortFrom(netip.Addr{}, uint16(target.Port))
	}
	if tr, ok := target.UriParams["transport"]; ok {
		u.Transport = Transport(strings.ToLower(tr))
	}
	u = u.Normalize()
	switch u.Transport {
	case "", TransportUDP:
	case TransportTCP, TransportTLS:
		return nil, fmt.Errorf("transport %q is not enabled", u.Transport)
	default:
		return nil, fmt.Errorf("unknown transport %q", u.Transport)
	}
	dest := u.GetDest()

	localTag := sip.GenerateTagN(16)
	from := s.fromHeaderFor(opts, localTag)
	contact := &sip.ContactHeader{Address: from.Address}

	a := &inviteAttempt{
		s:   s,
		log: s.log.WithValues("toUri", uri, "localTag", localTag),
		uri: uri,
		obs: obs,
	}
	if obs != nil && obs.OnRequestSent != nil {
		obs.OnRequestSent(a)
	}

	var (
		authHeader     = ""
		authHeaderName = ""
		req            *sip.Request
		resp           *sip.Response
		err            error
	)
authLoop:
	for {
		req, resp, err = a.attemptInvite(ctx, dest, target, from, contact, opts, authHeaderName, authHeader)
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case 200:
			break authLoop
		default:
			return nil, fmt.Errorf("INVITE failed: %w", &ErrorStatus{StatusCode: int(resp.StatusCode)})
		case 401, 407:
			// auth required
		}
		user, pass := s.conf.Outbound.Username, s.conf.Outbound.Password
		if user == "" || pass == "" {
			return nil, errors.New("server required auth, but no username or password was provided")
		}
		challengeHeader, authHeaderNameNext := "WWW-Authenticate", "Authorization"
		if resp.StatusCode == 407 {
			challengeHeader, authHeaderNameNext = "Proxy-Authenticate", "Proxy-Authorization"
		}
		h := resp.GetHeader(challengeHeader)
		if h == nil {
			return nil, fmt.Errorf("auth challenge missing %s header", challengeHeader)
		}
		challenge, err := digest.ParseChallenge(h.Value())
		if err != nil {
			return nil, err
		}
		cred, err := digest.Digest(challenge, digest.Options{
			Method:   req.Method.String(),
			URI:      target.String(),
			Username: user,
			Password: pass,
		})
		if err != nil {
			return nil, err
		}
		authHeader, authHeaderName = cred.String(), authHeaderNameNext
		// Try again with a computed digest
	}

	d := &dialog{
		s:            s,
		id:           getCallID(req),
		localTag:     localTag,
		dest:         dest,
		remoteTarget: target,
		from:         from,
		localContact: from.Address.String(),
		localSDP:     opts.LocalSDP,
		remoteSDP:    resp.Body(),
		answer: &b2b.Response{
			Status:  int(resp.StatusCode),
			Reason:  resp.Reason,
			Headers: headersToMap(resp.Headers()),
			Body:    resp.Body(),
		},
	}
	tag, err := getToTag(resp)
	if err != nil {
		return nil, err
	}
	d.remoteTag = string(tag)
	to := resp.To()
	d.to = &sip.ToHeader{Address: to.Address, Params: to.Params}

	if cont := resp.Contact(); cont != nil {
		d.remoteTarget = cont.Address
		if d.remoteTarget.Port == 0 {
			d.remoteTarget.Port = 5060
		}
	}
	if rr := resp.RecordRoute(); rr != nil {
		d.routes = append(d.routes, &sip.RouteHeader{Address: rr.Address})
	}
	if cseq := req.CSeq(); cseq != nil {
		d.cseq.Store(cseq.SeqNo)
	}
	d.log = loggerWithDialog(a.log, d)

	if err := s.sipCli.WriteRequest(sip.NewAckRequest(req, resp, nil)); err != nil {
		d.log.Warnw("failed to ACK answer", err)
		return nil, err
	}
	s.dialogStarted(d, stats.Outbound)
	d.log.Infow("outbound call established")
	return d, nil
}

func (a *inviteAttempt) attemptInvite(ctx context.Context, dest string, target sip.Uri, from *sip.FromHeader, contact *sip.ContactHeader, opts *b2b.CallOptions, authHeaderName, authHeader string) (*sip.Request, *sip.Response, error) {
	req := sip.NewRequest(sip.INVITE, &target)
	req.SetDestination(dest)
	req.SetBody(opts.LocalSDP)
	req.AppendHeader(&sip.ToHeader{Address: target})
	req.AppendHeader(from)
	req.AppendHeader(contact)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, NOTIFY, REFER, MESSAGE, OPTIONS, INFO, SUBSCRIBE"))
	appendHeaders(req, opts.Headers)

	if authHeader != "" {
		req.AppendHeader(sip.NewHeader(authHeaderName, authHeader))
	}

	tx, err := a.s.sipCli.TransactionRequest(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Terminate()

	resp, err := a.waitResponse(ctx, tx, req)
	return req, resp, err
}

// waitResponse waits for a final response, reporting ringing upstream and
// turning a Cancel into a CANCEL on the wire. After CANCEL is sent it still
// waits for the final response, normally a 487.
func (a *inviteAttempt) waitResponse(ctx context.Context, tx sip.ClientTransaction, invite *sip.Request) (*sip.Response, error) {
	cancelC := a.canceled.Watch()
	cnt := 0
	for {
		select {
		case <-cancelC:
			cancelC = nil
			a.log.Infow("canceling outbound attempt")
			if err := a.s.sipCli.WriteRequest(sip.NewCancelRequest(invite)); err != nil {
				return nil, fmt.Errorf("failed to CANCEL: %w", err)
			}
		case <-tx.Done():
			return nil, fmt.Errorf("transaction failed to complete (%d intermediate responses)", cnt)
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-tx.Responses():
			switch res.StatusCode {
			default:
				return res, nil
			case 100:
				cnt++
			case 180, 183:
				cnt++
				if a.obs != nil && a.obs.OnProvisional != nil {
					a.obs.OnProvisional(&b2b.Response{
						Status:  int(res.StatusCode),
						Reason:  res.Reason,
						Headers: headersToMap(res.Headers()),
						Body:    res.Body(),
					})
				}
			}
		}
	}
}

// fromHeaderFor builds the local identity for an outbound leg. A From header
// in the call options overrides the configured identity; transfers use this
// to keep the transferor's identity on the new leg.
func (s *Service) fromHeaderFor(opts *b2b.CallOptions, tag string) *sip.FromHeader {
	addr := sip.Uri{
		User: s.conf.Outbound.FromUser,
		Host: s.signalingIP,
		Port: s.conf.SIPPort,
	}
	if addr.User == "" {
		addr.User = "b2b"
	}
	if v, ok := opts.Headers.GetHeader("From"); ok {
		raw := strings.TrimSpace(v)
		if i := strings.IndexByte(raw, '<'); i >= 0 {
			raw = raw[i+1:]
			if j := strings.IndexByte(raw, '>'); j >= 0 {
				raw = raw[:j]
			}
		}
		var u sip.Uri
		if err := sip.ParseUri(raw, &u); err == nil {
			addr = u
		} else {
			s.log.Warnw("ignoring unparsable From override", err, "value", v)
		}
	}
	h := &sip.FromHeader{
		DisplayName: addr.User,
		Address:     addr,
		Params:      sip.NewParams(),
	}
	h.Params.Add("tag", tag)
	return h
}
