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
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/b2b/pkg/b2b"
	"github.com/livekit/b2b/pkg/stats"
)

func (s *Service) handleInviteAuth(log logger.Logger, req *sip.Request, tx sip.ServerTransaction, from, username, password string) (ok bool) {
	if username == "" || password == "" {
		return true
	}

	var inviteState *inProgressInvite
	for i := range s.inProgressInvites {
		if s.inProgressInvites[i].from == from {
			inviteState = s.inProgressInvites[i]
		}
	}
	if inviteState == nil {
		if len(s.inProgressInvites) >= digestLimit {
			s.inProgressInvites = s.inProgressInvites[1:]
		}
		inviteState = &inProgressInvite{from: from}
		s.inProgressInvites = append(s.inProgressInvites, inviteState)
	}

	h := req.GetHeader("Proxy-Authorization")
	if h == nil {
		inviteState.challenge = digest.Challenge{
			Realm:     UserAgent,
			Nonce:     fmt.Sprintf("%d", time.Now().UnixMicro()),
			Algorithm: "MD5",
		}
		res := sip.NewResponseFromRequest(req, 407, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("Proxy-Authenticate", inviteState.challenge.String()))
		logOnError(log, tx.Respond(res))
		return false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		logOnError(log, tx.Respond(sip.NewResponseFromRequest(req, 401, "Bad credentials", nil)))
		return false
	}
	digCred, err := digest.Digest(&inviteState.challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil || cred.Response != digCred.Response {
		logOnError(log, tx.Respond(sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)))
		return false
	}
	return true
}

func (s *Service) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil {
		if _, ok := getTagFrom(to.Params); ok {
			s.onReinvite(req, tx)
			return
		}
	}

	tag, err := getFromTag(req)
	if err != nil {
		sipErrorResponse(tx, req)
		return
	}
	from := req.From()
	to := req.To()
	if from == nil || to == nil {
		sipErrorResponse(tx, req)
		return
	}
	src := req.Source()
	log := s.log.WithValues(
		"sipCallID", getCallID(req),
		"fromUser", from.Address.User,
		"toUser", to.Address.User,
		"src", src,
	)

	if !s.handleInviteAuth(log, req, tx, from.Address.User, s.conf.Inbound.Username, s.conf.Inbound.Password) {
		// handleInviteAuth generates the SIP response as needed
		return
	}

	call := &inboundCall{
		s:         s,
		log:       log,
		req:       req,
		tx:        tx,
		from:      from,
		to:        to,
		src:       src,
		remoteTag: string(tag),
		localTag:  sip.GenerateTagN(16),
	}
	s.addPendingInvite(call)
	log.Infow("inbound call")

	s.mon.InviteReceived()
	h := s.handler
	if h == nil {
		call.log.Warnw("no call handler installed, rejecting", nil)
		_ = call.Reject(503, "Service Unavailable")
		return
	}
	// We own this goroutine, the handler can block.
	go h.DispatchCall(context.Background(), call)
}

// onReinvite handles a session refresh on an established dialog. We answer
// with the current local description; actual renegotiation toward the peer
// leg goes through Dialog.Modify, driven by the call-control layer.
func (s *Service) onReinvite(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := s.dialogForRequest(req, tx)
	if !ok {
		return
	}
	sdp := d.LocalSDP()
	if len(sdp) == 0 {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "No local SDP", nil))
		return
	}
	if body := req.Body(); len(body) != 0 {
		d.mu.Lock()
		d.remoteSDP = body
		d.mu.Unlock()
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", sdp)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	logOnError(d.log, tx.Respond(res))
}

type inProgressInvite struct {
	from      string
	challenge digest.Challenge
}

// inboundCall is a ringing INVITE that the call-control layer has not yet
// answered or rejected.
type inboundCall struct {
	s   *Service
	log logger.Logger
	req *sip.Request
	tx  sip.ServerTransaction

	from      *sip.FromHeader
	to        *sip.ToHeader
	src       string
	remoteTag string
	localTag  string

	mu       sync.Mutex
	onCancel []func()
	canceled bool
	answered bool
	rejected bool
	dlg      *dialog
}

var _ b2b.InboundCall = (*inboundCall)(nil)

func (c *inboundCall) Transport() b2b.Transport { return c.s }

func (c *inboundCall) ID() string { return getCallID(c.req) }

func (c *inboundCall) FromUser() string { return c.from.Address.User }
func (c *inboundCall) ToUser() string   { return c.to.Address.User }
func (c *inboundCall) Source() string   { return c.src }

func (c *inboundCall) RemoteSDP() []byte { return c.req.Body() }

// Progress sends a provisional response upstream. Past the final response it
// is a no-op.
func (c *inboundCall) Progress(status int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answered || c.rejected || c.canceled {
		return
	}
	res := sip.NewResponseFromRequest(c.req, sip.StatusCode(status), reason, nil)
	c.setToTag(res)
	logOnError(c.log, c.tx.Respond(res))
}

func (c *inboundCall) Accept(ctx context.Context, opts *b2b.AcceptOptions) (b2b.Dialog, error) {
	if opts == nil {
		opts = &b2b.AcceptOptions{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		return nil, errors.New("caller hung up")
	}
	if c.answered || c.rejected {
		return nil, errors.New("final response already sent")
	}

	answer := opts.LocalSDP
	if len(answer) == 0 {
		var err error
		answer, err = sdpGenerateAnswer(c.req.Body(), c.s.signalingIP)
		if err != nil {
			return nil, err
		}
	}

	contact := sip.Uri{
		User: c.to.Address.User,
		Host: c.s.signalingIP,
		Port: c.s.conf.SIPPort,
	}
	res := sip.NewResponseFromRequest(c.req, 200, "OK", answer)
	c.setToTag(res)
	res.AppendHeader(&sip.ContactHeader{Address: contact})
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	appendResponseHeaders(res, opts.Headers)
	if err := c.tx.Respond(res); err != nil {
		return nil, err
	}
	c.answered = true
	c.s.removePendingInvite(c)

	d := &dialog{
		s:            c.s,
		id:           getCallID(c.req),
		localTag:     c.localTag,
		remoteTag:    c.remoteTag,
		dest:         c.src,
		remoteTarget: c.from.Address,
		localContact: contact.String(),
		localSDP:     answer,
		remoteSDP:    c.req.Body(),
		answer: &b2b.Response{
			Status:  200,
			Reason:  "OK",
			Headers: headersToMap(res.Headers()),
			Body:    answer,
		},
	}
	localFrom := &sip.FromHeader{
		DisplayName: c.to.Address.User,
		Address:     c.to.Address,
		Params:      sip.NewParams(),
	}
	localFrom.Params.Add("tag", c.localTag)
	d.from = localFrom
	d.to = &sip.ToHeader{Address: c.from.Address, Params: c.from.Params}
	if cont := c.req.Contact(); cont != nil {
		d.remoteTarget = cont.Address
	}
	if rr := c.req.RecordRoute(); rr != nil {
		d.routes = append(d.routes, &sip.RouteHeader{Address: rr.Address})
	}
	d.log = loggerWithDialog(c.log, d)
	c.dlg = d

	c.s.dialogStarted(d, stats.Inbound)
	c.log.Infow("inbound call answered")
	return d, nil
}

func (c *inboundCall) Reject(status int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answered || c.rejected {
		return errors.New("final response already sent")
	}
	c.rejected = true
	c.s.removePendingInvite(c)
	c.log.Infow("rejecting inbound call", "status", status)
	return c.tx.Respond(sip.NewResponseFromRequest(c.req, sip.StatusCode(status), reason, nil))
}

func (c *inboundCall) OnCancel(fn func()) {
	c.mu.Lock()
	fire := c.canceled
	if !fire {
		c.onCancel = append(c.onCancel, fn)
	}
	c.mu.Unlock()
	if fire {
		fn()
	}
}

// handleCancel answers the CANCEL, finalizes the INVITE with 487 and informs
// the call-control layer.
func (c *inboundCall) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	logOnError(c.log, tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)))

	c.mu.Lock()
	if c.answered || c.rejected || c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	cbs := append([]func(){}, c.onCancel...)
	c.mu.Unlock()

	c.s.removePendingInvite(c)
	c.log.Infow("caller canceled")
	logOnError(c.log, c.tx.Respond(sip.NewResponseFromRequest(c.req, 487, "Request Terminated", nil)))
	for _, fn := range cbs {
		fn()
	}
}

func (c *inboundCall) setToTag(res *sip.Response) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if _, ok := to.Params["tag"]; !ok {
		to.Params.Add("tag", c.localTag)
	}
}

func sipErrorResponse(tx sip.ServerTransaction, req *sip.Request) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "", nil))
}

func logOnError(log logger.Logger, err error) {
	if err != nil {
		log.Warnw("failed to send response", err)
	}
}
