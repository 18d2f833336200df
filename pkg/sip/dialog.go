// Copyright 2024 LiveKit, Inc.
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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/b2b/pkg/b2b"
	"github.com/livekit/b2b/pkg/stats"
)

// dialog is one established leg, either side of the B2BUA. It owns its CSeq
// space and the wire details needed to send in-dialog requests: the remote
// target from the peer's Contact and the route set learned during setup.
type dialog struct {
	s   *Service
	log logger.Logger

	id           string
	localTag     string
	remoteTag    string
	dest         string
	remoteTarget sip.Uri
	from         *sip.FromHeader
	to           *sip.ToHeader
	routes       []*sip.RouteHeader
	localContact string

	dir    stats.Direction
	cseq   atomic.Uint32
	closed core.Fuse

	mu        sync.Mutex
	localSDP  []byte
	remoteSDP []byte
	answer    *b2b.Response
	peer      b2b.Dialog
	handlers  map[string]b2b.RequestHandler
	onDestroy []func()
	remoteBye bool
}

var _ b2b.Dialog = (*dialog)(nil)

func (d *dialog) ID() string           { return d.id }
func (d *dialog) LocalTag() string     { return d.localTag }
func (d *dialog) RemoteTag() string    { return d.remoteTag }
func (d *dialog) LocalContact() string { return d.localContact }

func (d *dialog) LocalSDP() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSDP
}

func (d *dialog) RemoteSDP() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSDP
}

func (d *dialog) Answer() *b2b.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.answer
}

func (d *dialog) Peer() b2b.Dialog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer
}

func (d *dialog) SetPeer(p b2b.Dialog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer = p
}

func (d *dialog) OnDestroy(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDestroy = append(d.onDestroy, fn)
}

func (d *dialog) OnRequest(method string, h b2b.RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[string]b2b.RequestHandler)
	}
	d.handlers[method] = h
}

func (d *dialog) handlerFor(method string) b2b.RequestHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[method]
}

func (d *dialog) newRequest(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, &d.remoteTarget)
	req.SetDestination(d.dest)
	req.AppendHeader(d.from)
	req.AppendHeader(d.to)
	callID := sip.CallIDHeader(d.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq.Add(1), MethodName: method})
	req.AppendHeader(sip.NewHeader("User-Agent", UserAgent))
	for _, rt := range d.routes {
		req.AppendHeader(rt)
	}
	return req
}

// Modify renegotiates the session with a re-INVITE carrying the new offer.
func (d *dialog) Modify(ctx context.Context, sdp []byte) error {
	req := d.newRequest(sip.INVITE)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(&sip.ContactHeader{Address: d.from.Address})
	req.SetBody(sdp)

	tx, err := d.s.sipCli.TransactionRequest(ctx, req)
	if err != nil {
		return err
	}
	defer tx.Terminate()
	res, err := sipResponse(ctx, tx)
	if err != nil {
		return err
	}
	if res.StatusCode != 200 {
		return fmt.Errorf("re-INVITE rejected: %w", &ErrorStatus{StatusCode: int(res.StatusCode)})
	}
	if err := d.s.sipCli.WriteRequest(sip.NewAckRequest(req, res, nil)); err != nil {
		return err
	}
	d.mu.Lock()
	d.localSDP = sdp
	if body := res.Body(); len(body) != 0 {
		d.remoteSDP = body
	}
	d.mu.Unlock()
	d.log.Debugw("session renegotiated")
	return nil
}

// Request sends an in-dialog request and waits for its final response. A
// non-2xx final response is not an error here; callers decide what a given
// status means.
func (d *dialog) Request(ctx context.Context, r *b2b.Request) (*b2b.Response, error) {
	req := d.newRequest(sip.RequestMethod(r.Method))
	appendHeaders(req, r.Headers)
	if len(r.Body) != 0 {
		if ct, ok := r.Headers.GetHeader("Content-Type"); ok {
			req.AppendHeader(sip.NewHeader("Content-Type", ct))
		}
		req.SetBody(r.Body)
	}

	tx, err := d.s.sipCli.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	res, err := sipResponse(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &b2b.Response{
		Status:  int(res.StatusCode),
		Reason:  res.Reason,
		Headers: headersToMap(res.Headers()),
		Body:    res.Body(),
	}, nil
}

// Destroy hangs up the leg. Safe to call multiple times and from teardown
// callbacks of the peer; only the first call does anything.
func (d *dialog) Destroy() {
	d.closed.Once(func() {
		d.mu.Lock()
		sendBye := !d.remoteBye
		cbs := append([]func(){}, d.onDestroy...)
		d.mu.Unlock()

		if sendBye {
			d.sendBye()
		}
		d.s.dialogEnded(d)
		for _, fn := range cbs {
			fn()
		}
	})
}

// handleRemoteBye finalizes the leg after the remote side hung up. No BYE
// goes out; the 200 for theirs was already sent by the server handler.
func (d *dialog) handleRemoteBye() {
	d.mu.Lock()
	d.remoteBye = true
	d.mu.Unlock()
	d.Destroy()
}

func (d *dialog) sendBye() {
	d.log.Infow("hanging up")
	bye := d.newRequest(sip.BYE)
	tx, err := d.s.sipCli.TransactionRequest(context.Background(), bye)
	if err != nil {
		d.log.Warnw("failed to send BYE", err)
		return
	}
	defer tx.Terminate()
	if _, err := sipResponse(context.Background(), tx); err != nil {
		d.log.Warnw("no response to BYE", err)
	}
}

// dispatch routes an in-dialog request to the handler installed by the
// call-control layer, answering on the transaction.
func (d *dialog) dispatch(req *sip.Request, tx sip.ServerTransaction) {
	method := string(req.Method)
	h := d.handlerFor(method)
	if h == nil {
		switch req.Method {
		case sip.BYE, sip.OPTIONS:
			_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
		default:
			_ = tx.Respond(sip.NewResponseFromRequest(req, 501, "Not Implemented", nil))
		}
	} else {
		if method != "REFER" {
			// REFERs are accounted by the transfer metrics.
			d.s.mon.RelayRequest(method)
		}
		h(&b2b.Request{
			Method:  method,
			Headers: headersToMap(req.Headers()),
			Body:    req.Body(),
		}, &txResponseWriter{req: req, tx: tx})
	}
	if req.Method == sip.BYE {
		d.handleRemoteBye()
	}
}

// txResponseWriter answers a server transaction with an application-level
// response.
type txResponseWriter struct {
	req *sip.Request
	tx  sip.ServerTransaction

	once sync.Once
}

var _ b2b.ResponseWriter = (*txResponseWriter)(nil)

func (w *txResponseWriter) Respond(status int, headers b2b.Headers, body []byte) error {
	var err error
	w.once.Do(func() {
		res := sip.NewResponseFromRequest(w.req, sip.StatusCode(status), "", body)
		appendResponseHeaders(res, headers)
		if ct, ok := headers.GetHeader("Content-Type"); ok && len(body) != 0 {
			res.AppendHeader(sip.NewHeader("Content-Type", ct))
		}
		err = w.tx.Respond(res)
	})
	return err
}
