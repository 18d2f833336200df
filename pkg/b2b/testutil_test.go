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
	"sync"

	"github.com/pkg/errors"
)

var errAttemptCanceled = errors.New("attempt canceled")

// fakeScript drives one outbound attempt from the test: push a dialog to
// answer it, push an error to fail it, or let Cancel abort it.
type fakeScript struct {
	answerC chan *fakeDialog
	failC   chan error
	cancelC chan struct{}
	// provisional statuses emitted right after dispatch
	provisional []int
	// ignoreCancel simulates the transport-level race where the attempt
	// completes successfully even though a cancel was issued.
	ignoreCancel bool

	cancelOnce sync.Once
}

func newFakeScript() *fakeScript {
	return &fakeScript{
		answerC: make(chan *fakeDialog, 1),
		failC:   make(chan error, 1),
		cancelC: make(chan struct{}),
	}
}

func (s *fakeScript) cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelC)
	})
}

func (s *fakeScript) isCanceled() bool {
	select {
	case <-s.cancelC:
		return true
	default:
		return false
	}
}

type fakeHandle struct {
	uri    string
	script *fakeScript
}

func (h *fakeHandle) URI() string { return h.uri }
func (h *fakeHandle) Cancel()     { h.script.cancel() }

type dialogKey struct {
	callID  string
	fromTag string
}

type fakeTransport struct {
	mu      sync.Mutex
	scripts map[string]*fakeScript
	created []string
	copts   map[string]*CallOptions
	dialogs map[dialogKey]Dialog
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		scripts: make(map[string]*fakeScript),
		copts:   make(map[string]*CallOptions),
		dialogs: make(map[dialogKey]Dialog),
	}
}

func (t *fakeTransport) script(uri string) *fakeScript {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.scripts[uri]
	if !ok {
		s = newFakeScript()
		t.scripts[uri] = s
	}
	return s
}

func (t *fakeTransport) callOpts(uri string) *CallOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copts[uri]
}

func (t *fakeTransport) createdURIs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.created...)
}

func (t *fakeTransport) register(callID, fromTag string, d Dialog) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialogs[dialogKey{callID, fromTag}] = d
}

func (t *fakeTransport) CreateDialog(ctx context.Context, uri string, opts *CallOptions, obs *AttemptObserver) (Dialog, error) {
	s := t.script(uri)
	t.mu.Lock()
	t.created = append(t.created, uri)
	t.copts[uri] = opts
	t.mu.Unlock()

	if obs != nil && obs.OnRequestSent != nil {
		obs.OnRequestSent(&fakeHandle{uri: uri, script: s})
	}
	if obs != nil && obs.OnProvisional != nil {
		for _, status := range s.provisional {
			obs.OnProvisional(&Response{Status: status})
		}
	}

	cancelC := s.cancelC
	if s.ignoreCancel {
		cancelC = nil
	}
	select {
	case d := <-s.answerC:
		return d, nil
	case err := <-s.failC:
		return nil, err
	case <-cancelC:
		return nil, errAttemptCanceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) DialogByCallIDAndFromTag(callID, fromTag string) (Dialog, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.dialogs[dialogKey{callID, fromTag}]
	return d, ok
}

type fakeDialog struct {
	id        string
	localTag  string
	remoteTag string
	localSDP  []byte
	remoteSDP []byte
	contact   string
	answer    *Response

	mu            sync.Mutex
	peer          Dialog
	destroyed     bool
	teardownCount int
	onDestroy     []func()
	handlers      map[string]RequestHandler
	modifySDPs    [][]byte
	modifyErr     error
	requests      []*Request
	respondWith   map[string]*Response
	requestErr    map[string]error
}

func newFakeDialog(id string) *fakeDialog {
	return &fakeDialog{
		id:          id,
		handlers:    make(map[string]RequestHandler),
		respondWith: make(map[string]*Response),
		requestErr:  make(map[string]error),
	}
}

func (d *fakeDialog) ID() string           { return d.id }
func (d *fakeDialog) LocalTag() string     { return d.localTag }
func (d *fakeDialog) RemoteTag() string    { return d.remoteTag }
func (d *fakeDialog) LocalSDP() []byte     { return d.localSDP }
func (d *fakeDialog) RemoteSDP() []byte    { return d.remoteSDP }
func (d *fakeDialog) LocalContact() string { return d.contact }
func (d *fakeDialog) Answer() *Response    { return d.answer }

func (d *fakeDialog) Modify(ctx context.Context, sdp []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modifySDPs = append(d.modifySDPs, sdp)
	return d.modifyErr
}

func (d *fakeDialog) Request(ctx context.Context, req *Request) (*Response, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	res := d.respondWith[req.Method]
	err := d.requestErr[req.Method]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Response{Status: 200, Reason: "OK"}
	}
	return res, nil
}

func (d *fakeDialog) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.teardownCount++
	cbs := append([]func(){}, d.onDestroy...)
	d.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

func (d *fakeDialog) OnDestroy(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDestroy = append(d.onDestroy, fn)
}

func (d *fakeDialog) OnRequest(method string, h RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

func (d *fakeDialog) handler(method string) RequestHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[method]
}

func (d *fakeDialog) sentRequests(method string) []*Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Request
	for _, r := range d.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (d *fakeDialog) isDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *fakeDialog) teardowns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.teardownCount
}

func (d *fakeDialog) Peer() Dialog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer
}

func (d *fakeDialog) SetPeer(p Dialog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer = p
}

type fakeInbound struct {
	tr        *fakeTransport
	remoteSDP []byte

	mu         sync.Mutex
	onCancel   []func()
	progress   []int
	acceptOpts *AcceptOptions
	acceptErr  error
	uas        *fakeDialog
	rejected   int
}

func newFakeInbound(tr *fakeTransport) *fakeInbound {
	return &fakeInbound{tr: tr, uas: newFakeDialog("inbound-leg")}
}

func (in *fakeInbound) Transport() Transport { return in.tr }
func (in *fakeInbound) RemoteSDP() []byte    { return in.remoteSDP }

func (in *fakeInbound) Progress(status int, reason string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.progress = append(in.progress, status)
}

func (in *fakeInbound) Accept(ctx context.Context, opts *AcceptOptions) (Dialog, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.acceptOpts = opts
	if in.acceptErr != nil {
		return nil, in.acceptErr
	}
	return in.uas, nil
}

func (in *fakeInbound) Reject(status int, reason string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.rejected = status
	return nil
}

func (in *fakeInbound) OnCancel(fn func()) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onCancel = append(in.onCancel, fn)
}

// hangup simulates the caller sending CANCEL.
func (in *fakeInbound) hangup() {
	in.mu.Lock()
	cbs := append([]func(){}, in.onCancel...)
	in.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

func (in *fakeInbound) progressed() []int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]int{}, in.progress...)
}

func (in *fakeInbound) acceptedWith() *AcceptOptions {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.acceptOpts
}

type fakeResponseWriter struct {
	mu      sync.Mutex
	status  []int
	headers []Headers
	body    [][]byte
}

func (w *fakeResponseWriter) Respond(status int, headers Headers, body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = append(w.status, status)
	w.headers = append(w.headers, headers)
	w.body = append(w.body, body)
	return nil
}

func (w *fakeResponseWriter) statuses() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int{}, w.status...)
}
