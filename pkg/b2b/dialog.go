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

	"github.com/livekit/protocol/logger"
)

// Headers is a case-insensitive set of SIP header values. Keys are stored as
// provided; lookups normalize through GetHeader.
type Headers map[string]string

func (h Headers) GetHeader(name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if headerNameEqual(k, name) {
			return v, true
		}
	}
	return "", false
}

// Clone returns a copy safe to mutate.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func headerNameEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Request is an in-dialog SIP request as seen by the core: method, headers
// and an opaque body.
type Request struct {
	Method  string
	Headers Headers
	Body    []byte
}

// Response is the surface the core needs from a SIP response: status code,
// header lookup and an opaque body.
type Response struct {
	Status  int
	Reason  string
	Headers Headers
	Body    []byte
}

func (r *Response) Header(name string) (string, bool) {
	if r == nil || r.Headers == nil {
		return "", false
	}
	return r.Headers.GetHeader(name)
}

// ResponseWriter answers a single in-dialog request. Implementations must
// tolerate at most one Respond call.
type ResponseWriter interface {
	Respond(status int, headers Headers, body []byte) error
}

// RequestHandler consumes one in-dialog request. Handlers answer through w;
// a request left unanswered is the handler's responsibility.
type RequestHandler func(req *Request, w ResponseWriter)

// Dialog is one established call leg. Dialogs are owned by the transport
// layer; the core only holds references and registers callbacks.
type Dialog interface {
	// ID returns the dialog's Call-ID.
	ID() string
	LocalTag() string
	RemoteTag() string

	LocalSDP() []byte
	RemoteSDP() []byte
	// LocalContact is the Contact value this leg advertises.
	LocalContact() string
	// Answer is the final 2xx response that established the dialog, when
	// this leg was created as a UAC. Nil otherwise.
	Answer() *Response

	// Modify renegotiates the session against a new remote description.
	Modify(ctx context.Context, sdp []byte) error
	// Request sends an in-dialog request and resolves to its final response.
	Request(ctx context.Context, req *Request) (*Response, error)
	// Destroy tears the leg down. Must be idempotent.
	Destroy()

	// OnDestroy registers a teardown callback. Callbacks fire exactly once,
	// whichever side initiated the teardown.
	OnDestroy(fn func())
	// OnRequest installs a handler for one in-dialog method, replacing any
	// previous handler for that method.
	OnRequest(method string, h RequestHandler)

	// Peer returns the leg bridged to this one, if any.
	Peer() Dialog
	SetPeer(d Dialog)
}

// AttemptHandle is an outbound call attempt that has been dispatched but not
// yet answered. Cancel aborts it.
type AttemptHandle interface {
	URI() string
	Cancel()
}

// AttemptObserver carries per-attempt notification hooks. Both are optional
// and purely observational.
type AttemptObserver struct {
	// OnRequestSent fires once the transport has dispatched the attempt.
	OnRequestSent func(h AttemptHandle)
	// OnProvisional fires for each provisional (1xx) response.
	OnProvisional func(res *Response)
}

// Transport is the dialog layer the core runs on top of. It is implemented
// by pkg/sip for production and by test fakes.
type Transport interface {
	// CreateDialog places one outbound call and blocks until it is answered,
	// fails, or is canceled through the AttemptHandle.
	CreateDialog(ctx context.Context, uri string, opts *CallOptions, obs *AttemptObserver) (Dialog, error)
	// DialogByCallIDAndFromTag resolves an established dialog for Replaces.
	DialogByCallIDAndFromTag(callID, fromTag string) (Dialog, bool)
}

// InboundCall is a received INVITE that has not been answered yet.
type InboundCall interface {
	Transport() Transport
	// RemoteSDP is the caller's session description offer.
	RemoteSDP() []byte
	// Progress sends a provisional response upstream.
	Progress(status int, reason string)
	// Accept answers the call and returns the established inbound leg.
	Accept(ctx context.Context, opts *AcceptOptions) (Dialog, error)
	// Reject declines the call with a final status.
	Reject(status int, reason string) error
	// OnCancel registers a callback for the caller hanging up pre-answer.
	OnCancel(fn func())
}

// AcceptOptions controls how the inbound leg is answered. A nil LocalSDP
// lets the transport generate its default session description.
type AcceptOptions struct {
	Headers  Headers
	LocalSDP []byte
}

// BridgedPair is two legs linked for forwarding and lifecycle purposes:
// the inbound (or transferee) leg and the outbound (or transfer target) leg.
type BridgedPair struct {
	// UAS is the call-accepting leg (inbound / transferee).
	UAS Dialog
	// UAC is the call-initiating leg (outbound / transfer target).
	UAC Dialog
}

// Link ties the two legs together: each becomes the other's peer, and a
// teardown of either destroys the other. Destroy being idempotent on the
// dialog keeps the back-link from double-destroying.
func (p *BridgedPair) Link(log logger.Logger) {
	if log == nil {
		log = logger.GetLogger()
	}
	p.UAS.SetPeer(p.UAC)
	p.UAC.SetPeer(p.UAS)
	linkTeardown(p.UAS, p.UAC, log)
	linkTeardown(p.UAC, p.UAS, log)
}

func linkTeardown(a, b Dialog, log logger.Logger) {
	a.OnDestroy(func() {
		// Only tear down the peer the leg is still bridged to. A transfer
		// re-points peers, and OnDestroy registrations from the old
		// pairing must not cascade into the new one.
		if a.Peer() != b {
			return
		}
		log.Debugw("bridged leg closed, closing peer", "sipCallID", a.ID())
		b.Destroy()
	})
}
