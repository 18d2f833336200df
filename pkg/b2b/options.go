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
	"time"

	"github.com/livekit/protocol/logger"
)

// DefaultRingTimeout is how long each attempt may ring before it is
// canceled and counted as failed.
const DefaultRingTimeout = 20 * time.Second

// CallOptions are per-attempt call parameters. Per-attempt values win over
// race-level defaults, which win over transport defaults.
type CallOptions struct {
	// Headers are extra headers for the outbound INVITE.
	Headers Headers
	// LocalSDP is the session description offered to the destination.
	// Nil lets the transport generate its default.
	LocalSDP []byte
}

// mergedOver layers o on top of base: o's values win field by field, and
// headers are merged key by key with o's entries taking precedence.
func (o *CallOptions) mergedOver(base *CallOptions) *CallOptions {
	if base == nil {
		if o == nil {
			return &CallOptions{}
		}
		return o.clone()
	}
	out := base.clone()
	if o == nil {
		return out
	}
	if o.LocalSDP != nil {
		out.LocalSDP = o.LocalSDP
	}
	if len(o.Headers) != 0 {
		if out.Headers == nil {
			out.Headers = make(Headers, len(o.Headers))
		}
		for k, v := range o.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

func (o *CallOptions) clone() *CallOptions {
	out := &CallOptions{LocalSDP: o.LocalSDP}
	if o.Headers != nil {
		out.Headers = o.Headers.Clone()
	}
	return out
}

// ForkOptions configures one simultaneous-ring race.
type ForkOptions struct {
	// RingTimeout bounds each attempt independently. Zero means
	// DefaultRingTimeout.
	RingTimeout time.Duration

	// Call holds race-level defaults applied to every attempt.
	Call *CallOptions

	// AcceptSDP, when set, is the session description used to answer the
	// inbound leg. AcceptSDPFunc takes precedence over AcceptSDP and is
	// invoked with the winner's remote description and final response.
	// When neither is set, the winner's remote description is passed
	// through to the transport.
	AcceptSDP     []byte
	AcceptSDPFunc func(remoteSDP []byte, res *Response) []byte

	// ProxyResponseHeaders lists headers copied from the winning attempt's
	// response onto the inbound accept.
	ProxyResponseHeaders []string
	// ResponseHeaders are injected on top of the copied headers.
	// ResponseHeadersFunc takes precedence and receives the winner's
	// response and the already-copied set.
	ResponseHeaders     Headers
	ResponseHeadersFunc func(res *Response, copied Headers) Headers

	// ForwardRinging forwards at most one 180 provisional upstream.
	ForwardRinging bool

	// Notification hooks. Observability only; they never alter the race.
	OnRequestSent func(uri string, h AttemptHandle)
	OnProvisional func(uri string, res *Response)

	Logger logger.Logger
}

func (o *ForkOptions) ringTimeout() time.Duration {
	if o == nil || o.RingTimeout <= 0 {
		return DefaultRingTimeout
	}
	return o.RingTimeout
}

// acceptHeaders builds the header set for the inbound accept from the
// winning attempt's response: the allow-list copy first, then overrides.
func (o *ForkOptions) acceptHeaders(res *Response) Headers {
	headers := make(Headers)
	if o == nil {
		return headers
	}
	for _, name := range o.ProxyResponseHeaders {
		if v, ok := res.Header(name); ok {
			headers[name] = v
		}
	}
	var extra Headers
	if o.ResponseHeadersFunc != nil {
		extra = o.ResponseHeadersFunc(res, headers.Clone())
	} else {
		extra = o.ResponseHeaders
	}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

// acceptSDP resolves the inbound-leg session description for the winner.
// Nil means the transport default.
func (o *ForkOptions) acceptSDP(remoteSDP []byte, res *Response) []byte {
	if o == nil {
		return nil
	}
	if o.AcceptSDPFunc != nil {
		return o.AcceptSDPFunc(remoteSDP, res)
	}
	return o.AcceptSDP
}

// TransferOptions configures REFER handling.
type TransferOptions struct {
	// Transport creates the transfer-target leg and resolves Replaces.
	Transport Transport

	// AuthLookup, when set, authorizes the referring identity before any
	// transfer procedure runs.
	AuthLookup func(user string) bool
	// DestinationLookup resolves a blind-transfer destination address for
	// the Refer-To user. When unset, the host from the Refer-To URI is used.
	DestinationLookup func(user string) (string, bool)

	Logger logger.Logger
}
