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
	"strings"

	"github.com/livekit/protocol/logger"
)

// relayMethods is the default set of in-dialog requests forwarded between
// bridged legs. INVITE and UPDATE are excluded: session changes go through
// Dialog.Modify, not the relay.
var relayMethods = []string{"BYE", "INFO", "NOTIFY", "OPTIONS", "MESSAGE"}

// immutableHeaders must be regenerated per leg, never copied across the
// bridge: they carry the dialog/transaction identity of the message.
var immutableHeaders = map[string]struct{}{
	"via":            {},
	"from":           {},
	"to":             {},
	"call-id":        {},
	"cseq":           {},
	"max-forwards":   {},
	"content-length": {},
}

// ForwardInDialogRequests wires symmetric forwarding of in-dialog requests
// between the two legs of a bridged pair. methods selects what to forward:
// nil forwards the default set, a list containing "*" is the default set
// plus the listed extras, and any other list replaces the default entirely.
//
// BYE is not relayed on the wire. Listing it lifecycle-links the legs
// instead, so a remote hangup tears down the peer through Destroy and the
// peer's own BYE goes out exactly once.
func ForwardInDialogRequests(pair *BridgedPair, methods []string, log logger.Logger) {
	if log == nil {
		log = logger.GetLogger()
	}
	forward := resolveMethods(methods)

	linkBye := false
	for _, m := range forward {
		if m == "BYE" {
			linkBye = true
			continue
		}
		installRelay(pair.UAS, pair.UAC, m, log)
		installRelay(pair.UAC, pair.UAS, m, log)
	}
	if linkBye {
		pair.Link(log)
	}
}

func resolveMethods(methods []string) []string {
	if methods == nil {
		return relayMethods
	}
	var out []string
	wildcard := false
	for _, m := range methods {
		if m == "*" {
			wildcard = true
			continue
		}
		out = append(out, strings.ToUpper(m))
	}
	if !wildcard {
		return out
	}
	merged := append([]string{}, relayMethods...)
	for _, m := range out {
		found := false
		for _, d := range merged {
			if d == m {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, m)
		}
	}
	return merged
}

// installRelay forwards requests of one method arriving on from to the other
// leg and maps the final response back. Forwarding failures are logged and
// leave the original request unanswered; they never tear down the bridge.
func installRelay(from, to Dialog, method string, log logger.Logger) {
	from.OnRequest(method, func(req *Request, w ResponseWriter) {
		// A transfer may have re-pointed the bridge since this relay was
		// installed. Requests for the stale pairing stop here.
		if from.Peer() != to {
			if err := w.Respond(481, nil, nil); err != nil {
				log.Warnw("error answering stale relayed request", err, "method", method)
			}
			return
		}
		headers := make(Headers, len(req.Headers))
		for k, v := range req.Headers {
			if _, drop := immutableHeaders[strings.ToLower(k)]; drop {
				continue
			}
			headers[k] = v
		}
		res, err := to.Request(context.Background(), &Request{
			Method:  method,
			Headers: headers,
			Body:    req.Body,
		})
		if err != nil {
			log.Warnw("error forwarding in-dialog request", err, "method", method)
			return
		}
		respHeaders := Headers{}
		if ct, ok := res.Header("Content-Type"); ok {
			respHeaders["Content-Type"] = ct
		}
		if err := w.Respond(res.Status, respHeaders, res.Body); err != nil {
			log.Warnw("error answering relayed request", err, "method", method)
		}
	})
}
