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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newRelayPair() (*BridgedPair, *fakeDialog, *fakeDialog) {
	uas := newFakeDialog("uas-leg")
	uac := newFakeDialog("uac-leg")
	return &BridgedPair{UAS: uas, UAC: uac}, uas, uac
}

func TestRelayForwardsRequest(t *testing.T) {
	pair, uas, uac := newRelayPair()
	ForwardInDialogRequests(pair, nil, nil)

	h := uas.handler("INFO")
	require.NotNil(t, h)
	w := &fakeResponseWriter{}
	h(&Request{
		Method: "INFO",
		Headers: Headers{
			"Content-Type": "application/dtmf-relay",
			"X-Custom":     "1",
			// dialog identity must be regenerated, never copied
			"Call-ID":        "inbound-id",
			"From":           "<sip:a@h>;tag=1",
			"To":             "<sip:b@h>;tag=2",
			"Via":            "SIP/2.0/UDP 10.0.0.1",
			"CSeq":           "3 INFO",
			"Max-Forwards":   "70",
			"Content-Length": "24",
		},
		Body: []byte("Signal=5\r\nDuration=160\r\n"),
	}, w)

	sent := uac.sentRequests("INFO")
	require.Len(t, sent, 1)
	require.Equal(t, "application/dtmf-relay", sent[0].Headers["Content-Type"])
	require.Equal(t, "1", sent[0].Headers["X-Custom"])
	require.Equal(t, []byte("Signal=5\r\nDuration=160\r\n"), sent[0].Body)
	for _, k := range []string{"Call-ID", "From", "To", "Via", "CSeq", "Max-Forwards", "Content-Length"} {
		require.NotContains(t, sent[0].Headers, k)
	}
	require.Equal(t, []int{200}, w.statuses())
}

func TestRelayMapsResponse(t *testing.T) {
	pair, uas, uac := newRelayPair()
	uac.respondWith["OPTIONS"] = &Response{
		Status: 200, Reason: "OK",
		Headers: Headers{"Content-Type": "application/sdp", "Server": "far-end"},
		Body:    []byte("v=0"),
	}
	ForwardInDialogRequests(pair, nil, nil)

	w := &fakeResponseWriter{}
	uas.handler("OPTIONS")(&Request{Method: "OPTIONS", Headers: Headers{}}, w)

	require.Equal(t, []int{200}, w.statuses())
	// Only the entity headers survive the mapping.
	require.Equal(t, Headers{"Content-Type": "application/sdp"}, w.headers[0])
	require.Equal(t, []byte("v=0"), w.body[0])
}

func TestRelayForwardFailureLeavesUnanswered(t *testing.T) {
	pair, uas, uac := newRelayPair()
	uac.requestErr["MESSAGE"] = errors.New("transport down")
	ForwardInDialogRequests(pair, nil, nil)

	w := &fakeResponseWriter{}
	uas.handler("MESSAGE")(&Request{Method: "MESSAGE", Headers: Headers{}}, w)

	require.Empty(t, w.statuses())
	// Bridge survives the failure.
	require.False(t, uas.isDestroyed())
	require.False(t, uac.isDestroyed())
}

func TestRelayIsSymmetric(t *testing.T) {
	pair, uas, uac := newRelayPair()
	ForwardInDialogRequests(pair, nil, nil)

	w := &fakeResponseWriter{}
	uac.handler("NOTIFY")(&Request{Method: "NOTIFY", Headers: Headers{"Event": "talk"}}, w)

	sent := uas.sentRequests("NOTIFY")
	require.Len(t, sent, 1)
	require.Equal(t, "talk", sent[0].Headers["Event"])
}

func TestRelayByeLinksLifecycle(t *testing.T) {
	pair, uas, uac := newRelayPair()
	ForwardInDialogRequests(pair, nil, nil)

	// BYE is handled through the lifecycle link, never relayed on the wire.
	// A relayed BYE plus the peer's own teardown BYE would hang up twice.
	require.Nil(t, uas.handler("BYE"))
	require.Nil(t, uac.handler("BYE"))

	require.Same(t, uac, uas.Peer())
	uas.Destroy()
	require.True(t, uac.isDestroyed())
	require.Empty(t, uac.sentRequests("BYE"))
	// Teardown propagates exactly once even though both legs observe it.
	require.Equal(t, 1, uas.teardowns())
	require.Equal(t, 1, uac.teardowns())
}

func TestRelayStaleHandlerAfterRebridge(t *testing.T) {
	pair, uas, uac := newRelayPair()
	ForwardInDialogRequests(pair, nil, nil)

	// Re-point the bridge the way a completed transfer does.
	next := newFakeDialog("next-leg")
	uas.SetPeer(next)

	w := &fakeResponseWriter{}
	uas.handler("INFO")(&Request{Method: "INFO", Headers: Headers{}}, w)

	require.Empty(t, uac.sentRequests("INFO"))
	require.Equal(t, []int{481}, w.statuses())
}

func TestRelayMethodListReplacesDefaults(t *testing.T) {
	pair, uas, uac := newRelayPair()
	ForwardInDialogRequests(pair, []string{"info"}, nil)

	require.NotNil(t, uas.handler("INFO"))
	require.Nil(t, uas.handler("MESSAGE"))
	require.Nil(t, uas.handler("BYE"))

	// No BYE in the set means no lifecycle link either.
	uas.Destroy()
	require.False(t, uac.isDestroyed())
}

func TestRelayWildcardExtendsDefaults(t *testing.T) {
	pair, uas, _ := newRelayPair()
	ForwardInDialogRequests(pair, []string{"*", "SUBSCRIBE"}, nil)

	for _, m := range []string{"INFO", "NOTIFY", "OPTIONS", "MESSAGE", "SUBSCRIBE"} {
		require.NotNil(t, uas.handler(m), m)
	}
	// The default set still carries BYE, but only as the lifecycle link.
	require.Nil(t, uas.handler("BYE"))
	require.Same(t, uas.Peer(), pair.UAC)
}
