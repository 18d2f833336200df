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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	b2berrors "github.com/livekit/b2b/pkg/errors"
)

type forkOutcome struct {
	pair *BridgedPair
	err  error
}

func startFork(t *testing.T, f *Fork, uris []string) <-chan forkOutcome {
	t.Helper()
	out := make(chan forkOutcome, 1)
	go func() {
		pair, err := f.Start(context.Background(), uris, nil)
		out <- forkOutcome{pair, err}
	}()
	return out
}

func waitOutcome(t *testing.T, out <-chan forkOutcome) forkOutcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(3 * time.Second):
		require.Fail(t, "fork did not resolve")
		return forkOutcome{}
	}
}

func TestForkFirstAnswerWins(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, nil)

	out := startFork(t, f, []string{"sip:a@host", "sip:b@host", "sip:c@host"})

	winner := newFakeDialog("leg-b")
	winner.remoteSDP = []byte("sdp-b")
	winner.answer = &Response{Status: 200}
	tr.script("sip:b@host").answerC <- winner

	o := waitOutcome(t, out)
	require.NoError(t, o.err)
	require.Same(t, winner, o.pair.UAC.(*fakeDialog))
	require.Same(t, in.uas, o.pair.UAS.(*fakeDialog))
	require.True(t, f.Started())
	require.True(t, f.Finished())

	// losers are canceled; the winner's own attempt never is
	require.Eventually(t, func() bool {
		return tr.script("sip:a@host").isCanceled() && tr.script("sip:c@host").isCanceled()
	}, time.Second, 5*time.Millisecond)
	require.False(t, tr.script("sip:b@host").isCanceled())

	// the bridged legs point at each other
	require.Same(t, winner, in.uas.Peer().(*fakeDialog))
	require.Same(t, in.uas, winner.Peer().(*fakeDialog))

	// default accept passes the winner's description through
	require.Equal(t, []byte("sdp-b"), in.acceptedWith().LocalSDP)
}

func TestForkStartTwice(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, nil)

	out := startFork(t, f, []string{"sip:a@host"})
	tr.script("sip:a@host").answerC <- newFakeDialog("leg-a")
	require.NoError(t, waitOutcome(t, out).err)

	_, err := f.Start(context.Background(), []string{"sip:b@host"}, nil)
	require.ErrorIs(t, err, b2berrors.ErrAlreadyStarted)
	// no second wave of attempts
	require.Equal(t, []string{"sip:a@host"}, tr.createdURIs())
}

func TestForkEmptyDestinationSet(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	_, err := NewFork(in, nil).Start(context.Background(), nil, nil)
	require.ErrorIs(t, err, b2berrors.ErrEmptyDestinationSet)
}

func TestForkAllAttemptsFailed(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, nil)

	out := startFork(t, f, []string{"sip:a@host", "sip:b@host"})
	tr.script("sip:a@host").failC <- errors.New("486 Busy Here")
	tr.script("sip:b@host").failC <- errors.New("603 Decline")

	o := waitOutcome(t, out)
	var all *b2berrors.AllAttemptsFailed
	require.ErrorAs(t, o.err, &all)
	require.EqualError(t, all.Reason("sip:a@host"), "486 Busy Here")
	require.EqualError(t, all.Reason("sip:b@host"), "603 Decline")
	require.True(t, f.Finished())
}

func TestForkAttemptTimeoutIsIsolated(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, &ForkOptions{RingTimeout: 300 * time.Millisecond})

	out := startFork(t, f, []string{"sip:slow@host"})
	require.Eventually(t, f.Started, time.Second, 5*time.Millisecond)

	// stagger the second attempt so its ring timer fires well after slow's
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, f.AddDestination("sip:late@host", nil))

	// slow never answers and gets individually canceled by its ring timer
	require.Eventually(t, func() bool {
		return tr.script("sip:slow@host").isCanceled()
	}, time.Second, 5*time.Millisecond)
	require.False(t, f.Finished())
	require.False(t, tr.script("sip:late@host").isCanceled())

	// the race is still on: the staggered attempt can answer after that
	winner := newFakeDialog("leg-late")
	tr.script("sip:late@host").answerC <- winner

	o := waitOutcome(t, out)
	require.NoError(t, o.err)
	require.Same(t, winner, o.pair.UAC.(*fakeDialog))
}

func TestForkLastAttemptTimeout(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, &ForkOptions{RingTimeout: 30 * time.Millisecond})

	out := startFork(t, f, []string{"sip:a@host"})

	o := waitOutcome(t, out)
	var all *b2berrors.AllAttemptsFailed
	require.ErrorAs(t, o.err, &all)
	require.ErrorIs(t, all.Reason("sip:a@host"), b2berrors.ErrAttemptTimeout)
}

func TestForkCallerAbandoned(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, nil)

	out := startFork(t, f, []string{"sip:a@host", "sip:b@host"})
	require.Eventually(t, func() bool {
		return len(tr.createdURIs()) == 2
	}, time.Second, 5*time.Millisecond)

	in.hangup()

	o := waitOutcome(t, out)
	require.ErrorIs(t, o.err, b2berrors.ErrCallerAbandoned)
	require.Eventually(t, func() bool {
		return tr.script("sip:a@host").isCanceled() && tr.script("sip:b@host").isCanceled()
	}, time.Second, 5*time.Millisecond)
}

func TestForkHangupAfterWinner(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, nil)

	out := startFork(t, f, []string{"sip:a@host"})
	winner := newFakeDialog("leg-a")
	tr.script("sip:a@host").answerC <- winner

	o := waitOutcome(t, out)
	require.NoError(t, o.err)

	// a hangup observed after resolution doesn't undo the outcome
	in.hangup()
	require.True(t, f.Finished())
	require.False(t, winner.isDestroyed())
}

func TestForkAddDestination(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, nil)

	require.ErrorIs(t, f.AddDestination("sip:b@host", nil), b2berrors.ErrNotStarted)

	out := startFork(t, f, []string{"sip:a@host"})
	require.Eventually(t, f.Started, time.Second, 5*time.Millisecond)

	require.NoError(t, f.AddDestination("sip:b@host", nil))

	// the added destination competes in the same race and can win
	winner := newFakeDialog("leg-b")
	tr.script("sip:b@host").answerC <- winner

	o := waitOutcome(t, out)
	require.NoError(t, o.err)
	require.Same(t, winner, o.pair.UAC.(*fakeDialog))
	require.Eventually(t, func() bool {
		return tr.script("sip:a@host").isCanceled()
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, f.AddDestination("sip:c@host", nil), b2berrors.ErrAlreadyFinished)
}

// A transport-level race can complete an attempt successfully after another
// leg already won. The late leg is hung up and written off as that attempt's
// own failure; this is intentional, not a bug to surface race-wide.
func TestForkLateWinnerConflict(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, nil)

	tr.script("sip:late@host").ignoreCancel = true

	out := startFork(t, f, []string{"sip:fast@host", "sip:late@host"})

	winner := newFakeDialog("leg-fast")
	tr.script("sip:fast@host").answerC <- winner

	o := waitOutcome(t, out)
	require.NoError(t, o.err)
	require.Same(t, winner, o.pair.UAC.(*fakeDialog))

	// now the "canceled" attempt answers anyway
	late := newFakeDialog("leg-late")
	tr.script("sip:late@host").answerC <- late

	require.Eventually(t, late.isDestroyed, time.Second, 5*time.Millisecond)
	require.False(t, winner.isDestroyed())
}

func TestForkForwardsSingleRinging(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	tr.script("sip:a@host").provisional = []int{180}
	tr.script("sip:b@host").provisional = []int{183, 180}

	f := NewFork(in, &ForkOptions{ForwardRinging: true})

	out := startFork(t, f, []string{"sip:a@host", "sip:b@host"})
	require.Eventually(t, func() bool {
		return len(tr.createdURIs()) == 2
	}, time.Second, 5*time.Millisecond)

	tr.script("sip:a@host").answerC <- newFakeDialog("leg-a")
	require.NoError(t, waitOutcome(t, out).err)

	// both legs rang, exactly one 180 went upstream
	require.Equal(t, []int{180}, in.progressed())
}

func TestForkHeaderCopyAndOverride(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, &ForkOptions{
		ProxyResponseHeaders: []string{"X-Carrier", "X-Missing"},
		ResponseHeadersFunc: func(res *Response, copied Headers) Headers {
			require.Equal(t, "acme", copied["X-Carrier"])
			return Headers{"X-Extra": "1"}
		},
	})

	out := startFork(t, f, []string{"sip:a@host"})
	winner := newFakeDialog("leg-a")
	winner.answer = &Response{
		Status:  200,
		Headers: Headers{"X-Carrier": "acme", "X-Private": "nope"},
	}
	tr.script("sip:a@host").answerC <- winner
	require.NoError(t, waitOutcome(t, out).err)

	headers := in.acceptedWith().Headers
	require.Equal(t, "acme", headers["X-Carrier"])
	require.Equal(t, "1", headers["X-Extra"])
	_, copied := headers["X-Private"]
	require.False(t, copied)
}

func TestForkAcceptSDPFunc(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, &ForkOptions{
		AcceptSDPFunc: func(remote []byte, res *Response) []byte {
			require.Equal(t, []byte("sdp-b"), remote)
			return []byte("rewritten")
		},
	})

	out := startFork(t, f, []string{"sip:b@host"})
	winner := newFakeDialog("leg-b")
	winner.remoteSDP = []byte("sdp-b")
	tr.script("sip:b@host").answerC <- winner
	require.NoError(t, waitOutcome(t, out).err)

	require.Equal(t, []byte("rewritten"), in.acceptedWith().LocalSDP)
}

func TestForkMergesCallOptions(t *testing.T) {
	tr := newFakeTransport()
	in := newFakeInbound(tr)
	f := NewFork(in, &ForkOptions{
		Call: &CallOptions{Headers: Headers{"X-Tenant": "t1", "X-Base": "yes"}},
	})

	out := startFork(t, f, []string{"sip:a@host"})
	require.Eventually(t, f.Started, time.Second, 5*time.Millisecond)
	require.NoError(t, f.AddDestination("sip:b@host", &CallOptions{
		Headers: Headers{"X-Tenant": "t2"},
	}))

	tr.script("sip:b@host").answerC <- newFakeDialog("leg-b")
	require.NoError(t, waitOutcome(t, out).err)

	// per-attempt values win over race-level defaults
	opts := tr.callOpts("sip:b@host")
	require.Equal(t, "t2", opts.Headers["X-Tenant"])
	require.Equal(t, "yes", opts.Headers["X-Base"])
}
