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
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/b2b/pkg/errors"
)

// Fork rings a set of destinations concurrently for one inbound call and
// bridges the caller to the first destination that answers. Every other
// attempt is canceled as part of the same winning transition, so losers are
// always hung up before the race outcome is delivered.
//
// Each attempt runs in its own goroutine; all race state lives behind one
// mutex, which makes the "first answer wins" check-and-set atomic even when
// two attempts answer back to back.
type Fork struct {
	in   InboundCall
	tr   Transport
	opts *ForkOptions
	log  logger.Logger

	timeout time.Duration
	raceCtx context.Context

	mu           sync.Mutex
	started      bool
	finished     bool
	answered     bool
	callerGone   bool
	rangUpstream bool
	inflight     map[string]*attempt
	failures     map[string]error
	pending      int

	resolved core.Fuse
	resultCh chan forkResult
}

type forkResult struct {
	uri string
	uac Dialog
	err error
}

// attempt is one outbound call in the race. The dispatch handle arrives
// asynchronously, so cancellation has to cover the window before it exists.
type attempt struct {
	uri      string
	timer    *time.Timer
	handle   AttemptHandle
	canceled bool
}

func (a *attempt) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
	}
}

func NewFork(in InboundCall, opts *ForkOptions) *Fork {
	if opts == nil {
		opts = &ForkOptions{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	return &Fork{
		in:       in,
		tr:       in.Transport(),
		opts:     opts,
		log:      log,
		timeout:  opts.ringTimeout(),
		inflight: make(map[string]*attempt),
		failures: make(map[string]error),
		resultCh: make(chan forkResult, 1),
	}
}

// SimRing is the one-shot form of Fork: ring uris, bridge the first answer.
func SimRing(ctx context.Context, in InboundCall, uris []string, opts *ForkOptions) (*BridgedPair, error) {
	return NewFork(in, opts).Start(ctx, uris, nil)
}

func (f *Fork) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *Fork) Finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

// Start begins the race and blocks until one destination answers and the
// inbound leg is accepted, every attempt has failed, or the caller hangs up.
func (f *Fork) Start(ctx context.Context, uris []string, copts *CallOptions) (*BridgedPair, error) {
	// Register before launching so a hangup racing with setup is observed.
	f.in.OnCancel(f.onCallerCancel)

	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil, errors.ErrAlreadyStarted
	}
	if len(uris) == 0 {
		f.mu.Unlock()
		return nil, errors.ErrEmptyDestinationSet
	}
	if f.callerGone {
		f.finished = true
		f.mu.Unlock()
		return nil, errors.ErrCallerAbandoned
	}
	f.started = true
	f.raceCtx = context.WithoutCancel(ctx)
	merged := copts.mergedOver(f.opts.Call)
	for _, uri := range uris {
		f.launchAttemptLocked(uri, merged)
	}
	f.mu.Unlock()

	select {
	case r := <-f.resultCh:
		if r.err != nil {
			return nil, r.err
		}
		return f.acceptWinner(context.WithoutCancel(ctx), r)
	case <-ctx.Done():
		f.onCallerCancel()
		// A winner may have been picked in the same instant; it stands.
		select {
		case r := <-f.resultCh:
			if r.err == nil {
				return f.acceptWinner(context.WithoutCancel(ctx), r)
			}
			return nil, r.err
		default:
			return nil, ctx.Err()
		}
	}
}

// AddDestination extends an in-flight race with one more attempt. The new
// attempt competes on equal footing and can still win.
func (f *Fork) AddDestination(uri string, copts *CallOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return errors.ErrNotStarted
	}
	if f.finished {
		return errors.ErrAlreadyFinished
	}
	if _, ok := f.inflight[uri]; ok {
		f.log.Infow("destination already ringing, ignoring", "uri", uri)
		return nil
	}
	f.launchAttemptLocked(uri, copts.mergedOver(f.opts.Call))
	return nil
}

// Cancel aborts the race on behalf of the caller: every in-flight attempt
// is hung up. If a winner was already selected the resolution stands.
func (f *Fork) Cancel() {
	f.onCallerCancel()
}

func (f *Fork) launchAttemptLocked(uri string, copts *CallOptions) {
	a := &attempt{uri: uri}
	f.inflight[uri] = a
	f.pending++
	a.timer = time.AfterFunc(f.timeout, func() {
		f.attemptTimeout(uri, a)
	})
	obs := &AttemptObserver{
		OnRequestSent: func(h AttemptHandle) {
			f.mu.Lock()
			late := a.canceled
			if !late {
				a.handle = h
			}
			n := len(f.inflight)
			f.mu.Unlock()
			if late {
				// Canceled before the transport confirmed dispatch.
				h.Cancel()
				return
			}
			f.log.Debugw("launched call attempt", "uri", uri, "inFlight", n)
			if f.opts.OnRequestSent != nil {
				f.opts.OnRequestSent(uri, h)
			}
		},
		OnProvisional: func(res *Response) {
			if f.opts.OnProvisional != nil {
				f.opts.OnProvisional(uri, res)
			}
			if res.Status == 180 && f.opts.ForwardRinging {
				f.mu.Lock()
				fwd := !f.rangUpstream && !f.finished
				if fwd {
					f.rangUpstream = true
				}
				f.mu.Unlock()
				if fwd {
					f.in.Progress(180, "Ringing")
				}
			}
		},
	}
	ctx := f.raceCtx
	go func() {
		dlg, err := f.tr.CreateDialog(ctx, uri, copts, obs)
		f.attemptDone(uri, a, dlg, err)
	}()
}

// attemptTimeout fires the per-attempt ring timer: that attempt alone is
// canceled and discarded, the rest of the race is untouched.
func (f *Fork) attemptTimeout(uri string, a *attempt) {
	f.mu.Lock()
	cur, ok := f.inflight[uri]
	if !ok || cur != a || f.finished {
		f.mu.Unlock()
		return
	}
	delete(f.inflight, uri)
	a.canceled = true
	if _, ok := f.failures[uri]; !ok {
		f.failures[uri] = errors.ErrAttemptTimeout
	}
	h := a.handle
	f.mu.Unlock()

	f.log.Infow("ring timeout, canceling attempt", "uri", uri)
	if h != nil {
		h.Cancel()
	}
}

func (f *Fork) attemptDone(uri string, a *attempt, dlg Dialog, err error) {
	f.mu.Lock()
	f.pending--

	if err == nil {
		if f.answered || f.finished || f.callerGone || a.canceled {
			// The transport answered this attempt after another leg won,
			// after the caller left, or after we canceled it. Hang it up
			// and record it as this attempt's own failure.
			if _, ok := f.failures[uri]; !ok {
				f.failures[uri] = errors.ErrLateWinnerConflict
			}
			delete(f.inflight, uri)
			a.stopTimer()
			f.mu.Unlock()
			f.log.Infow("attempt answered after race was decided, hanging up",
				"uri", uri, "sipCallID", dlg.ID())
			dlg.Destroy()
			return
		}

		// Winner. Cancel everyone else as part of the same transition, so
		// the losers are gone before the outcome is delivered.
		f.answered = true
		f.finished = true
		delete(f.inflight, uri)
		a.stopTimer()
		handles := f.cancelInflightLocked(uri)
		f.mu.Unlock()

		for _, h := range handles {
			h.Cancel()
		}
		f.resolve(forkResult{uri: uri, uac: dlg})
		return
	}

	if _, ok := f.failures[uri]; !ok {
		f.failures[uri] = err
	}
	delete(f.inflight, uri)
	a.stopTimer()
	done := f.started && !f.finished && !f.answered && !f.callerGone && f.pending == 0
	var reasons map[string]error
	if done {
		f.finished = true
		reasons = make(map[string]error, len(f.failures))
		for k, v := range f.failures {
			reasons[k] = v
		}
	}
	gone := f.callerGone
	f.mu.Unlock()

	if !gone {
		f.log.Infow("call attempt failed", "uri", uri, "error", err)
	}
	if done {
		f.resolve(forkResult{err: &errors.AllAttemptsFailed{Reasons: reasons}})
	}
}

// onCallerCancel handles the caller hanging up (or the host aborting): all
// in-flight attempts are canceled. If no winner exists yet the race fails
// with ErrCallerAbandoned; an already-selected winner stands.
func (f *Fork) onCallerCancel() {
	f.mu.Lock()
	f.callerGone = true
	if f.finished {
		f.mu.Unlock()
		f.log.Infow("caller hung up after race was decided")
		return
	}
	handles := f.cancelInflightLocked("")
	failed := f.started && !f.answered
	if failed {
		f.finished = true
	}
	f.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	if failed {
		f.log.Infow("caller hung up, canceling all attempts")
		f.resolve(forkResult{err: errors.ErrCallerAbandoned})
	}
}

// cancelInflightLocked marks every in-flight attempt canceled, sparing only
// the given URI, and returns the dispatch handles to cancel once the lock
// is released.
func (f *Fork) cancelInflightLocked(spare string) []AttemptHandle {
	var handles []AttemptHandle
	for uri, a := range f.inflight {
		if uri == spare {
			f.log.Debugw("sparing winning attempt", "uri", uri)
			continue
		}
		a.canceled = true
		a.stopTimer()
		if a.handle != nil {
			handles = append(handles, a.handle)
		}
		delete(f.inflight, uri)
	}
	return handles
}

// acceptWinner answers the inbound leg against the winning attempt and
// returns the bridged pair.
func (f *Fork) acceptWinner(ctx context.Context, r forkResult) (*BridgedPair, error) {
	res := r.uac.Answer()
	sdp := f.opts.acceptSDP(r.uac.RemoteSDP(), res)
	if sdp == nil {
		// B2B passthrough: answer the caller with the winner's description.
		sdp = r.uac.RemoteSDP()
	}
	uas, err := f.in.Accept(ctx, &AcceptOptions{
		Headers:  f.opts.acceptHeaders(res),
		LocalSDP: sdp,
	})
	if err != nil {
		f.log.Warnw("failed to accept inbound leg, dropping winner", err, "uri", r.uri)
		r.uac.Destroy()
		return nil, err
	}
	uas.SetPeer(r.uac)
	r.uac.SetPeer(uas)
	f.log.Infow("call bridged", "uri", r.uri, "sipCallID", r.uac.ID())
	return &BridgedPair{UAS: uas, UAC: r.uac}, nil
}

func (f *Fork) resolve(r forkResult) {
	f.resolved.Once(func() {
		f.resultCh <- r
	})
}
