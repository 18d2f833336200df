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

package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/b2b/pkg/b2b"
	b2berrors "github.com/livekit/b2b/pkg/errors"
	"github.com/livekit/b2b/pkg/sip"
)

// DispatchCall routes one ringing inbound call: resolve the destination set
// from config, race it, and wire call control onto the winning bridge.
func (s *Service) DispatchCall(ctx context.Context, call sip.Call) {
	log := s.log.WithValues(
		"sipCallID", call.ID(),
		"fromUser", call.FromUser(),
		"toUser", call.ToUser(),
		"source", call.Source(),
	)

	dests := s.conf.RouteFor(call.ToUser())
	if len(dests) == 0 {
		log.Infow("no route for destination user")
		if err := call.Reject(404, "Not Found"); err != nil {
			log.Warnw("failed to reject call", err)
		}
		return
	}
	log.Infow("ringing destinations", "uris", dests)

	start := time.Now()
	pair, err := b2b.SimRing(ctx, call, dests, &b2b.ForkOptions{
		RingTimeout:          s.conf.RingTimeout,
		ForwardRinging:       s.conf.ForwardRinging,
		ProxyResponseHeaders: s.conf.ProxyResponseHeaders,
		// Offer the caller's description to each destination; the winner's
		// answer is passed back on accept.
		Call: &b2b.CallOptions{LocalSDP: call.RemoteSDP()},
		OnRequestSent: func(uri string, _ b2b.AttemptHandle) {
			s.mon.ForkAttempt()
			log.Debugw("attempt dispatched", "uri", uri)
		},
		Logger: log,
	})
	if err != nil {
		s.mon.ForkDone(forkOutcome(err), time.Since(start))
		log.Infow("call did not connect", "error", err)
		s.rejectFailed(log, call, err)
		return
	}
	s.mon.ForkDone("answered", time.Since(start))
	log.Infow("call connected")

	s.attachCallControl(log, pair)
}

// rejectFailed sends the final response for a race that produced no winner.
// An abandoned caller already got 487 from the CANCEL handling and must not
// be answered again.
func (s *Service) rejectFailed(log logger.Logger, call sip.Call, err error) {
	var all *b2berrors.AllAttemptsFailed
	switch {
	case errors.Is(err, b2berrors.ErrCallerAbandoned):
		return
	case errors.As(err, &all):
		err = call.Reject(480, "Temporarily Unavailable")
	default:
		err = call.Reject(500, "Internal Server Error")
	}
	if err != nil {
		log.Warnw("failed to reject call", err)
	}
}

// forkOutcome buckets a race failure for metrics.
func forkOutcome(err error) string {
	var all *b2berrors.AllAttemptsFailed
	switch {
	case errors.As(err, &all):
		return "failed"
	case errors.Is(err, b2berrors.ErrCallerAbandoned):
		return "abandoned"
	default:
		return "error"
	}
}

// attachCallControl wires the in-dialog feature set onto a bridged pair:
// request relay per the configured method list, and REFER-based transfer on
// both legs. A completed transfer yields a new pair which gets the same
// treatment.
func (s *Service) attachCallControl(log logger.Logger, pair *b2b.BridgedPair) {
	b2b.ForwardInDialogRequests(pair, s.conf.RelayMethods, log)
	pair.UAS.OnRequest("REFER", func(req *b2b.Request, w b2b.ResponseWriter) {
		s.handleRefer(log, pair.UAS, req, w)
	})
	pair.UAC.OnRequest("REFER", func(req *b2b.Request, w b2b.ResponseWriter) {
		s.handleRefer(log, pair.UAC, req, w)
	})
}

func (s *Service) handleRefer(log logger.Logger, transferor b2b.Dialog, req *b2b.Request, w b2b.ResponseWriter) {
	kind := "blind"
	if referTo, ok := req.Headers.GetHeader("Refer-To"); ok && strings.Contains(referTo, "Replaces=") {
		kind = "attended"
	}
	s.mon.TransferStarted(kind)
	log = log.WithValues("transferKind", kind)

	opts := &b2b.TransferOptions{
		Transport: s.sip,
		Logger:    log,
	}
	if len(s.conf.Transfer.AllowedReferrers) > 0 {
		allowed := s.conf.Transfer.AllowedReferrers
		opts.AuthLookup = func(user string) bool {
			for _, u := range allowed {
				if u == user {
					return true
				}
			}
			return false
		}
	}
	if host := s.conf.Transfer.DestinationHost; host != "" {
		opts.DestinationLookup = func(string) (string, bool) {
			return host, true
		}
	}

	// REFER handlers run on the transport's dispatch path; the transfer
	// itself rings a new leg and must not block it.
	go func() {
		pair, err := b2b.NewTransfer(transferor, req, w, opts).Run(context.Background())
		if err != nil {
			s.mon.TransferDone(kind, "failed")
			log.Warnw("transfer failed", err)
			return
		}
		s.mon.TransferDone(kind, "completed")
		s.attachCallControl(log, pair)
	}()
}
