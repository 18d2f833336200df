// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"errors"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/livekit/b2b/pkg/config"
)

// durBucketsOp lists histogram buckets for short operations like the
// answer race.
var durBucketsOp = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 3 * 60,
}

type Direction bool

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

const (
	Inbound  = Direction(false)
	Outbound = Direction(true)
)

type Monitor struct {
	nodeID string

	inviteReqRaw     prometheus.Counter
	callsActive      *prometheus.GaugeVec
	callsStarted     *prometheus.CounterVec
	forkAttempts     prometheus.Counter
	forkOutcomes     *prometheus.CounterVec
	durRace          prometheus.Histogram
	transferAttempts *prometheus.CounterVec
	transferOutcomes *prometheus.CounterVec
	relayRequests    *prometheus.CounterVec

	metrics  []prometheus.Collector
	started  core.Fuse
	shutdown core.Fuse
}

func NewMonitor(conf *config.Config) *Monitor {
	return &Monitor{
		nodeID: conf.NodeID,
	}
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start(conf *config.Config) error {
	m.inviteReqRaw = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "b2b",
		Name:        "invite_requests_raw",
		Help:        "Number of SIP INVITE requests received",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}))

	m.callsActive = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "b2b",
		Name:        "calls_active",
		Help:        "Number of currently active call legs",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"dir"}))

	m.callsStarted = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "b2b",
		Name:        "calls_started",
		Help:        "Number of call legs established",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"dir"}))

	m.forkAttempts = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "b2b",
		Name:        "fork_attempts",
		Help:        "Number of outbound attempts dispatched by the answer race",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}))

	m.forkOutcomes = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "b2b",
		Name:        "fork_outcomes",
		Help:        "Terminal outcomes of answer races",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"outcome"}))

	m.durRace = mustRegister(m, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "livekit",
		Subsystem:   "b2b",
		Name:        "dur_race_sec",
		Help:        "Answer race duration (from start to first answer or failure)",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
		Buckets:     durBucketsOp,
	}))

	m.transferAttempts = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "b2b",
		Name:        "transfer_attempts",
		Help:        "Number of REFER transfers started",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"kind"}))

	m.transferOutcomes = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "b2b",
		Name:        "transfer_outcomes",
		Help:        "Terminal outcomes of REFER transfers",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"kind", "outcome"}))

	m.relayRequests = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "b2b",
		Name:        "relay_requests",
		Help:        "Number of in-dialog requests forwarded between legs",
		ConstLabels: prometheus.Labels{"node_id": conf.NodeID},
	}, []string{"method"}))

	m.started.Break()
	return nil
}

func (m *Monitor) Shutdown() {
	m.shutdown.Break()
}

func (m *Monitor) Stop() {
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) InviteReceived() {
	if !m.started.IsBroken() {
		return
	}
	m.inviteReqRaw.Inc()
}

func (m *Monitor) CallStarted(dir Direction) {
	if !m.started.IsBroken() {
		return
	}
	m.callsStarted.WithLabelValues(dir.String()).Inc()
	m.callsActive.WithLabelValues(dir.String()).Inc()
}

func (m *Monitor) CallEnded(dir Direction) {
	if !m.started.IsBroken() {
		return
	}
	m.callsActive.WithLabelValues(dir.String()).Dec()
}

func (m *Monitor) ForkAttempt() {
	if !m.started.IsBroken() {
		return
	}
	m.forkAttempts.Inc()
}

// ForkDone records the outcome of an answer race and its duration.
func (m *Monitor) ForkDone(outcome string, dur time.Duration) {
	if !m.started.IsBroken() {
		return
	}
	m.forkOutcomes.WithLabelValues(outcome).Inc()
	m.durRace.Observe(dur.Seconds())
}

func (m *Monitor) TransferStarted(kind string) {
	if !m.started.IsBroken() {
		return
	}
	m.transferAttempts.WithLabelValues(kind).Inc()
}

func (m *Monitor) TransferDone(kind, outcome string) {
	if !m.started.IsBroken() {
		return
	}
	m.transferOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Monitor) RelayRequest(method string) {
	if !m.started.IsBroken() {
		return
	}
	m.relayRequests.WithLabelValues(method).Inc()
}
