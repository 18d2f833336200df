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
	"fmt"
	"net/http"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livekit/b2b/pkg/config"
	"github.com/livekit/b2b/pkg/sip"
	"github.com/livekit/b2b/pkg/stats"
	"github.com/livekit/b2b/version"
)

// Service runs the B2BUA: it owns the SIP transport and applies the
// configured call-control policy to every inbound call.
type Service struct {
	conf *config.Config
	log  logger.Logger
	mon  *stats.Monitor
	sip  *sip.Service

	shutdown core.Fuse
}

func NewService(conf *config.Config, log logger.Logger) *Service {
	if log == nil {
		log = logger.GetLogger()
	}
	mon := stats.NewMonitor(conf)
	s := &Service{
		conf: conf,
		log:  log,
		mon:  mon,
		sip:  sip.NewService(conf, log, mon),
	}
	s.sip.SetHandler(s)
	return s
}

func (s *Service) Stop(kill bool) {
	s.shutdown.Break()
	if kill {
		s.sip.Stop()
	}
}

func (s *Service) ActiveCalls() int {
	return s.sip.ActiveCalls()
}

func (s *Service) Run() error {
	s.log.Debugw("starting service", "version", version.Version)

	if err := s.mon.Start(s.conf); err != nil {
		return err
	}
	if err := s.sip.Start(); err != nil {
		return err
	}
	if s.conf.PrometheusPort > 0 {
		go s.servePrometheus()
	}
	if s.conf.HealthPort > 0 {
		go s.serveHealth()
	}

	s.log.Debugw("service ready")
	<-s.shutdown.Watch()
	s.log.Infow("shutting down")
	s.sip.Stop()
	s.mon.Stop()
	return nil
}

func (s *Service) servePrometheus() {
	addr := fmt.Sprintf(":%d", s.conf.PrometheusPort)
	srv := &http.Server{
		Addr:        addr,
		Handler:     promhttp.Handler(),
		ReadTimeout: 5 * time.Second,
	}
	s.log.Debugw("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Errorw("metrics listener failed", err)
	}
}

func (s *Service) serveHealth() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "OK, calls: %d", s.ActiveCalls())
	})
	addr := fmt.Sprintf(":%d", s.conf.HealthPort)
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Errorw("health listener failed", err)
	}
}
