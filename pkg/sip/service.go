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

package sip

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/b2b/pkg/b2b"
	"github.com/livekit/b2b/pkg/config"
	"github.com/livekit/b2b/pkg/stats"
)

const (
	UserAgent   = "LiveKit"
	digestLimit = 500
)

// Call is a ringing inbound INVITE plus the routing facts the dispatch layer
// needs to decide what to do with it.
type Call interface {
	b2b.InboundCall
	ID() string
	FromUser() string
	ToUser() string
	Source() string
}

type Handler interface {
	DispatchCall(ctx context.Context, call Call)
}

// Service terminates SIP signaling on both sides of the B2BUA. It implements
// the transport the call-control layer builds on: outbound attempts, inbound
// calls, and dialog lookup for Replaces.
type Service struct {
	conf *config.Config
	log  logger.Logger
	mon  *stats.Monitor

	ua     *sipgo.UserAgent
	sipSrv *sipgo.Server
	sipCli *sipgo.Client

	signalingIP string
	reg         *registry
	handler     Handler
	closing     core.Fuse

	// guarded by the sipgo server goroutine; INVITEs are serialized
	inProgressInvites []*inProgressInvite

	pmu     sync.Mutex
	pending map[string]*inboundCall
}

var _ b2b.Transport = (*Service)(nil)

func NewService(conf *config.Config, log logger.Logger, mon *stats.Monitor) *Service {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Service{
		conf:    conf,
		log:     log,
		mon:     mon,
		reg:     newRegistry(),
		pending: make(map[string]*inboundCall),
	}
}

func (s *Service) SetHandler(h Handler) {
	s.handler = h
}

func (s *Service) Start() error {
	var err error
	if s.conf.NAT1To1IP != "" {
		s.signalingIP = s.conf.NAT1To1IP
	} else {
		if s.signalingIP, err = getLocalIP(); err != nil {
			return err
		}
	}
	s.log.Infow("sip service starting", "signalingIP", s.signalingIP, "port", s.conf.SIPPort)

	// One UA shared between the client and the server, so responses and
	// in-dialog requests arrive on the port we advertise.
	s.ua, err = sipgo.NewUA(
		sipgo.WithUserAgent(UserAgent),
	)
	if err != nil {
		return err
	}
	s.sipCli, err = sipgo.NewClient(s.ua,
		sipgo.WithClientHostname(s.signalingIP),
	)
	if err != nil {
		return err
	}
	s.sipSrv, err = sipgo.NewServer(s.ua)
	if err != nil {
		return err
	}

	s.sipSrv.OnInvite(s.onInvite)
	s.sipSrv.OnCancel(s.onCancel)
	s.sipSrv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})
	s.sipSrv.OnBye(s.onInDialogRequest)
	s.sipSrv.OnRefer(s.onInDialogRequest)
	s.sipSrv.OnNotify(s.onInDialogRequest)
	s.sipSrv.OnInfo(s.onInDialogRequest)
	s.sipSrv.OnOptions(s.onInDialogRequest)
	s.sipSrv.OnMessage(s.onInDialogRequest)

	go func() {
		addr := fmt.Sprintf("0.0.0.0:%d", s.conf.SIPPort)
		if err := s.sipSrv.ListenAndServe(context.Background(), string(TransportUDP), addr); err != nil && !s.closing.IsBroken() {
			s.log.Errorw("sip listener failed", err)
		}
	}()
	s.log.Debugw("sip service ready")
	return nil
}

func (s *Service) Stop() {
	s.closing.Break()
	for _, d := range s.reg.active() {
		d.Destroy()
	}
	if s.sipSrv != nil {
		_ = s.sipSrv.Close()
	}
	if s.sipCli != nil {
		_ = s.sipCli.Close()
	}
}

func (s *Service) ActiveCalls() int {
	return s.reg.count()
}

// DialogByCallIDAndFromTag resolves the dialog a Replaces triple points at.
// The tag may be either side's; the registry indexes both.
func (s *Service) DialogByCallIDAndFromTag(callID, fromTag string) (b2b.Dialog, bool) {
	d, ok := s.reg.byCallIDAndTag(callID, fromTag)
	if !ok {
		if when, was := s.reg.terminatedAt(callID, fromTag); was {
			s.log.Infow("replaces target already terminated", "sipCallID", callID, "endedAt", when)
		}
		return nil, false
	}
	return d, true
}

func (s *Service) dialogStarted(d *dialog, dir stats.Direction) {
	s.reg.add(d)
	s.mon.CallStarted(dir)
	d.dir = dir
}

func (s *Service) dialogEnded(d *dialog) {
	s.reg.remove(d)
	s.mon.CallEnded(d.dir)
}

func (s *Service) addPendingInvite(c *inboundCall) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.pending[getCallID(c.req)] = c
}

func (s *Service) removePendingInvite(c *inboundCall) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if s.pending[getCallID(c.req)] == c {
		delete(s.pending, getCallID(c.req))
	}
}

func (s *Service) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	s.pmu.Lock()
	call := s.pending[getCallID(req)]
	s.pmu.Unlock()
	if call == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	call.handleCancel(req, tx)
}

// dialogForRequest finds the established dialog an in-dialog request belongs
// to, answering 481 when there is none.
func (s *Service) dialogForRequest(req *sip.Request, tx sip.ServerTransaction) (*dialog, bool) {
	callID := getCallID(req)
	tag, err := getFromTag(req)
	if err != nil {
		sipErrorResponse(tx, req)
		return nil, false
	}
	d, ok := s.reg.byCallIDAndTag(callID, string(tag))
	if !ok {
		if when, was := s.reg.terminatedAt(callID, string(tag)); was {
			s.log.Infow("request for terminated dialog", "sipCallID", callID, "method", req.Method, "endedAt", when)
		}
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return nil, false
	}
	return d, true
}

func (s *Service) onInDialogRequest(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := s.dialogForRequest(req, tx)
	if !ok {
		return
	}
	d.dispatch(req, tx)
}
