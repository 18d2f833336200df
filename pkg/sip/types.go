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
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/b2b/pkg/b2b"
)

type Transport string

const (
	TransportUDP = Transport("udp")
	TransportTCP = Transport("tcp")
	TransportTLS = Transport("tls")
)

type RemoteTag string

// URI is a parsed SIP address of a signaling peer.
type URI struct {
	User      string
	Host      string
	Addr      netip.AddrPort
	Transport Transport
}

func (u URI) Normalize() URI {
	if addr, sport, err := net.SplitHostPort(u.Host); err == nil {
		if port, err := strconv.Atoi(sport); err == nil {
			u.Host = addr
			u.Addr = netip.AddrPortFrom(u.Addr.Addr(), uint16(port))
		}
	}
	return u
}

func (u URI) GetPort() int {
	port := int(u.Addr.Port())
	if port == 0 {
		port = 5060
	}
	return port
}

// GetDest returns the host:port the request should be sent to.
func (u URI) GetDest() string {
	host := u.Host
	if u.Addr.Addr().IsValid() {
		host = u.Addr.Addr().String()
	}
	return host + ":" + strconv.Itoa(u.GetPort())
}

func getFromTag(r *sip.Request) (RemoteTag, error) {
	from := r.From()
	if from == nil {
		return "", errors.New("no From on Request")
	}
	tag, ok := getTagFrom(from.Params)
	if !ok {
		return "", errors.New("no tag in From on Request")
	}
	return tag, nil
}

func getToTag(r *sip.Response) (RemoteTag, error) {
	to := r.To()
	if to == nil {
		return "", errors.New("no To on Response")
	}
	tag, ok := getTagFrom(to.Params)
	if !ok {
		return "", errors.New("no tag in To on Response")
	}
	return tag, nil
}

func getTagFrom(params sip.HeaderParams) (RemoteTag, bool) {
	tag, ok := params["tag"]
	if !ok {
		return "", false
	}
	return RemoteTag(tag), true
}

func getCallID(r *sip.Request) string {
	if h := r.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// generatedHeaders are always built from dialog state; application-provided
// header maps must never override them.
var generatedHeaders = map[string]struct{}{
	"via":            {},
	"from":           {},
	"to":             {},
	"call-id":        {},
	"cseq":           {},
	"contact":        {},
	"max-forwards":   {},
	"content-length": {},
	"content-type":   {},
}

// headersToMap flattens wire headers into the map form the call-control layer
// works with. Repeated headers keep the first value.
func headersToMap(hdrs []sip.Header) b2b.Headers {
	if len(hdrs) == 0 {
		return nil
	}
	out := make(b2b.Headers, len(hdrs))
	for _, h := range hdrs {
		if h == nil {
			continue
		}
		if _, ok := out[h.Name()]; ok {
			continue
		}
		out[h.Name()] = h.Value()
	}
	return out
}

func appendHeaders(req *sip.Request, headers b2b.Headers) {
	for k, v := range headers {
		if _, skip := generatedHeaders[strings.ToLower(k)]; skip {
			continue
		}
		req.AppendHeader(sip.NewHeader(k, v))
	}
}

func appendResponseHeaders(res *sip.Response, headers b2b.Headers) {
	for k, v := range headers {
		if _, skip := generatedHeaders[strings.ToLower(k)]; skip {
			continue
		}
		res.AppendHeader(sip.NewHeader(k, v))
	}
}

func loggerWithDialog(log logger.Logger, d *dialog) logger.Logger {
	return log.WithValues(
		"sipCallID", d.id,
		"localTag", d.localTag,
		"remoteTag", d.remoteTag,
	)
}
