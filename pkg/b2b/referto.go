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
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	b2berrors "github.com/livekit/b2b/pkg/errors"
)

// ReferTarget is the parsed intent of a Refer-To header.
type ReferTarget struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     int
	Params   map[string]string
	Headers  map[string]string

	// Replaces is set for attended transfers and selects the dialog the new
	// call replaces.
	Replaces *Replaces
}

// Replaces is the decoded Replaces parameter of a Refer-To URI (RFC 3891).
type Replaces struct {
	CallID  string
	ToTag   string
	FromTag string
}

// Some endpoints send a Refer-To without the "@" separator, e.g. <sip:500>.
// The strict grammar rejects those, so we fall back to a permissive form:
// scheme:user[:password]@host[:port][;params][?headers] with an empty or
// absent host tolerated.
var permissiveURIRe = regexp.MustCompile(
	`^(sips?):(?:([^\s>:@]+)(?::([^\s@>]+))?@?)?` +
		`((?:\[.*\])|(?:[0-9A-Za-z\-_]+\.)+[0-9A-Za-z\-_]+|\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})?` +
		`(?::(\d+))?((?:;[^\s=?>;]+(?:=[^\s?;]+)?)*)(?:\?(.*))?$`)

// parseReferTarget parses a Refer-To (or Referred-By) value. The strict SIP
// URI grammar is tried first; on failure the permissive grammar is applied.
// A value matching neither is a hard parse failure, never partial fields.
func parseReferTarget(value string) (*ReferTarget, error) {
	s := strings.TrimSpace(value)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		s = s[i+1:]
		if j := strings.IndexByte(s, '>'); j >= 0 {
			s = s[:j]
		}
	}

	var (
		t   *ReferTarget
		err error
	)
	if strings.Contains(s, "@") {
		t, err = parseStrict(s)
		if err != nil {
			t, err = parsePermissive(s)
		}
	} else {
		// no user/host separator: a strict parse would read the user part
		// as a host, so go straight to the permissive grammar
		t, err = parsePermissive(s)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse refer target %q", value)
	}

	rep, ok := t.Headers["Replaces"]
	if !ok {
		rep, ok = t.Headers["replaces"]
	}
	if ok {
		r, err := parseReplaces(rep)
		if err != nil {
			return nil, err
		}
		t.Replaces = r
	}
	return t, nil
}

func parseStrict(s string) (*ReferTarget, error) {
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return nil, err
	}
	t := &ReferTarget{
		Scheme:   "sip",
		User:     uri.User,
		Password: uri.Password,
		Host:     uri.Host,
		Port:     uri.Port,
		Params:   map[string]string{},
		Headers:  map[string]string{},
	}
	if uri.IsEncrypted() {
		t.Scheme = "sips"
	}
	for k, v := range uri.UriParams {
		t.Params[k] = v
	}
	for k, v := range uri.Headers {
		t.Headers[k] = v
	}
	return t, nil
}

func parsePermissive(s string) (*ReferTarget, error) {
	m := permissiveURIRe.FindStringSubmatch(s)
	if m == nil {
		return nil, errors.Errorf("uri matches neither grammar: %q", s)
	}
	t := &ReferTarget{
		Scheme:   m[1],
		User:     m[2],
		Password: m[3],
		Host:     m[4],
		Params:   map[string]string{},
		Headers:  map[string]string{},
	}
	if m[5] != "" {
		t.Port, _ = strconv.Atoi(m[5])
	}
	for _, p := range strings.Split(m[6], ";") {
		if p == "" {
			continue
		}
		if k, v, ok := strings.Cut(p, "="); ok {
			t.Params[k] = v
		} else {
			t.Params[p] = ""
		}
	}
	for _, h := range strings.Split(m[7], "&") {
		if h == "" {
			continue
		}
		if k, v, ok := strings.Cut(h, "="); ok {
			t.Headers[k] = v
		}
	}
	return t, nil
}

// parseReplaces decodes a Replaces value of the form
// callid;to-tag=a;from-tag=b, possibly URI-escaped.
func parseReplaces(v string) (*Replaces, error) {
	if dec, err := url.QueryUnescape(v); err == nil {
		v = dec
	}
	parts := strings.Split(v, ";")
	if len(parts) < 3 {
		return nil, b2berrors.ErrMalformedReplaces
	}
	r := &Replaces{CallID: parts[0]}
	for _, p := range parts[1:] {
		k, val, _ := strings.Cut(p, "=")
		switch k {
		case "to-tag":
			r.ToTag = val
		case "from-tag":
			r.FromTag = val
		}
	}
	if r.CallID == "" || r.ToTag == "" || r.FromTag == "" {
		return nil, b2berrors.ErrMalformedReplaces
	}
	return r, nil
}
