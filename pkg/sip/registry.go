// Copyright 2024 LiveKit, Inc.
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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const terminatedHistorySize = 512

type dialogKey struct {
	callID string
	tag    string
}

// registry indexes live dialogs by Call-ID and tag so in-dialog requests and
// Replaces lookups can find their leg. Each dialog is indexed under both its
// tags: a Replaces triple identifies the dialog from the transferor's side,
// which may be either end of it.
type registry struct {
	mu      sync.Mutex
	dialogs map[dialogKey]*dialog
	// terminated remembers recently ended calls, so lookups can distinguish
	// "never existed" from "already hung up" in logs.
	terminated *lru.Cache[dialogKey, time.Time]
}

func newRegistry() *registry {
	hist, _ := lru.New[dialogKey, time.Time](terminatedHistorySize)
	return &registry{
		dialogs:    make(map[dialogKey]*dialog),
		terminated: hist,
	}
}

func (r *registry) add(d *dialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.localTag != "" {
		r.dialogs[dialogKey{d.id, d.localTag}] = d
	}
	if d.remoteTag != "" {
		r.dialogs[dialogKey{d.id, d.remoteTag}] = d
	}
}

func (r *registry) remove(d *dialog) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tag := range []string{d.localTag, d.remoteTag} {
		if tag == "" {
			continue
		}
		k := dialogKey{d.id, tag}
		if r.dialogs[k] == d {
			delete(r.dialogs, k)
			r.terminated.Add(k, now)
		}
	}
}

func (r *registry) byCallIDAndTag(callID, tag string) (*dialog, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dialogs[dialogKey{callID, tag}]
	return d, ok
}

// terminatedAt reports when a now-gone dialog ended, if it is still in the
// history window.
func (r *registry) terminatedAt(callID, tag string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated.Get(dialogKey{callID, tag})
}

func (r *registry) active() []*dialog {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*dialog]struct{}, len(r.dialogs))
	out := make([]*dialog, 0, len(r.dialogs))
	for _, d := range r.dialogs {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func (r *registry) count() int {
	return len(r.active())
}
