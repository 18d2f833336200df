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

package errors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/livekit/psrpc"
)

var (
	ErrNoConfig = psrpc.NewErrorf(psrpc.InvalidArgument, "missing config")

	// Fork misuse errors. These are programming errors and are returned
	// synchronously from the offending call.
	ErrAlreadyStarted      = psrpc.NewErrorf(psrpc.FailedPrecondition, "fork already started")
	ErrNotStarted          = psrpc.NewErrorf(psrpc.FailedPrecondition, "fork not started")
	ErrAlreadyFinished     = psrpc.NewErrorf(psrpc.FailedPrecondition, "fork already finished")
	ErrEmptyDestinationSet = psrpc.NewErrorf(psrpc.InvalidArgument, "no destination URIs")

	// Fork runtime failures, delivered as the race outcome.
	ErrCallerAbandoned = psrpc.NewErrorf(psrpc.Canceled, "caller hung up before any destination answered")
	// ErrAttemptTimeout is recorded as the per-attempt reason when the ring
	// timer fires; it only surfaces inside AllAttemptsFailed.
	ErrAttemptTimeout = psrpc.NewErrorf(psrpc.DeadlineExceeded, "no answer before ring timeout")
	// ErrLateWinnerConflict marks an attempt that answered after another
	// destination had already won. The late leg is hung up and the error is
	// recorded against that attempt only; it is never the race outcome.
	ErrLateWinnerConflict = psrpc.NewErrorf(psrpc.Aborted, "another destination already answered")

	// Transfer failures.
	ErrMalformedReplaces           = psrpc.NewErrorf(psrpc.InvalidArgument, "malformed Replaces parameter")
	ErrTransferNotAuthorized       = psrpc.NewErrorf(psrpc.PermissionDenied, "transfer not authorized")
	ErrNoDestination               = psrpc.NewErrorf(psrpc.NotFound, "no destination for transfer target")
	ErrReplacesDialogNotFound      = psrpc.NewErrorf(psrpc.NotFound, "no dialog matching Replaces")
	ErrTransferRenegotiationFailed = psrpc.NewErrorf(psrpc.Internal, "transfer renegotiation failed")
)

func ErrCouldNotParseConfig(err error) psrpc.Error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "could not parse config: %v", err)
}

// AllAttemptsFailed is the race outcome when every destination failed or
// timed out. It keeps the per-URI reason for each attempt.
type AllAttemptsFailed struct {
	Reasons map[string]error
}

func (e *AllAttemptsFailed) Error() string {
	uris := make([]string, 0, len(e.Reasons))
	for uri := range e.Reasons {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	var b strings.Builder
	b.WriteString("all attempts failed:")
	for _, uri := range uris {
		fmt.Fprintf(&b, " %s: %v;", uri, e.Reasons[uri])
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Reason returns the recorded failure for one destination URI.
func (e *AllAttemptsFailed) Reason(uri string) error {
	return e.Reasons[uri]
}
