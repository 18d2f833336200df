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

// Package b2b implements back-to-back user agent call control on top of an
// abstract dialog transport: simultaneous ring with first-answer-wins
// resolution (Fork), REFER-based blind and attended transfer (Transfer),
// and symmetric in-dialog request forwarding between bridged legs
// (ForwardInDialogRequests).
//
// The package never touches SIP wire format or media; session descriptions
// are carried as opaque payloads and all signaling goes through the
// Transport, Dialog and InboundCall interfaces, implemented by pkg/sip.
package b2b
