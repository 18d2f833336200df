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
	"fmt"

	"github.com/pion/sdp/v3"
)

// parseSDP validates a session description before it is relayed. The body
// itself is treated as opaque; only basic well-formedness is checked.
func parseSDP(data []byte) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("cannot parse SDP: %w", err)
	}
	return desc, nil
}

// sdpGenerateAnswer builds a default answer for an offer when the caller of
// Accept did not supply one. Media lines are mirrored back, with the
// connection address rewritten to the signaling IP.
func sdpGenerateAnswer(offerData []byte, publicIP string) ([]byte, error) {
	offer, err := parseSDP(offerData)
	if err != nil {
		return nil, err
	}
	answer := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      offer.Origin.SessionID,
			SessionVersion: offer.Origin.SessionID + 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: publicIP,
		},
		SessionName: "LiveKit",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: publicIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
		MediaDescriptions: offer.MediaDescriptions,
	}
	return answer.Marshal()
}
