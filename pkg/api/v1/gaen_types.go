// Copyright 2021 the Radar COVID authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package v1 contains the types of the v1 GAEN upload API.
package v1

import "time"

// The following constants are generally useful in implementations of this API
// and for clients as well.
const (
	// KeyLength is the only valid exposure key length in bytes.
	KeyLength = 16

	// Transmission risk constraints (inclusive..inclusive).
	MinTransmissionRisk = 0 // 0 indicates no/unknown risk.
	MaxTransmissionRisk = 8

	// Rolling period constraints (inclusive..inclusive). Intervals are
	// defined as 10 minute periods, there are 144 of them in a day.
	MinRollingPeriod = 1
	MaxRollingPeriod = 144

	// IntervalLength is the duration of a single interval.
	IntervalLength = 10 * time.Minute
)

// GaenKey is the wire representation of a single Temporary Exposure Key.
//
// keyData: base64 encoded key material, KeyLength bytes once decoded.
// rollingStartNumber: the 10-minute interval the key became active.
// rollingPeriod: how many 10-minute intervals the key was active for.
// fake: 1 if this key is client generated cover traffic. Fake keys are
// accepted but never stored.
type GaenKey struct {
	KeyData                  string `json:"keyData"`
	RollingStartNumber       int32  `json:"rollingStartNumber"`
	RollingPeriod            int32  `json:"rollingPeriod"`
	TransmissionRiskLevel    int32  `json:"transmissionRiskLevel"`
	Fake                     int32  `json:"fake"`
	Origin                   string `json:"origin,omitempty"`
	ReportType               int32  `json:"reportType,omitempty"`
	DaysSinceOnsetOfSymptoms *int32 `json:"daysSinceOnsetOfSymptoms,omitempty"`
}

// GaenRequest is the v1 upload body. The same-day key is not present; the
// client names the day whose key it will deliver tomorrow in delayedKeyDate
// (as the 10-minute interval of that day's midnight) and receives a JWT
// authorizing that one upload.
//
// Padding obscures the request size and is not processed by the server.
type GaenRequest struct {
	GaenKeys       []GaenKey `json:"gaenKeys"`
	DelayedKeyDate int32     `json:"delayedKeyDate"`

	Padding string `json:"padding,omitempty"`
}

// GaenSecondDay is the v1 next-day upload body carrying exactly the delayed
// key announced the previous day.
type GaenSecondDay struct {
	DelayedKey GaenKey `json:"delayedKey"`

	Padding string `json:"padding,omitempty"`
}

// UploadResponse is returned on a successful v1 upload. Token carries the JWT
// for the next-day upload.
type UploadResponse struct {
	Token string `json:"token,omitempty"`

	Padding string `json:"padding,omitempty"`
}
