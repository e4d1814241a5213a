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

// Package v2 contains the types of the v2 and v2UMA GAEN upload APIs.
package v2

import (
	v1 "github.com/radarcovid/gaen-server/pkg/api/v1"
)

// GaenKey is unchanged from v1.
type GaenKey = v1.GaenKey

// GaenRequest is the v2 upload body. Unlike v1 there is no delayed key
// announcement: the same-day key is uploaded in line and becomes visible once
// its release bucket closes on the following day.
type GaenRequest struct {
	GaenKeys []GaenKey `json:"gaenKeys"`

	Padding string `json:"padding,omitempty"`
}

// UploadResponse is returned on a successful v2 upload.
type UploadResponse struct {
	Padding string `json:"padding,omitempty"`
}
