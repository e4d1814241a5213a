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

// Package model holds the storage representation of a Temporary Exposure Key
// and the validation rules applied before a key may be stored.
package model

import (
	"encoding/base64"
	"fmt"
	"time"

	v1 "github.com/radarcovid/gaen-server/pkg/api/v1"
	"github.com/radarcovid/gaen-server/pkg/base64util"
	"github.com/radarcovid/gaen-server/pkg/timegrid"
)

// TemporaryExposureKey represents the record as stored in the database.
// Keys are created by upload and never mutated; the retention sweep deletes
// them once their validity window ages out.
type TemporaryExposureKey struct {
	KeyData               []byte
	RollingStartNumber    int32
	RollingPeriod         int32
	TransmissionRiskLevel int32
	Fake                  bool

	// ReceivedAt is the release bucket the server assigned on insert, not the
	// true arrival time. It drives incremental downloads.
	ReceivedAt time.Time

	// Country is the country the key was uploaded in.
	Country string

	// Federation metadata stamped by the insert pipeline.
	Origin                   string
	ReportType               int32
	DaysSinceOnsetOfSymptoms *int32

	// b64 cache of KeyData.
	base64Key string
}

// FromAPI converts a wire key into its storage representation. The key data
// is base64 decoded here; length and timing validation happen in the insert
// pipeline.
func FromAPI(in *v1.GaenKey) (*TemporaryExposureKey, error) {
	binKey, err := base64util.DecodeString(in.KeyData)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if in.RollingStartNumber < 0 {
		return nil, fmt.Errorf("negative rolling start number: %d", in.RollingStartNumber)
	}

	return &TemporaryExposureKey{
		KeyData:                  binKey,
		RollingStartNumber:       in.RollingStartNumber,
		RollingPeriod:            in.RollingPeriod,
		TransmissionRiskLevel:    in.TransmissionRiskLevel,
		Fake:                     in.Fake != 0,
		Origin:                   in.Origin,
		ReportType:               in.ReportType,
		DaysSinceOnsetOfSymptoms: in.DaysSinceOnsetOfSymptoms,
	}, nil
}

// ExposureKeyBase64 returns the base64 encoded key data.
func (k *TemporaryExposureKey) ExposureKeyBase64() string {
	if k.base64Key == "" {
		k.base64Key = base64.StdEncoding.EncodeToString(k.KeyData)
	}
	return k.base64Key
}

// StartTime is the instant the key became active.
func (k *TemporaryExposureKey) StartTime() time.Time {
	return timegrid.TimeForIntervalNumber(k.RollingStartNumber)
}

// EndTime is the instant the key stopped being active.
func (k *TemporaryExposureKey) EndTime() time.Time {
	return timegrid.TimeForIntervalNumber(k.RollingStartNumber + k.RollingPeriod)
}

// StartDay truncates the key's start to the beginning of its UTC day.
func (k *TemporaryExposureKey) StartDay() time.Time {
	return k.StartTime().Truncate(24 * time.Hour)
}

// IsValidKeyFormat reports whether the decoded key data has exactly the
// configured length.
func IsValidKeyFormat(k *TemporaryExposureKey, keySize int) bool {
	return len(k.KeyData) == keySize
}

// IsValidRollingPeriod reports whether the rolling period is within the GAEN
// bounds [1,144].
func IsValidRollingPeriod(k *TemporaryExposureKey) bool {
	return k.RollingPeriod >= v1.MinRollingPeriod && k.RollingPeriod <= v1.MaxRollingPeriod
}

// IsBeforeRetention reports whether the key's validity window is entirely in
// the past beyond the retention period.
func IsBeforeRetention(k *TemporaryExposureKey, now time.Time, retention time.Duration) bool {
	return k.EndTime().Before(now.Add(-retention))
}

// IsInFuture reports whether the key starts after now plus the permitted
// clock skew.
func IsInFuture(k *TemporaryExposureKey, now time.Time, skew time.Duration) bool {
	return k.StartTime().After(now.Add(skew))
}
