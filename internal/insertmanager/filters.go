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

package insertmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/radarcovid/gaen-server/internal/exposed/model"
)

var (
	// ErrBadKeyFormat is raised when any uploaded key has the wrong length.
	ErrBadKeyFormat = errors.New("exposure key has invalid format")

	// ErrClaimIsBeforeOnset is raised when a key predates the JWT's onset
	// claim.
	ErrClaimIsBeforeOnset = errors.New("exposure key predates the symptom onset claim")
)

// AssertKeyFormat hard-fails the upload when any key's decoded data does not
// have the configured size.
type AssertKeyFormat struct {
	KeySize int
}

// Apply implements Stage.
func (f *AssertKeyFormat) Apply(ctx context.Context, keys []*model.TemporaryExposureKey, rc *RequestContext) ([]*model.TemporaryExposureKey, error) {
	for _, k := range keys {
		if !model.IsValidKeyFormat(k, f.KeySize) {
			return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadKeyFormat, len(k.KeyData), f.KeySize)
		}
	}
	return keys, nil
}

// EnforceMatchingJWTClaims checks the batch against the verified claims: a
// fake upload inserts nothing, and no key may start before the onset day.
type EnforceMatchingJWTClaims struct{}

// Apply implements Stage.
func (f *EnforceMatchingJWTClaims) Apply(ctx context.Context, keys []*model.TemporaryExposureKey, rc *RequestContext) ([]*model.TemporaryExposureKey, error) {
	if rc.Principal == nil {
		return keys, nil
	}

	// The whole request is cover traffic; drop everything, the client still
	// gets an indistinguishable success response.
	if rc.Principal.IsFake() {
		return nil, nil
	}

	onset, err := rc.Principal.Onset()
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.StartDay().Before(onset) {
			return nil, fmt.Errorf("%w: key day %s, onset %s",
				ErrClaimIsBeforeOnset, k.StartDay().Format("2006-01-02"), onset.Format("2006-01-02"))
		}
	}
	return keys, nil
}

// EnforceRetentionPeriod drops keys whose window is entirely beyond the
// retention horizon, and keys that start in the future past the permitted
// clock skew. Both are silent per-key drops.
type EnforceRetentionPeriod struct {
	Retention time.Duration
	Skew      time.Duration
}

// Apply implements Stage.
func (f *EnforceRetentionPeriod) Apply(ctx context.Context, keys []*model.TemporaryExposureKey, rc *RequestContext) ([]*model.TemporaryExposureKey, error) {
	out := keys[:0]
	for _, k := range keys {
		if model.IsBeforeRetention(k, rc.Now, f.Retention) {
			continue
		}
		if model.IsInFuture(k, rc.Now, f.Skew) {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// RemoveFakeKeys drops keys the client flagged as fake.
type RemoveFakeKeys struct{}

// Apply implements Stage.
func (f *RemoveFakeKeys) Apply(ctx context.Context, keys []*model.TemporaryExposureKey, rc *RequestContext) ([]*model.TemporaryExposureKey, error) {
	out := keys[:0]
	for _, k := range keys {
		if k.Fake {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// EnforceValidRollingPeriod drops keys with a rolling period outside [1,144].
type EnforceValidRollingPeriod struct{}

// Apply implements Stage.
func (f *EnforceValidRollingPeriod) Apply(ctx context.Context, keys []*model.TemporaryExposureKey, rc *RequestContext) ([]*model.TemporaryExposureKey, error) {
	out := keys[:0]
	for _, k := range keys {
		if !model.IsValidRollingPeriod(k) {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}
