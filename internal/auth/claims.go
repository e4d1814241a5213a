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

// Package auth verifies the upload bearer tokens and extracts the claims the
// insert pipeline relies on.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	// ScopeExposed authorizes the regular upload endpoints.
	ScopeExposed = "exposed"
	// ScopeExposedNextDay authorizes the v1 delayed key upload.
	ScopeExposedNextDay = "exposed-next-day"

	// onsetLayout is the date-only format of the onset claim.
	onsetLayout = "2006-01-02"
)

var (
	// ErrWrongScope is returned when the token's scope does not authorize the
	// requested operation.
	ErrWrongScope = errors.New("token scope does not match operation")

	// ErrAuthFailure is returned when the token cannot be verified at all:
	// bad signature, expired, malformed.
	ErrAuthFailure = errors.New("authorization token invalid")
)

// Claims is the claim set of an upload token.
type Claims struct {
	Scope string `json:"scope"`
	Onset string `json:"onset"`
	Fake  string `json:"fake"`

	// DelayedKeyDate is only present on exposed-next-day tokens and names the
	// day-start interval of the single key the token authorizes.
	DelayedKeyDate string `json:"delayedKeyDate,omitempty"`

	jwt.StandardClaims
}

// Principal is the verified identity attached to an upload request.
type Principal struct {
	claims *Claims
}

// NewPrincipal wraps a claim set. Exposed for the pass-through verifier and
// tests; production principals come from Verifier.Verify.
func NewPrincipal(claims *Claims) *Principal {
	return &Principal{claims: claims}
}

// Scope returns the token scope.
func (p *Principal) Scope() string {
	return p.claims.Scope
}

// IsFake reports whether the upload was flagged as cover traffic by the
// authorization server.
func (p *Principal) IsFake() bool {
	return p.claims.Fake == "1"
}

// Onset returns the symptom onset day at day granularity.
func (p *Principal) Onset() (time.Time, error) {
	t, err := time.Parse(onsetLayout, p.claims.Onset)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid onset claim %q: %w", p.claims.Onset, err)
	}
	return t, nil
}

// ID returns the token's unique identifier, used as the redeem nonce.
func (p *Principal) ID() string {
	return p.claims.Id
}

// ExpiresAt returns the token expiry.
func (p *Principal) ExpiresAt() time.Time {
	return time.Unix(p.claims.ExpiresAt, 0).UTC()
}

// DelayedKeyDate returns the day-start interval claim of an exposed-next-day
// token.
func (p *Principal) DelayedKeyDate() (int32, error) {
	var v int32
	if _, err := fmt.Sscanf(p.claims.DelayedKeyDate, "%d", &v); err != nil {
		return 0, fmt.Errorf("invalid delayedKeyDate claim %q: %w", p.claims.DelayedKeyDate, err)
	}
	return v, nil
}

// RequireScope returns ErrWrongScope unless the principal carries the wanted
// scope.
func RequireScope(p *Principal, scope string) error {
	if p == nil || p.claims.Scope != scope {
		return ErrWrongScope
	}
	return nil
}
