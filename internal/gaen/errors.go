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

package gaen

import (
	"errors"
	"net/http"

	"github.com/radarcovid/gaen-server/internal/auth"
	"github.com/radarcovid/gaen-server/internal/insertmanager"
)

var (
	// errInvalidDate flags malformed or misaligned time parameters.
	errInvalidDate = errors.New("invalid date parameter")

	// errReplayedToken flags an upload token whose nonce was already
	// redeemed.
	errReplayedToken = errors.New("upload token has already been redeemed")

	// errDelayedKeyMismatch flags a next-day upload whose key does not match
	// the announced delayed key date.
	errDelayedKeyMismatch = errors.New("delayed key does not match the announced date")
)

// statusFor maps domain errors onto HTTP statuses. Unknown errors are
// infrastructure failures and surface opaquely as 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, insertmanager.ErrBadKeyFormat),
		errors.Is(err, insertmanager.ErrClaimIsBeforeOnset),
		errors.Is(err, errInvalidDate),
		errors.Is(err, errDelayedKeyMismatch):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrWrongScope),
		errors.Is(err, auth.ErrAuthFailure),
		errors.Is(err, errReplayedToken):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
