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
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/radarcovid/gaen-server/internal/auth"
	"github.com/radarcovid/gaen-server/internal/exposed/model"
	"github.com/radarcovid/gaen-server/internal/insertmanager"
	v1 "github.com/radarcovid/gaen-server/pkg/api/v1"
	v2 "github.com/radarcovid/gaen-server/pkg/api/v2"
	"github.com/radarcovid/gaen-server/pkg/clock"
	"github.com/radarcovid/gaen-server/pkg/logging"
	"github.com/radarcovid/gaen-server/pkg/timegrid"
)

// authorize verifies the bearer token, checks its scope and consumes its
// single-use nonce.
func (s *Server) authorize(ctx context.Context, r *http.Request, verifier auth.Verifier, scope string) (*auth.Principal, error) {
	principal, err := verifier.Verify(ctx, r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	if err := auth.RequireScope(principal, scope); err != nil {
		return nil, err
	}

	fresh, err := s.redeem.Insert(ctx, principal.ID(), principal.ExpiresAt())
	if err != nil {
		return nil, fmt.Errorf("redeeming token nonce: %w", err)
	}
	if !fresh {
		return nil, errReplayedToken
	}
	return principal, nil
}

// levelResponse parks until arrival+RequestTime so that request timing does
// not reveal whether an upload carried real keys. Returns early if the
// deadline already passed or the client went away; the database write is
// never discarded.
func (s *Server) levelResponse(ctx context.Context, arrival time.Time) {
	deadline := arrival.Add(s.config.RequestTime)
	wait := time.Until(deadline)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// generatePadding creates random base64 padding to obscure response sizes.
func generatePadding(minPadding, paddingRange int64) (string, error) {
	extra, err := rand.Int(rand.Reader, big.NewInt(paddingRange))
	if err != nil {
		return "", fmt.Errorf("failed to generate padding range: %w", err)
	}
	b := make([]byte, minPadding+extra.Int64())
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate padding: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

func (s *Server) padding(ctx context.Context) string {
	p, err := generatePadding(s.config.ResponsePaddingMinBytes, s.config.ResponsePaddingRange)
	if err != nil {
		logging.FromContext(ctx).Errorw("failed to generate response padding", "error", err)
		return ""
	}
	return p
}

// decodeStrict parses the JSON body rejecting unknown fields.
func decodeStrict(r *http.Request, into interface{}) error {
	d := json.NewDecoder(r.Body)
	d.DisallowUnknownFields()
	if err := d.Decode(into); err != nil {
		return fmt.Errorf("%w: %v", errInvalidDate, err)
	}
	return nil
}

// respondError levels the timing and renders the mapped error. Infra errors
// are logged and surfaced opaquely.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, arrival time.Time, err error) {
	ctx := r.Context()
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logging.FromContext(ctx).Errorw("upload failed", "error", err)
		err = fmt.Errorf("internal error")
	} else {
		logging.FromContext(ctx).Debugw("upload rejected", "error", err, "status", code)
	}
	s.levelResponse(ctx, arrival)
	s.h.RenderJSON(w, code, err)
}

func (s *Server) handleExposedV1() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		arrival := clock.Now(ctx)

		var request v1.GaenRequest
		if err := decodeStrict(r, &request); err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		principal, err := s.authorize(ctx, r, s.verifier, auth.ScopeExposed)
		if err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		// The announced delayed key must name a whole day inside the accept
		// window: today or one of its neighbors.
		if err := s.checkDelayedKeyDate(request.DelayedKeyDate, arrival); err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		if err := s.insert(ctx, request.GaenKeys, r.UserAgent(), principal, arrival); err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		token, err := s.issuer.IssueDelayedKeyToken(ctx, principal, request.DelayedKeyDate, arrival)
		if err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		s.levelResponse(ctx, arrival)
		s.h.RenderJSON(w, http.StatusOK, &v1.UploadResponse{
			Token:   token,
			Padding: s.padding(ctx),
		})
	})
}

func (s *Server) handleExposedNextDay() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		arrival := clock.Now(ctx)

		var request v1.GaenSecondDay
		if err := decodeStrict(r, &request); err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		principal, err := s.authorize(ctx, r, s.nextDayVerifier, auth.ScopeExposedNextDay)
		if err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		claimed, err := principal.DelayedKeyDate()
		if err != nil {
			s.respondError(w, r, arrival, fmt.Errorf("%w: %v", errInvalidDate, err))
			return
		}
		if request.DelayedKey.RollingStartNumber != claimed {
			s.respondError(w, r, arrival, fmt.Errorf("%w: got %d, announced %d",
				errDelayedKeyMismatch, request.DelayedKey.RollingStartNumber, claimed))
			return
		}

		if err := s.insert(ctx, []v1.GaenKey{request.DelayedKey}, r.UserAgent(), principal, arrival); err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		s.levelResponse(ctx, arrival)
		s.h.RenderJSON(w, http.StatusOK, &v1.UploadResponse{Padding: s.padding(ctx)})
	})
}

func (s *Server) handleExposedV2() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		arrival := clock.Now(ctx)

		var request v2.GaenRequest
		if err := decodeStrict(r, &request); err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		principal, err := s.authorize(ctx, r, s.verifier, auth.ScopeExposed)
		if err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		if err := s.insert(ctx, request.GaenKeys, r.UserAgent(), principal, arrival); err != nil {
			s.respondError(w, r, arrival, err)
			return
		}

		s.levelResponse(ctx, arrival)
		s.h.RenderJSON(w, http.StatusOK, &v2.UploadResponse{Padding: s.padding(ctx)})
	})
}

// insert converts the wire keys and hands them to the pipeline.
func (s *Server) insert(ctx context.Context, wireKeys []v1.GaenKey, userAgent string, principal *auth.Principal, now time.Time) error {
	keys := make([]*model.TemporaryExposureKey, 0, len(wireKeys))
	for i := range wireKeys {
		k, err := model.FromAPI(&wireKeys[i])
		if err != nil {
			return fmt.Errorf("%w: %v", insertmanager.ErrBadKeyFormat, err)
		}
		keys = append(keys, k)
	}

	_, err := s.manager.InsertIntoDatabase(ctx, keys, &insertmanager.RequestContext{
		Now:       now,
		UserAgent: userAgent,
		Principal: principal,
	})
	return err
}

// checkDelayedKeyDate accepts a day-start interval for today or an adjacent
// day, tolerating client clock drift around midnight.
func (s *Server) checkDelayedKeyDate(delayedKeyDate int32, now time.Time) error {
	if delayedKeyDate <= 0 || delayedKeyDate%timegrid.MaxIntervalCount != 0 {
		return fmt.Errorf("%w: delayedKeyDate %d is not a day boundary", errInvalidDate, delayedKeyDate)
	}
	today := timegrid.DayStartInterval(timegrid.IntervalNumber(now))
	diff := delayedKeyDate - today
	if diff < -timegrid.MaxIntervalCount || diff > timegrid.MaxIntervalCount {
		return fmt.Errorf("%w: delayedKeyDate %d is out of the accept window", errInvalidDate, delayedKeyDate)
	}
	return nil
}
