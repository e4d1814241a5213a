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

// Package fakekeys maintains the synthetic padding keys that hide the true
// number of diagnoses. Synthetic keys live in their own ephemeral store so
// retention sweeps and real uploads never touch them; the export path unions
// them with real keys with no distinction.
package fakekeys

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/radarcovid/gaen-server/internal/exposed/model"
	v1 "github.com/radarcovid/gaen-server/pkg/api/v1"
	"github.com/radarcovid/gaen-server/pkg/logging"
	"github.com/radarcovid/gaen-server/pkg/timegrid"
)

// Config parameterizes the synthetic key population.
type Config struct {
	// Amount is the number of synthetic keys per whole-day bucket.
	Amount int

	// RetentionDays is how many past days are padded.
	RetentionDays int

	// KeySize is the key material length in bytes.
	KeySize int

	// Country, Origin and ReportType are stamped on every synthetic key so it
	// is indistinguishable from a stored real key.
	Country    string
	Origin     string
	ReportType int32
}

// Service generates and serves the synthetic keys.
type Service struct {
	cfg Config

	mu sync.RWMutex
	// byDay maps a day-start interval to that day's synthetic keys.
	byDay map[int32][]*model.TemporaryExposureKey
}

// NewService creates an empty service. Call Refresh before serving.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:   cfg,
		byDay: make(map[int32][]*model.TemporaryExposureKey),
	}
}

// Refresh drops the previous population and generates Amount fresh keys for
// each of the past RetentionDays whole-day buckets. Key material is random
// per refresh, so populations are uncorrelated across days and across
// refreshes.
func (s *Service) Refresh(ctx context.Context, now time.Time) error {
	logger := logging.FromContext(ctx).Named("fakekeys")

	byDay := make(map[int32][]*model.TemporaryExposureKey, s.cfg.RetentionDays)
	day := now.UTC().Truncate(24 * time.Hour)
	for i := 0; i < s.cfg.RetentionDays; i++ {
		day = day.Add(-24 * time.Hour)
		dayStart := timegrid.IntervalNumber(day)

		keys := make([]*model.TemporaryExposureKey, 0, s.cfg.Amount)
		for j := 0; j < s.cfg.Amount; j++ {
			k, err := s.generate(dayStart, day)
			if err != nil {
				return fmt.Errorf("generating synthetic key: %w", err)
			}
			keys = append(keys, k)
		}
		byDay[dayStart] = keys
	}

	s.mu.Lock()
	s.byDay = byDay
	s.mu.Unlock()

	logger.Infow("refreshed synthetic keys", "days", s.cfg.RetentionDays, "per_day", s.cfg.Amount)
	return nil
}

func (s *Service) generate(dayStart int32, day time.Time) (*model.TemporaryExposureKey, error) {
	keyData := make([]byte, s.cfg.KeySize)
	if _, err := rand.Read(keyData); err != nil {
		return nil, err
	}

	// Fake is deliberately cleared: synthetic keys must appear in exports.
	return &model.TemporaryExposureKey{
		KeyData:            keyData,
		RollingStartNumber: dayStart,
		RollingPeriod:      v1.MaxRollingPeriod,
		ReceivedAt:         day,
		Country:            s.cfg.Country,
		Origin:             s.cfg.Origin,
		ReportType:         s.cfg.ReportType,
	}, nil
}

// ExposedSince returns the synthetic keys whose release bucket falls in
// [since, until), applying the same country set-membership filters as the
// real store.
func (s *Service) ExposedSince(since, until time.Time, visitedCountries, originCountries []string) []*model.TemporaryExposureKey {
	if !matches(visitedCountries, s.cfg.Country) || !matches(originCountries, s.cfg.Origin) {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.TemporaryExposureKey
	for _, keys := range s.byDay {
		for _, k := range keys {
			if k.ReceivedAt.Before(since) || !k.ReceivedAt.Before(until) {
				continue
			}
			out = append(out, k)
		}
	}
	return out
}

// matches reports whether the filter admits the value; an empty filter
// admits everything.
func matches(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == value {
			return true
		}
	}
	return false
}
