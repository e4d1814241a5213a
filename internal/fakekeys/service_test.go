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

package fakekeys

import (
	"context"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Amount:        10,
		RetentionDays: 14,
		KeySize:       16,
		Country:       "ES",
		Origin:        "ES",
		ReportType:    1,
	}
}

func TestRefreshPopulation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2021, 2, 11, 2, 0, 0, 0, time.UTC)

	s := NewService(testConfig())
	if err := s.Refresh(ctx, now); err != nil {
		t.Fatal(err)
	}

	all := s.ExposedSince(time.Time{}, now, nil, nil)
	if want := 10 * 14; len(all) != want {
		t.Fatalf("population = %d, want %d", len(all), want)
	}

	seen := make(map[string]struct{}, len(all))
	for _, k := range all {
		if len(k.KeyData) != 16 {
			t.Errorf("key size = %d, want 16", len(k.KeyData))
		}
		if k.RollingPeriod != 144 {
			t.Errorf("rolling period = %d, want 144", k.RollingPeriod)
		}
		if k.Fake {
			t.Errorf("synthetic key is flagged fake and would be hidden from exports")
		}
		if k.RollingStartNumber%144 != 0 {
			t.Errorf("rolling start %d is not a day boundary", k.RollingStartNumber)
		}
		if k.Origin != "ES" || k.ReportType != 1 {
			t.Errorf("missing federation stamp: %q %d", k.Origin, k.ReportType)
		}
		seen[k.ExposureKeyBase64()] = struct{}{}
	}
	if len(seen) != len(all) {
		t.Errorf("duplicate key material: %d unique of %d", len(seen), len(all))
	}
}

func TestRefreshRegeneratesNightly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2021, 2, 11, 2, 0, 0, 0, time.UTC)

	s := NewService(testConfig())
	if err := s.Refresh(ctx, now); err != nil {
		t.Fatal(err)
	}
	before := make(map[string]struct{})
	for _, k := range s.ExposedSince(time.Time{}, now, nil, nil) {
		before[k.ExposureKeyBase64()] = struct{}{}
	}

	if err := s.Refresh(ctx, now.Add(24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	after := s.ExposedSince(time.Time{}, now.Add(24*time.Hour), nil, nil)
	if want := 10 * 14; len(after) != want {
		t.Fatalf("population after refresh = %d, want %d", len(after), want)
	}
	for _, k := range after {
		if _, ok := before[k.ExposureKeyBase64()]; ok {
			t.Fatalf("key material survived a refresh")
		}
	}
}

func TestExposedSinceWindowing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2021, 2, 11, 2, 0, 0, 0, time.UTC)

	s := NewService(testConfig())
	if err := s.Refresh(ctx, now); err != nil {
		t.Fatal(err)
	}

	// A single day window yields exactly one day's padding.
	dayStart := time.Date(2021, 2, 10, 0, 0, 0, 0, time.UTC)
	got := s.ExposedSince(dayStart, dayStart.Add(24*time.Hour), nil, nil)
	if len(got) != 10 {
		t.Errorf("single day window = %d keys, want 10", len(got))
	}

	// Country filters are set membership; a mismatch hides everything.
	if got := s.ExposedSince(time.Time{}, now, []string{"DE"}, nil); len(got) != 0 {
		t.Errorf("mismatched visited country returned %d keys", len(got))
	}
	if got := s.ExposedSince(time.Time{}, now, []string{"ES", "DE"}, []string{"ES"}); len(got) == 0 {
		t.Errorf("matching filters returned nothing")
	}
}
