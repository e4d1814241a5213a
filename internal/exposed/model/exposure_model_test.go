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

package model

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	v1 "github.com/radarcovid/gaen-server/pkg/api/v1"
	"github.com/radarcovid/gaen-server/pkg/timegrid"
)

func encodedKey(tb testing.TB, b byte) string {
	tb.Helper()
	raw := make([]byte, v1.KeyLength)
	for i := range raw {
		raw[i] = b
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestFromAPI(t *testing.T) {
	t.Parallel()

	in := &v1.GaenKey{
		KeyData:            encodedKey(t, 0x42),
		RollingStartNumber: 2688888,
		RollingPeriod:      144,
		Fake:               1,
	}
	got, err := FromAPI(in)
	if err != nil {
		t.Fatalf("FromAPI: %v", err)
	}
	if len(got.KeyData) != v1.KeyLength {
		t.Errorf("KeyData length = %d, want %d", len(got.KeyData), v1.KeyLength)
	}
	if !got.Fake {
		t.Errorf("Fake = false, want true")
	}
	if got.ExposureKeyBase64() != in.KeyData {
		t.Errorf("ExposureKeyBase64 = %q, want %q", got.ExposureKeyBase64(), in.KeyData)
	}

	cases := []struct {
		name string
		in   *v1.GaenKey
	}{
		{"bad_base64", &v1.GaenKey{KeyData: "!!not base64!!", RollingStartNumber: 1}},
		{"negative_start", &v1.GaenKey{KeyData: encodedKey(t, 0x01), RollingStartNumber: -1}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := FromAPI(tc.in); err == nil {
				t.Errorf("FromAPI(%v): expected error", tc.in)
			}
		})
	}
}

func TestIsValidKeyFormat(t *testing.T) {
	t.Parallel()

	k := &TemporaryExposureKey{KeyData: make([]byte, 16)}
	if !IsValidKeyFormat(k, 16) {
		t.Errorf("16 byte key should be valid")
	}
	if IsValidKeyFormat(k, 32) {
		t.Errorf("16 byte key should be invalid at size 32")
	}
	if IsValidKeyFormat(&TemporaryExposureKey{KeyData: make([]byte, 15)}, 16) {
		t.Errorf("15 byte key should be invalid")
	}
}

func TestIsValidRollingPeriod(t *testing.T) {
	t.Parallel()

	cases := []struct {
		period int32
		want   bool
	}{
		{0, false},
		{1, true},
		{144, true},
		{145, false},
		{-1, false},
	}
	for _, tc := range cases {
		k := &TemporaryExposureKey{RollingPeriod: tc.period}
		if got := IsValidRollingPeriod(k); got != tc.want {
			t.Errorf("IsValidRollingPeriod(%d) = %t, want %t", tc.period, got, tc.want)
		}
	}
}

func TestRetentionAndFutureChecks(t *testing.T) {
	t.Parallel()

	now := time.Date(2021, 2, 11, 12, 0, 0, 0, time.UTC)
	retention := 14 * 24 * time.Hour
	skew := 2 * time.Hour

	fresh := &TemporaryExposureKey{
		RollingStartNumber: timegrid.IntervalNumber(now.Add(-24 * time.Hour)),
		RollingPeriod:      144,
	}
	if IsBeforeRetention(fresh, now, retention) {
		t.Errorf("yesterday's key should be within retention")
	}
	if IsInFuture(fresh, now, skew) {
		t.Errorf("yesterday's key should not be in the future")
	}

	ancient := &TemporaryExposureKey{
		RollingStartNumber: timegrid.IntervalNumber(now.Add(-16 * 24 * time.Hour)),
		RollingPeriod:      144,
	}
	if !IsBeforeRetention(ancient, now, retention) {
		t.Errorf("16 day old key should be beyond retention")
	}

	// A key ending exactly at the retention edge is retained.
	edge := &TemporaryExposureKey{
		RollingStartNumber: timegrid.IntervalNumber(now.Add(-retention)) - 144,
		RollingPeriod:      144,
	}
	if IsBeforeRetention(edge, now, retention) {
		t.Errorf("key ending on the retention boundary should be retained")
	}

	future := &TemporaryExposureKey{
		RollingStartNumber: timegrid.IntervalNumber(now.Add(skew).Add(20 * time.Minute)),
		RollingPeriod:      144,
	}
	if !IsInFuture(future, now, skew) {
		t.Errorf("key past the skew window should be in the future")
	}

	// Within the skew allowance.
	nearFuture := &TemporaryExposureKey{
		RollingStartNumber: timegrid.IntervalNumber(now.Add(time.Hour)),
		RollingPeriod:      144,
	}
	if IsInFuture(nearFuture, now, skew) {
		t.Errorf("key within the skew window should not be in the future")
	}
}

func TestStartDay(t *testing.T) {
	t.Parallel()

	noon := time.Date(2021, 2, 11, 12, 0, 0, 0, time.UTC)
	k := &TemporaryExposureKey{RollingStartNumber: timegrid.IntervalNumber(noon)}
	want := time.Date(2021, 2, 11, 0, 0, 0, 0, time.UTC)
	if got := k.StartDay(); !got.Equal(want) {
		t.Errorf("StartDay = %v, want %v", got, want)
	}
}

func TestBase64CacheStability(t *testing.T) {
	t.Parallel()

	k := &TemporaryExposureKey{KeyData: []byte(strings.Repeat("a", 16))}
	first := k.ExposureKeyBase64()
	if second := k.ExposureKeyBase64(); second != first {
		t.Errorf("cached base64 changed: %q then %q", first, second)
	}
}
