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

// Package timegrid provides the time arithmetic shared by the publish and
// release paths: release buckets of a fixed width and the GAEN 10-minute
// interval representation. All arithmetic is UTC milliseconds since epoch.
package timegrid

import (
	"fmt"
	"time"
)

const (
	// IntervalLength is the length of a single GAEN interval.
	IntervalLength = 10 * time.Minute

	// MaxIntervalCount is the number of intervals in a UTC day.
	MaxIntervalCount = 144
)

// UnixMillis returns t as UTC milliseconds since the Unix epoch.
func UnixMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// TimeFromMillis is the inverse of UnixMillis.
func TimeFromMillis(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
}

// BucketStart rounds t down to the start of its release bucket of width d.
func BucketStart(t time.Time, d time.Duration) time.Time {
	ms := UnixMillis(t)
	w := d.Milliseconds()
	return TimeFromMillis((ms / w) * w)
}

// NextBucket returns the start of the release bucket following the one
// containing t.
func NextBucket(t time.Time, d time.Duration) time.Time {
	return BucketStart(t, d).Add(d)
}

// IntervalNumber returns the GAEN 10-minute interval containing t, rounding
// toward zero.
func IntervalNumber(t time.Time) int32 {
	return int32(t.Unix() / int64(IntervalLength.Seconds()))
}

// TimeForIntervalNumber returns the start time of the given 10-minute
// interval.
func TimeForIntervalNumber(interval int32) time.Time {
	return time.Unix(int64(interval)*int64(IntervalLength.Seconds()), 0).UTC()
}

// DayStartInterval truncates interval to the start of its UTC day.
func DayStartInterval(interval int32) int32 {
	return (interval / MaxIntervalCount) * MaxIntervalCount
}

// ValidBatchReleaseTime reports whether since is a valid incremental download
// position: bucket aligned, not in the future, and within the retention
// window ending at now.
func ValidBatchReleaseTime(since, now time.Time, bucket, retention time.Duration) error {
	ms := UnixMillis(since)
	if ms%bucket.Milliseconds() != 0 {
		return fmt.Errorf("release time %d is not aligned to %s buckets", ms, bucket)
	}
	if since.After(now) {
		return fmt.Errorf("release time %d is in the future", ms)
	}
	if since.Before(now.Add(-retention)) {
		return fmt.Errorf("release time %d is beyond the retention window", ms)
	}
	return nil
}
