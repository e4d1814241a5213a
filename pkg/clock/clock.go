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

// Package clock exposes the current time as a context capability so tests
// can pin it without process-global state.
package clock

import (
	"context"
	"time"
)

type contextKey string

const clockKey = contextKey("clock")

// WithTime pins the clock in the context to the given instant.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, clockKey, func() time.Time { return t })
}

// WithFunc installs an arbitrary time source in the context.
func WithFunc(ctx context.Context, f func() time.Time) context.Context {
	return context.WithValue(ctx, clockKey, f)
}

// Now returns the pinned time from the context, or the UTC wall clock.
func Now(ctx context.Context) time.Time {
	if f, ok := ctx.Value(clockKey).(func() time.Time); ok {
		return f().UTC()
	}
	return time.Now().UTC()
}
