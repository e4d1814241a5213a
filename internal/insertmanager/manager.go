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

// Package insertmanager runs uploaded keys through an ordered pipeline of
// stages before they reach the exposed key store. A stage is either a filter
// (drops keys, or aborts the whole request) or a modifier (rewrites keys,
// never fails). NewManager runs the stage list it is given, in that order;
// ExposedPipeline builds the list for the exposed endpoints in a fixed order,
// and its configuration switches only the legacy client workarounds on or off.
package insertmanager

import (
	"context"
	"time"

	"github.com/radarcovid/gaen-server/internal/auth"
	"github.com/radarcovid/gaen-server/internal/exposed/model"
	"github.com/radarcovid/gaen-server/pkg/logging"
	"github.com/radarcovid/gaen-server/pkg/timegrid"
)

// ExposedStore is the subset of the key store the manager writes to.
type ExposedStore interface {
	UpsertExposures(ctx context.Context, keys []*model.TemporaryExposureKey, receivedAt time.Time, country string) (int64, error)
}

// RequestContext carries the per-request facts stages may consult.
type RequestContext struct {
	Now       time.Time
	UserAgent string
	Principal *auth.Principal
}

// Stage is a single pipeline step. Filters return a possibly smaller
// sequence or an error that aborts the insert; modifiers return a rewritten
// sequence and never error.
type Stage interface {
	Apply(ctx context.Context, keys []*model.TemporaryExposureKey, rc *RequestContext) ([]*model.TemporaryExposureKey, error)
}

// Manager executes the configured pipeline and writes the result.
type Manager struct {
	store         ExposedStore
	stages        []Stage
	releaseBucket time.Duration
	country       string
}

// NewManager composes a pipeline. Stage order is significant and preserved.
func NewManager(store ExposedStore, releaseBucket time.Duration, country string, stages ...Stage) *Manager {
	return &Manager{
		store:         store,
		stages:        stages,
		releaseBucket: releaseBucket,
		country:       country,
	}
}

// InsertIntoDatabase runs the pipeline over the keys and stores the
// survivors with receivedAt set to the start of the current release bucket, so
// the batch becomes visible only once that bucket closes. The write is
// all-or-nothing: a hard stage failure inserts nothing.
func (m *Manager) InsertIntoDatabase(ctx context.Context, keys []*model.TemporaryExposureKey, rc *RequestContext) (int64, error) {
	logger := logging.FromContext(ctx).Named("insertmanager")

	var err error
	for _, s := range m.stages {
		before := len(keys)
		keys, err = s.Apply(ctx, keys, rc)
		if err != nil {
			return 0, err
		}
		if dropped := before - len(keys); dropped > 0 {
			logger.Debugw("stage dropped keys", "dropped", dropped, "remaining", len(keys))
		}
	}

	if len(keys) == 0 {
		return 0, nil
	}

	// Keys share the current release bucket and become visible when it
	// closes. A key that is still valid is embargoed onto the bucket its
	// validity window ends in, so the same-day key surfaces no earlier than
	// the day after.
	receivedAt := timegrid.BucketStart(rc.Now, m.releaseBucket)
	for _, k := range keys {
		if k.EndTime().After(rc.Now) {
			k.ReceivedAt = timegrid.BucketStart(k.EndTime(), m.releaseBucket)
		}
	}
	return m.store.UpsertExposures(ctx, keys, receivedAt, m.country)
}
