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
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/radarcovid/gaen-server/internal/export"
	exposeddb "github.com/radarcovid/gaen-server/internal/exposed/database"
	"github.com/radarcovid/gaen-server/internal/exposed/model"
	"github.com/radarcovid/gaen-server/pkg/clock"
	"github.com/radarcovid/gaen-server/pkg/logging"
	"github.com/radarcovid/gaen-server/pkg/timegrid"
)

// Version selects the artifact layout of a download.
type Version int

const (
	// VersionV1 and VersionV2 ship the protobuf key list.
	VersionV1 Version = iota
	VersionV2
	// VersionV2UMA ships the Cuckoo filter membership structure.
	VersionV2UMA
)

const headerKeyBundleTag = "x-key-bundle-tag"

// handleDownload implements the incremental download contract: clients pass
// the last bucket tag they have seen and receive everything released since,
// up to the last fully closed bucket.
func (s *Server) handleDownload(version Version) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx).Named("download")

		now := clock.Now(ctx)
		bucket := s.config.ReleaseBucketDuration
		minTag := timegrid.BucketStart(now.Add(-s.config.Retention()), bucket)
		keyBundleTag := timegrid.BucketStart(now, bucket)
		expires := timegrid.NextBucket(now, bucket)

		since := minTag
		if raw := s.lastKeyBundleTag(r, version); raw != "" {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}
			tag := timegrid.TimeFromMillis(ms)
			// A tag that is not bucket aligned or lies in the future is not one
			// this server ever handed out.
			if ms%bucket.Milliseconds() != 0 || tag.After(now) {
				logger.Debugw("rejecting bundle tag", "tag", ms, "now", timegrid.UnixMillis(now))
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}
			if tag.After(minTag) {
				since = tag
			}
		}

		criteria := exposeddb.IterateCriteria{
			Since: since,
			Until: keyBundleTag,
		}
		if version == VersionV2UMA {
			criteria.VisitedCountries = countryList(r.URL.Query().Get("visitedCountries"))
			criteria.OriginCountries = countryList(r.URL.Query().Get("originCountries"))
		}

		keys, err := s.exposed.SortedExposedSince(ctx, criteria)
		if err != nil {
			logger.Errorw("failed to read exposed keys", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if s.fake != nil {
			keys = append(keys, s.fake.ExposedSince(since, keyBundleTag, criteria.VisitedCountries, criteria.OriginCountries)...)
		}

		w.Header().Set(headerKeyBundleTag, strconv.FormatInt(timegrid.UnixMillis(keyBundleTag), 10))
		w.Header().Set("Expires", expires.Format(http.TimeFormat))
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.config.ExposedListCacheControl.Seconds())))

		if len(keys) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		blob, err := s.buildArtifact(version, since, keyBundleTag, keys)
		if err != nil {
			logger.Errorw("failed to assemble export", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/zip")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(blob); err != nil {
			logger.Debugw("failed to write response", "error", err)
		}
	})
}

// lastKeyBundleTag extracts the incremental position: a path segment on v1,
// a query parameter on v2 and v2UMA.
func (s *Server) lastKeyBundleTag(r *http.Request, version Version) string {
	if version == VersionV1 {
		return mux.Vars(r)["batchReleaseTime"]
	}
	return r.URL.Query().Get("lastKeyBundleTag")
}

func (s *Server) buildArtifact(version Version, since, until time.Time, keys []*model.TemporaryExposureKey) ([]byte, error) {
	batch := &export.Batch{
		StartTimestamp: since,
		EndTimestamp:   until,
		Region:         strings.ToUpper(s.config.Region),
	}
	if version == VersionV2UMA {
		return export.MarshalUMAExportFile(batch, keys, s.signer)
	}
	return export.MarshalExportFile(batch, keys, s.signer)
}

// countryList splits a comma separated country parameter; empty means any.
func countryList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
