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

package insertmanager

import (
	"context"
	"strings"

	"github.com/radarcovid/gaen-server/internal/exposed/model"
	v1 "github.com/radarcovid/gaen-server/pkg/api/v1"
)

// OriginStamp stamps the configured federation origin and report type on
// every key that has none. Deployments that do not federate simply omit this
// stage.
type OriginStamp struct {
	Origin     string
	ReportType int32
}

// Apply implements Stage.
func (m *OriginStamp) Apply(ctx context.Context, keys []*model.TemporaryExposureKey, rc *RequestContext) ([]*model.TemporaryExposureKey, error) {
	for _, k := range keys {
		if k.Origin == "" {
			k.Origin = m.Origin
		}
		if k.ReportType == 0 {
			k.ReportType = m.ReportType
		}
	}
	return keys, nil
}

// AndroidZeroRollingPeriod rewrites a zero rolling period to a full day.
// Legacy Android clients sent 0 for the still-open current day key.
type AndroidZeroRollingPeriod struct{}

// Apply implements Stage.
func (m *AndroidZeroRollingPeriod) Apply(ctx context.Context, keys []*model.TemporaryExposureKey, rc *RequestContext) ([]*model.TemporaryExposureKey, error) {
	for _, k := range keys {
		if k.RollingPeriod == 0 {
			k.RollingPeriod = v1.MaxRollingPeriod
		}
	}
	return keys, nil
}

// IOSShortPeriod rewrites short rolling periods from iOS clients to a full
// day. Affected iOS releases reported the elapsed portion of the current day
// instead of the full period.
type IOSShortPeriod struct{}

// Apply implements Stage.
func (m *IOSShortPeriod) Apply(ctx context.Context, keys []*model.TemporaryExposureKey, rc *RequestContext) ([]*model.TemporaryExposureKey, error) {
	if !strings.Contains(strings.ToLower(rc.UserAgent), "ios") {
		return keys, nil
	}
	for _, k := range keys {
		if k.RollingPeriod > 0 && k.RollingPeriod < v1.MaxRollingPeriod {
			k.RollingPeriod = v1.MaxRollingPeriod
		}
	}
	return keys, nil
}
