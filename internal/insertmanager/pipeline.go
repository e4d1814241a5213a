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
	"time"
)

// PipelineConfig selects and parameterizes the stages of the exposed upload
// pipeline.
type PipelineConfig struct {
	KeySize   int
	Retention time.Duration
	Skew      time.Duration

	Origin     string
	ReportType int32

	// Legacy client workarounds, disabled by default.
	AndroidZeroRollingPeriod bool
	IOSShortPeriod           bool
}

// ExposedPipeline builds the stage list for the exposed endpoints. The
// client workaround modifiers run before the rolling period filter so that a
// rewritten period is judged, not the broken one the client sent.
func ExposedPipeline(cfg PipelineConfig) []Stage {
	stages := []Stage{
		&AssertKeyFormat{KeySize: cfg.KeySize},
		&EnforceMatchingJWTClaims{},
		&EnforceRetentionPeriod{Retention: cfg.Retention, Skew: cfg.Skew},
		&RemoveFakeKeys{},
	}
	if cfg.AndroidZeroRollingPeriod {
		stages = append(stages, &AndroidZeroRollingPeriod{})
	}
	if cfg.IOSShortPeriod {
		stages = append(stages, &IOSShortPeriod{})
	}
	stages = append(stages,
		&EnforceValidRollingPeriod{},
		&OriginStamp{Origin: cfg.Origin, ReportType: cfg.ReportType},
	)
	return stages
}
