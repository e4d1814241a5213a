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
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/radarcovid/gaen-server/pkg/logging"
)

// CleanData prunes exposed keys that aged out of the retention window and
// expired redeem nonces. If one of the purges fails, the others are still
// attempted.
func (s *Server) CleanData(ctx context.Context, now time.Time) error {
	logger := logging.FromContext(ctx).Named("cleanup")

	var merr *multierror.Error

	if count, err := s.exposed.DeleteExposuresBefore(ctx, now, s.config.Retention()); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("failed to delete exposures: %w", err))
	} else {
		logger.Infow("purged exposures", "count", count)
	}

	if count, err := s.redeem.DeleteExpiredBefore(ctx, now); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("failed to delete redeem nonces: %w", err))
	} else {
		logger.Infow("purged redeem nonces", "count", count)
	}

	return merr.ErrorOrNil()
}
