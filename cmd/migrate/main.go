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

// This package applies the database migrations.
package main

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"

	"github.com/radarcovid/gaen-server/internal/interrupt"
	"github.com/radarcovid/gaen-server/internal/migrate"
	"github.com/radarcovid/gaen-server/pkg/logging"
)

func main() {
	ctx, done := interrupt.Context()
	defer done()

	logger := logging.NewLoggerFromEnv()
	ctx = logging.WithLogger(ctx, logger)

	if err := realMain(ctx); err != nil {
		logger.Fatal(err)
	}
	logger.Info("migrations applied")
}

func realMain(ctx context.Context) error {
	var config migrate.Config
	if err := envconfig.Process(ctx, &config); err != nil {
		return fmt.Errorf("error loading environment variables: %w", err)
	}

	return migrate.Run(ctx, &config)
}
