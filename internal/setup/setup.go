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

// Package setup provides common logic for configuring the various services.
package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/sethvargo/go-retry"

	"github.com/radarcovid/gaen-server/internal/database"
	"github.com/radarcovid/gaen-server/internal/serverenv"
	"github.com/radarcovid/gaen-server/pkg/keys"
	"github.com/radarcovid/gaen-server/pkg/logging"
)

// DatabaseConfigProvider ensures that the environment config can provide a DB
// config. All binaries in this application connect to the database via the
// same method.
type DatabaseConfigProvider interface {
	DatabaseConfig() *database.Config
}

// KeyManagerConfigProvider is a marker interface indicating the key manager
// should be installed.
type KeyManagerConfigProvider interface {
	KeyManagerConfig() *keys.Config
}

// Setup processes the given configuration using envconfig and wires up the
// server environment. It returns the server env; its Close method releases the
// resources it holds when the server exits.
func Setup(ctx context.Context, config interface{}) (*serverenv.ServerEnv, error) {
	return SetupWith(ctx, config, envconfig.OsLookuper())
}

// SetupWith processes the given configuration using the given lookuper. This
// exists mostly for testing.
func SetupWith(ctx context.Context, config interface{}, l envconfig.Lookuper) (*serverenv.ServerEnv, error) {
	logger := logging.FromContext(ctx)

	if err := envconfig.ProcessWith(ctx, config, l); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}
	logger.Infow("provided", "config", config)

	opts := make([]serverenv.Option, 0, 2)

	// Configure the key manager when requested.
	if provider, ok := config.(KeyManagerConfigProvider); ok {
		kmConfig := provider.KeyManagerConfig()
		km, err := keys.KeyManagerFor(ctx, kmConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to key manager: %w", err)
		}
		opts = append(opts, serverenv.WithKeyManager(km))
	}

	// Setup the database connection, retrying with a fibonacci backoff while
	// the database comes up.
	if provider, ok := config.(DatabaseConfigProvider); ok {
		dbConfig := provider.DatabaseConfig()

		var db *database.DB
		b := retry.NewFibonacci(250 * time.Millisecond)
		b = retry.WithMaxRetries(10, retry.WithCappedDuration(5*time.Second, b))

		if err := retry.Do(ctx, b, func(ctx context.Context) error {
			var err error
			db, err = database.NewFromEnv(ctx, dbConfig)
			if err != nil {
				return retry.RetryableError(err)
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		opts = append(opts, serverenv.WithDatabase(db))
	}

	return serverenv.New(ctx, opts...), nil
}
