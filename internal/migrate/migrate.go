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

// Package migrate applies the database migrations.
package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/radarcovid/gaen-server/internal/database"
	"github.com/radarcovid/gaen-server/pkg/logging"
)

// Config holds the migration settings.
type Config struct {
	Database database.Config

	MigrationsPath string `env:"MIGRATIONS_PATH, default=migrations"`
}

// DatabaseConfig implements setup.DatabaseConfigProvider.
func (c *Config) DatabaseConfig() *database.Config {
	return &c.Database
}

// Run applies all outstanding up migrations.
func Run(ctx context.Context, cfg *Config) error {
	logger := logging.FromContext(ctx).Named("migrate")

	m, err := migrate.New("file://"+cfg.MigrationsPath, cfg.Database.ConnectionURL())
	if err != nil {
		return fmt.Errorf("failed to create migrate: %w", err)
	}
	m.Log = newLogger(logger)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("migrate source error: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("migrate database error: %w", dbErr)
	}
	return nil
}
