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

// This package is the GAEN key server: upload and download APIs plus the
// periodic maintenance jobs.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/radarcovid/gaen-server/internal/buildinfo"
	"github.com/radarcovid/gaen-server/internal/gaen"
	"github.com/radarcovid/gaen-server/internal/interrupt"
	"github.com/radarcovid/gaen-server/internal/scheduler"
	"github.com/radarcovid/gaen-server/internal/setup"
	"github.com/radarcovid/gaen-server/pkg/clock"
	"github.com/radarcovid/gaen-server/pkg/logging"
	"github.com/radarcovid/gaen-server/pkg/server"
)

func main() {
	ctx, done := interrupt.Context()
	defer done()

	logger := logging.NewLoggerFromEnv()
	ctx = logging.WithLogger(ctx, logger)

	defer func() {
		done()
		if r := recover(); r != nil {
			logger.Fatalw("application panic", "panic", r)
		}
	}()

	err := realMain(ctx)
	done()

	if err != nil {
		logger.Fatal(err)
	}
	logger.Info("successful shutdown")
}

func realMain(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	var config gaen.Config
	env, err := setup.Setup(ctx, &config)
	if err != nil {
		return fmt.Errorf("setup.Setup: %w", err)
	}
	defer env.Close(ctx)

	gaenServer, err := gaen.NewServer(ctx, &config, env)
	if err != nil {
		return fmt.Errorf("gaen.NewServer: %w", err)
	}

	// Maintenance jobs, leased so that only one replica runs them per tick.
	sched := scheduler.New(env.Database())

	cleanData := &scheduler.Task{
		Name:    "cleanData",
		MinHold: time.Minute,
		MaxHold: 10 * time.Minute,
		Run: func(ctx context.Context) error {
			return gaenServer.CleanData(ctx, clock.Now(ctx))
		},
	}
	go sched.Every(ctx, time.Hour, time.Minute, cleanData)

	if fake := gaenServer.FakeKeys(); fake != nil {
		// Populate padding before serving, then refresh nightly.
		if err := fake.Refresh(ctx, clock.Now(ctx)); err != nil {
			return fmt.Errorf("initial fake key refresh: %w", err)
		}
		updateFakeKeys := &scheduler.Task{
			Name:    "updateFakeKeys",
			MinHold: time.Minute,
			MaxHold: 10 * time.Minute,
			Run: func(ctx context.Context) error {
				return fake.Refresh(ctx, clock.Now(ctx))
			},
		}
		go sched.DailyAt(ctx, 2, 0, updateFakeKeys)
	}

	srv, err := server.New(config.Port)
	if err != nil {
		return fmt.Errorf("server.New: %w", err)
	}
	logger.Infow("listening",
		"port", config.Port,
		"build_id", buildinfo.BuildID,
		"build_tag", buildinfo.BuildTag)

	return srv.ServeHTTPHandler(ctx, gaenServer.Routes(ctx))
}
