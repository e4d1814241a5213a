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

// Package scheduler runs the periodic maintenance jobs. Every run is guarded
// by a database lease so that in a multi-replica deployment at most one
// replica executes a job per tick; a replica that loses the race simply
// skips the tick, missed ticks are not made up.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/radarcovid/gaen-server/internal/database"
	"github.com/radarcovid/gaen-server/pkg/logging"
)

// Locker is the distributed lease the database provides.
type Locker interface {
	Lock(ctx context.Context, lockID string, ttl time.Duration) (database.UnlockFn, error)
}

// Task is a named job with its lease bounds. MaxHold is both the lease TTL
// and the run timeout; a replica holds the lease for at least MinHold so
// slightly skewed replicas do not double-run a fast job.
type Task struct {
	Name    string
	MinHold time.Duration
	MaxHold time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler dispatches tasks under the distributed lease.
type Scheduler struct {
	locker Locker
}

// New creates a scheduler over the given lease provider.
func New(locker Locker) *Scheduler {
	return &Scheduler{locker: locker}
}

// RunOnce attempts a single guarded execution. Returns false if another
// replica holds the lease.
func (s *Scheduler) RunOnce(ctx context.Context, t *Task) (bool, error) {
	logger := logging.FromContext(ctx).Named("scheduler")

	started := time.Now()
	unlock, err := s.locker.Lock(ctx, t.Name, t.MaxHold)
	if err != nil {
		if errors.Is(err, database.ErrAlreadyLocked) {
			logger.Debugw("skipping tick, lease is held elsewhere", "task", t.Name)
			return false, nil
		}
		return false, fmt.Errorf("acquiring lease %q: %w", t.Name, err)
	}

	runErr := func() error {
		runCtx, cancel := context.WithTimeout(ctx, t.MaxHold)
		defer cancel()
		return t.Run(runCtx)
	}()

	// Hold the lease for at least MinHold before releasing it.
	if rest := t.MinHold - time.Since(started); rest > 0 {
		timer := time.NewTimer(rest)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	if err := unlock(); err != nil {
		logger.Errorw("failed to release lease", "task", t.Name, "error", err)
	}
	if runErr != nil {
		return true, fmt.Errorf("task %q: %w", t.Name, runErr)
	}
	return true, nil
}

// Every runs the task on a fixed interval after an initial delay, until the
// context is canceled. It blocks; run it in its own goroutine.
func (s *Scheduler) Every(ctx context.Context, interval, initialDelay time.Duration, t *Task) {
	logger := logging.FromContext(ctx).Named("scheduler")

	select {
	case <-ctx.Done():
		return
	case <-time.After(initialDelay):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx, t); err != nil {
			logger.Errorw("scheduled task failed", "task", t.Name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DailyAt runs the task every day at the given UTC time, until the context
// is canceled. It blocks; run it in its own goroutine.
func (s *Scheduler) DailyAt(ctx context.Context, hour, minute int, t *Task) {
	logger := logging.FromContext(ctx).Named("scheduler")

	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx, t); err != nil {
			logger.Errorw("scheduled task failed", "task", t.Name, "error", err)
		}
	}
}
