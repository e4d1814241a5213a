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

// Package serverenv defines common parameters for the server environment.
package serverenv

import (
	"context"

	"github.com/radarcovid/gaen-server/internal/database"
	"github.com/radarcovid/gaen-server/pkg/keys"
)

// ServerEnv represents latent environment configuration for servers in this
// application.
type ServerEnv struct {
	database   *database.DB
	keyManager keys.KeyManager
}

// Option defines function types to modify the ServerEnv on creation.
type Option func(*ServerEnv) *ServerEnv

// New creates a new ServerEnv with the requested options.
func New(ctx context.Context, opts ...Option) *ServerEnv {
	env := &ServerEnv{}

	for _, f := range opts {
		env = f(env)
	}

	return env
}

// WithDatabase attaches a database to the environment.
func WithDatabase(db *database.DB) Option {
	return func(s *ServerEnv) *ServerEnv {
		s.database = db
		return s
	}
}

// WithKeyManager attaches a key manager to the environment.
func WithKeyManager(km keys.KeyManager) Option {
	return func(s *ServerEnv) *ServerEnv {
		s.keyManager = km
		return s
	}
}

// Database returns the attached database, or nil.
func (s *ServerEnv) Database() *database.DB {
	return s.database
}

// KeyManager returns the attached key manager, or nil.
func (s *ServerEnv) KeyManager() keys.KeyManager {
	return s.keyManager
}

// Close shuts down the server env, closing database connections.
func (s *ServerEnv) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}

	if s.database != nil {
		s.database.Close(ctx)
	}

	return nil
}
