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

// Package keys defines the interface to and implementations of signing key
// management. Keys are registered under well known names ("gaen" for export
// signing, "nextDayJWT" for the delayed key JWT, "hashFilter" for response
// hashing) and resolved at startup.
package keys

import (
	"context"
	"crypto"
	"fmt"
	"sync"
)

// KeyManager resolves named signing keys.
type KeyManager interface {
	// NewSigner returns a signer for the named key. The signer's Public()
	// method exposes the verification key.
	NewSigner(ctx context.Context, keyID string) (crypto.Signer, error)
}

// Config defines configuration for the key manager.
type Config struct {
	Type string `env:"KEY_MANAGER, default=FILESYSTEM"`

	// FilesystemRoot is the root path where keys are managed on the filesystem.
	FilesystemRoot string `env:"KEY_FILESYSTEM_ROOT, default=./local/keys"`
}

// managers is the list of registered key manager constructors.
var (
	managersLock sync.RWMutex
	managers     = make(map[string]ManagerFunc)
)

// ManagerFunc is a constructor for a key manager.
type ManagerFunc func(ctx context.Context, cfg *Config) (KeyManager, error)

// RegisterManager registers a new key manager with the given name. If a
// manager is already registered with the name, it panics.
func RegisterManager(name string, fn ManagerFunc) {
	managersLock.Lock()
	defer managersLock.Unlock()

	if _, ok := managers[name]; ok {
		panic(fmt.Sprintf("key manager %q is already registered", name))
	}
	managers[name] = fn
}

// KeyManagerFor returns the appropriate key manager for the given type.
func KeyManagerFor(ctx context.Context, cfg *Config) (KeyManager, error) {
	managersLock.RLock()
	defer managersLock.RUnlock()

	typ := cfg.Type
	if fn, ok := managers[typ]; ok {
		return fn(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown key manager type: %v", typ)
}
