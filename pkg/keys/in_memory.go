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

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"
)

func init() {
	RegisterManager("IN_MEMORY", func(ctx context.Context, cfg *Config) (KeyManager, error) {
		return NewInMemory(ctx), nil
	})
}

var _ KeyManager = (*InMemory)(nil)

// InMemory is a key manager that holds keys in memory. It is only suitable
// for testing.
type InMemory struct {
	mu          sync.RWMutex
	signingKeys map[string]*ecdsa.PrivateKey
}

// NewInMemory creates a new in-memory key manager.
func NewInMemory(ctx context.Context) *InMemory {
	return &InMemory{
		signingKeys: make(map[string]*ecdsa.PrivateKey),
	}
}

// NewSigner returns a signer for the named key.
func (k *InMemory) NewSigner(ctx context.Context, keyID string) (crypto.Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	pk, ok := k.signingKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("key not found: %q", keyID)
	}
	return pk, nil
}

// AddSigningKey generates a new P-256 key under the given name and returns
// it.
func (k *InMemory) AddSigningKey(keyID string) (*ecdsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	k.signingKeys[keyID] = pk
	return pk, nil
}
