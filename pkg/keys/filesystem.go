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
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

func init() {
	RegisterManager("FILESYSTEM", NewFilesystem)
}

var _ KeyManager = (*Filesystem)(nil)

// Filesystem is a key manager that uses the filesystem to store and retrieve
// keys. Each key lives at <root>/<name>.pem as a PEM encoded EC private key.
type Filesystem struct {
	root string
	mu   sync.RWMutex
}

// NewFilesystem creates a new KeyManager backed by the local filesystem.
func NewFilesystem(ctx context.Context, cfg *Config) (KeyManager, error) {
	root := cfg.FilesystemRoot
	if root != "" {
		if err := os.MkdirAll(root, 0o700); err != nil {
			return nil, err
		}
	}

	return &Filesystem{
		root: root,
	}, nil
}

// NewSigner creates a new signer from the named key. If the key does not
// exist or is not an EC private key, it returns an error.
func (k *Filesystem) NewSigner(ctx context.Context, keyID string) (crypto.Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	pth := filepath.Join(k.root, keyID+".pem")
	b, err := os.ReadFile(pth)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	pk, err := ParseECDSAPrivateKey(string(b))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %q: %w", keyID, err)
	}

	return pk, nil
}
