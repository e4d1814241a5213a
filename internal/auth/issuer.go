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

package auth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"

	"github.com/radarcovid/gaen-server/pkg/keys"
)

// Issuer mints the exposed-next-day tokens handed out after a v1 upload.
type Issuer struct {
	privateKey *ecdsa.PrivateKey
	validity   time.Duration
}

// NewIssuer resolves the named signing key from the key manager. The key must
// be an EC key; ES256 is the only supported algorithm.
func NewIssuer(ctx context.Context, km keys.KeyManager, keyName string, validity time.Duration) (*Issuer, error) {
	signer, err := km.NewSigner(ctx, keyName)
	if err != nil {
		return nil, fmt.Errorf("resolving JWT signing key %q: %w", keyName, err)
	}
	pk, ok := signer.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("JWT signing key %q is not an EC private key", keyName)
	}

	return &Issuer{
		privateKey: pk,
		validity:   validity,
	}, nil
}

// IssueDelayedKeyToken creates a token authorizing the upload of exactly one
// key whose rolling start equals delayedKeyDate, on the following day. The
// onset and fake claims are copied from the original upload's principal so
// the insert pipeline applies the same checks.
func (i *Issuer) IssueDelayedKeyToken(ctx context.Context, p *Principal, delayedKeyDate int32, now time.Time) (string, error) {
	claims := &Claims{
		Scope:          ScopeExposedNextDay,
		Onset:          p.claims.Onset,
		Fake:           p.claims.Fake,
		DelayedKeyDate: strconv.FormatInt(int64(delayedKeyDate), 10),
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.New().String(),
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(i.validity).Unix(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(i.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing delayed key token: %w", err)
	}
	return signed, nil
}
