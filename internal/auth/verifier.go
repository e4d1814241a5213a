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
	"strings"

	"github.com/golang-jwt/jwt"

	"github.com/radarcovid/gaen-server/pkg/clock"
	"github.com/radarcovid/gaen-server/pkg/keys"
)

// Verifier turns an Authorization header value into a verified Principal.
type Verifier interface {
	Verify(ctx context.Context, authorization string) (*Principal, error)
}

var _ Verifier = (*ECVerifier)(nil)

// ECVerifier verifies ES256 signed upload tokens against a fixed public key.
type ECVerifier struct {
	publicKey *ecdsa.PublicKey
}

// NewECVerifier builds a verifier from a PEM encoded EC public key.
func NewECVerifier(publicKeyPEM string) (*ECVerifier, error) {
	pub, err := keys.ParseECDSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing token verification key: %w", err)
	}
	return &ECVerifier{publicKey: pub}, nil
}

// NewECVerifierFromKey builds a verifier over an already parsed public key,
// e.g. the public half of the server's own next-day signing key.
func NewECVerifierFromKey(pub *ecdsa.PublicKey) *ECVerifier {
	return &ECVerifier{publicKey: pub}
}

// Verify parses and verifies the bearer token. Expiry, issued-at and
// not-before are checked against the clock carried by ctx; any failure maps
// to ErrAuthFailure.
func (v *ECVerifier) Verify(ctx context.Context, authorization string) (*Principal, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return nil, fmt.Errorf("%w: missing bearer token", ErrAuthFailure)
	}
	raw := authorization[len(prefix):]

	var claims Claims
	parser := &jwt.Parser{SkipClaimsValidation: true}
	token, err := parser.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if method, ok := token.Method.(*jwt.SigningMethodECDSA); !ok || method.Name != jwt.SigningMethodES256.Name {
			return nil, fmt.Errorf("unsupported signing method, must be %v", jwt.SigningMethodES256.Name)
		}
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrAuthFailure)
	}
	now := clock.Now(ctx).Unix()
	if !claims.VerifyExpiresAt(now, false) || !claims.VerifyIssuedAt(now, false) || !claims.VerifyNotBefore(now, false) {
		return nil, fmt.Errorf("%w: token is expired or not yet valid", ErrAuthFailure)
	}

	return NewPrincipal(&claims), nil
}

var _ Verifier = (*Passthrough)(nil)

// Passthrough returns a fixed principal without verifying anything. Tests
// only.
type Passthrough struct {
	Principal *Principal
	Err       error
}

// Verify implements Verifier.
func (p *Passthrough) Verify(ctx context.Context, authorization string) (*Principal, error) {
	return p.Principal, p.Err
}
