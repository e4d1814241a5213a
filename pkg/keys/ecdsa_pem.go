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
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ParseECDSAPublicKey is a convenience function for decoding an ECDSA public
// key in PEM format.
func ParseECDSAPublicKey(pemBlock string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemBlock))
	if block == nil {
		return nil, errors.New("unable to decode PEM block containing PUBLIC KEY")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("x509.ParsePKIXPublicKey: %w", err)
	}

	switch typ := pub.(type) {
	case *ecdsa.PublicKey:
		return typ, nil
	default:
		return nil, fmt.Errorf("unsupported public key type: %T", typ)
	}
}

// ParseECDSAPrivateKey decodes an ECDSA private key in PEM format. Both
// PKCS#8 and SEC1 encodings are accepted; the loader detects the format from
// the PEM block.
func ParseECDSAPrivateKey(pemBlock string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemBlock))
	if block == nil {
		return nil, errors.New("unable to decode PEM block containing PRIVATE KEY")
	}

	if priv, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return priv, nil
	}

	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("x509.ParsePKCS8PrivateKey: %w", err)
	}
	switch typ := priv.(type) {
	case *ecdsa.PrivateKey:
		return typ, nil
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", typ)
	}
}
