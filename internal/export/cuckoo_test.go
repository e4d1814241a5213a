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

package export

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	mrand "math/rand"
	"testing"

	"github.com/radarcovid/gaen-server/internal/exposed/model"
)

func TestMarshalUMAExportFile(t *testing.T) {
	t.Parallel()

	signer, pk := testSigner(t)
	keys := testKeys(t, 140)

	archive, err := MarshalUMAExportFile(testBatch(), keys, signer)
	if err != nil {
		t.Fatalf("MarshalUMAExportFile: %v", err)
	}

	raw, err := ArchiveEntry(archive, "export.bin")
	if err != nil {
		t.Fatal(err)
	}

	// Header carries the public filter parameters.
	if string(raw[:4]) != "UMAF" {
		t.Fatalf("filter magic = %q", raw[:4])
	}
	if raw[5] != FilterFingerprintBits {
		t.Errorf("fingerprint bits = %d, want %d", raw[5], FilterFingerprintBits)
	}
	capacity := binary.BigEndian.Uint32(raw[8:12])
	if capacity != 256 {
		t.Errorf("capacity = %d, want 256 (next power of two over 140)", capacity)
	}
	if count := binary.BigEndian.Uint32(raw[12:16]); count != 140 {
		t.Errorf("count = %d, want 140", count)
	}

	// Every real key is a member.
	cf, err := UnmarshalFilter(raw)
	if err != nil {
		t.Fatalf("UnmarshalFilter: %v", err)
	}
	for _, k := range keys {
		if !cf.Lookup(HashTemporaryExposureKey(k)) {
			t.Fatalf("filter missing key %s", k.ExposureKeyBase64())
		}
	}

	// The signature covers the filter bytes, not a protobuf.
	digest := sha256.Sum256(raw)
	sigList, err := UnmarshalSignatureFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	if !ecdsa.VerifyASN1(&pk.PublicKey, digest[:], sigList.GetSignatures()[0].GetSignature()) {
		t.Errorf("signature does not verify over filter contents")
	}
}

func TestFilterFalsePositiveRate(t *testing.T) {
	t.Parallel()

	signer, _ := testSigner(t)
	keys := testKeys(t, 140)

	archive, err := MarshalUMAExportFile(testBatch(), keys, signer)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := ArchiveEntry(archive, "export.bin")
	if err != nil {
		t.Fatal(err)
	}
	cf, err := UnmarshalFilter(raw)
	if err != nil {
		t.Fatal(err)
	}

	// Probe with random keys that were never inserted; the observed false
	// positive rate must stay below the declared bound.
	rng := mrand.New(mrand.NewSource(1))
	const samples = 10000
	falsePositives := 0
	for i := 0; i < samples; i++ {
		probe := &model.TemporaryExposureKey{
			KeyData:            make([]byte, 16),
			RollingStartNumber: 2688768,
		}
		rng.Read(probe.KeyData)
		if cf.Lookup(HashTemporaryExposureKey(probe)) {
			falsePositives++
		}
	}
	if rate := float64(falsePositives) / samples; rate >= FilterFalsePositiveRate {
		t.Errorf("false positive rate %.4f exceeds declared bound %.4f", rate, FilterFalsePositiveRate)
	}
}

func TestFilterDeterminism(t *testing.T) {
	t.Parallel()

	signer, _ := testSigner(t)
	keys := testKeys(t, 64)

	first, err := MarshalUMAExportFile(testBatch(), keys, signer)
	if err != nil {
		t.Fatal(err)
	}
	second, err := MarshalUMAExportFile(testBatch(), keys, signer)
	if err != nil {
		t.Fatal(err)
	}

	firstRaw, err := ArchiveEntry(first, "export.bin")
	if err != nil {
		t.Fatal(err)
	}
	secondRaw, err := ArchiveEntry(second, "export.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(firstRaw, secondRaw) {
		t.Errorf("filter bytes differ between identical builds")
	}
}

func TestHashTemporaryExposureKeyBindsInterval(t *testing.T) {
	t.Parallel()

	keyData := make([]byte, 16)
	a := &model.TemporaryExposureKey{KeyData: keyData, RollingStartNumber: 100}
	b := &model.TemporaryExposureKey{KeyData: keyData, RollingStartNumber: 244}
	if bytes.Equal(HashTemporaryExposureKey(a), HashTemporaryExposureKey(b)) {
		t.Errorf("hash ignores the rolling start number")
	}
}
