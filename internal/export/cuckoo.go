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
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/radarcovid/gaen-server/internal/exposed/model"
)

// The v2UMA payload replaces the full key list with a Cuckoo filter over
// hashed keys. The parameters are fixed for the version: 8 bit fingerprints
// in buckets of 4, which bounds the false positive rate at about 3% when the
// filter is at capacity.
const (
	filterMagic   = "UMAF"
	filterVersion = uint8(1)

	// FilterFingerprintBits is the fingerprint width of the filter.
	FilterFingerprintBits = uint8(8)

	// FilterFalsePositiveRate is the declared upper bound on the false
	// positive probability.
	FilterFalsePositiveRate = 0.03
)

// filterHeaderSize is the fixed prefix carrying the filter's public
// parameters: magic(4) version(1) fingerprint(1) reserved(2) capacity(4)
// count(4).
const filterHeaderSize = 16

// HashTemporaryExposureKey derives the filter item for a key: the SHA-256 of
// the key material concatenated with the big-endian rolling start number.
// Clients apply the same derivation before membership tests.
func HashTemporaryExposureKey(k *model.TemporaryExposureKey) []byte {
	buf := make([]byte, 0, len(k.KeyData)+4)
	buf = append(buf, k.KeyData...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(k.RollingStartNumber))
	digest := sha256.Sum256(buf)
	return digest[:]
}

// MarshalUMAExportFile builds the v2UMA artifact: the encoded Cuckoo filter
// with its parameter header as export.bin, signed the same way as the
// protobuf variant.
func MarshalUMAExportFile(eb *Batch, keys []*model.TemporaryExposureKey, signer *Signer) ([]byte, error) {
	filterContents, err := marshalFilter(keys)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal key filter: %w", err)
	}

	sigContents, err := marshalSignature(filterContents, signer)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal signature file: %w", err)
	}

	return packArchive(filterContents, sigContents)
}

func marshalFilter(keys []*model.TemporaryExposureKey) ([]byte, error) {
	// Deterministic insertion order gives byte-identical filters for the same
	// key set.
	sortExposures(keys)

	capacity := nextPow2(uint(len(keys)))
	cf := cuckoo.NewFilter(capacity)
	for _, k := range keys {
		if !cf.Insert(HashTemporaryExposureKey(k)) {
			return nil, fmt.Errorf("filter rejected insert at %d of %d keys", cf.Count(), len(keys))
		}
	}

	encoded := cf.Encode()

	out := make([]byte, 0, filterHeaderSize+len(encoded))
	out = append(out, filterMagic...)
	out = append(out, filterVersion, FilterFingerprintBits, 0, 0)
	out = binary.BigEndian.AppendUint32(out, uint32(capacity))
	out = binary.BigEndian.AppendUint32(out, uint32(len(keys)))
	out = append(out, encoded...)
	return out, nil
}

// UnmarshalFilter decodes an export.bin filter payload back into a queryable
// filter. Used by tests and verification tooling.
func UnmarshalFilter(contents []byte) (*cuckoo.Filter, error) {
	if len(contents) < filterHeaderSize || string(contents[:4]) != filterMagic {
		return nil, fmt.Errorf("unknown filter header")
	}
	if contents[4] != filterVersion {
		return nil, fmt.Errorf("unsupported filter version: %d", contents[4])
	}
	return cuckoo.Decode(contents[filterHeaderSize:])
}

func nextPow2(n uint) uint {
	p := uint(1)
	for p < n {
		p <<= 1
	}
	return p
}
