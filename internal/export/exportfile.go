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

// Package export assembles the downloadable artifacts: the GAEN protobuf
// export with its detached ECDSA signature (v1/v2), and the Cuckoo filter
// payload of the v2UMA variant. Both ship as a zip with entries export.bin
// and export.sig.
package export

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/radarcovid/gaen-server/internal/exposed/model"
	exportpb "github.com/radarcovid/gaen-server/internal/pb/export"
)

const (
	exportBinaryName    = "export.bin"
	exportSignatureName = "export.sig"

	// http://oid-info.com/get/1.2.840.10045.4.3.2
	DefaultAlgorithm = "1.2.840.10045.4.3.2"
)

var (
	fixedHeader      = []byte("EK Export v1    ")
	fixedHeaderWidth = 16
)

// SignatureInfo identifies the verification key of a batch.
type SignatureInfo struct {
	SigningKeyVersion string
	SigningKeyID      string
	Algorithm         string
}

// Signer pairs a crypto signer with the metadata clients use to look up the
// verification key.
type Signer struct {
	SignatureInfo *SignatureInfo
	Signer        crypto.Signer
}

// Batch describes the released window an artifact covers.
type Batch struct {
	StartTimestamp time.Time
	EndTimestamp   time.Time
	Region         string
}

// MarshalExportFile converts the inputs into the zipped protobuf artifact.
func MarshalExportFile(eb *Batch, keys []*model.TemporaryExposureKey, signer *Signer) ([]byte, error) {
	expContents, err := marshalContents(eb, keys, signer)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal exposure keys: %w", err)
	}

	sigContents, err := marshalSignature(expContents, signer)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal signature file: %w", err)
	}

	return packArchive(expContents, sigContents)
}

// packArchive zips the payload and its signature under the fixed entry
// names.
func packArchive(expContents, sigContents []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	zf, err := zw.Create(exportBinaryName)
	if err != nil {
		return nil, fmt.Errorf("unable to create zip entry for export: %w", err)
	}
	if _, err := zf.Write(expContents); err != nil {
		return nil, fmt.Errorf("unable to write export to archive: %w", err)
	}
	zf, err = zw.Create(exportSignatureName)
	if err != nil {
		return nil, fmt.Errorf("unable to create zip entry for signature: %w", err)
	}
	if _, err := zf.Write(sigContents); err != nil {
		return nil, fmt.Errorf("unable to write signature to archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("unable to close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func sortExposures(keys []*model.TemporaryExposureKey) {
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].KeyData, keys[j].KeyData) < 0
	})
}

func makeTEK(k *model.TemporaryExposureKey) *exportpb.TemporaryExposureKey {
	pbek := exportpb.TemporaryExposureKey{
		KeyData:                    k.KeyData,
		TransmissionRiskLevel:      proto.Int32(k.TransmissionRiskLevel),
		RollingStartIntervalNumber: proto.Int32(k.RollingStartNumber),
	}
	// The proto default covers a full-day period.
	if k.RollingPeriod != exportpb.Default_TemporaryExposureKey_RollingPeriod {
		pbek.RollingPeriod = proto.Int32(k.RollingPeriod)
	}
	if rt := reportType(k.ReportType); rt != exportpb.TemporaryExposureKey_UNKNOWN {
		pbek.ReportType = rt.Enum()
	}
	if k.DaysSinceOnsetOfSymptoms != nil {
		pbek.DaysSinceOnsetOfSymptoms = proto.Int32(*k.DaysSinceOnsetOfSymptoms)
	}
	return &pbek
}

// reportType maps the EFGS numeric report type onto the GAEN enum.
func reportType(rt int32) exportpb.TemporaryExposureKey_ReportType {
	if rt >= 1 && rt <= 5 {
		return exportpb.TemporaryExposureKey_ReportType(rt)
	}
	return exportpb.TemporaryExposureKey_UNKNOWN
}

// marshalContents builds the export.bin payload: the fixed 16 byte header
// followed by the serialized TemporaryExposureKeyExport. Keys are sorted by
// key data; the order is part of the signed contract.
func marshalContents(eb *Batch, keys []*model.TemporaryExposureKey, signer *Signer) ([]byte, error) {
	exportBytes := fixedHeader
	if len(exportBytes) != fixedHeaderWidth {
		return nil, fmt.Errorf("incorrect header length: %d", len(exportBytes))
	}

	sortExposures(keys)
	pbeks := make([]*exportpb.TemporaryExposureKey, 0, len(keys))
	for _, k := range keys {
		pbeks = append(pbeks, makeTEK(k))
	}

	pbeke := exportpb.TemporaryExposureKeyExport{
		StartTimestamp: proto.Uint64(uint64(eb.StartTimestamp.Unix())),
		EndTimestamp:   proto.Uint64(uint64(eb.EndTimestamp.Unix())),
		Region:         proto.String(eb.Region),
		// All batches are size one: the unit of atomicity is a single file.
		BatchNum:       proto.Int32(1),
		BatchSize:      proto.Int32(1),
		Keys:           pbeks,
		SignatureInfos: []*exportpb.SignatureInfo{createSignatureInfo(signer.SignatureInfo)},
	}
	protoBytes, err := proto.MarshalOptions{Deterministic: true}.Marshal(&pbeke)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal exposure keys: %w", err)
	}
	return append(exportBytes, protoBytes...), nil
}

func createSignatureInfo(si *SignatureInfo) *exportpb.SignatureInfo {
	algorithm := si.Algorithm
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	sigInfo := &exportpb.SignatureInfo{SignatureAlgorithm: proto.String(algorithm)}
	if si.SigningKeyVersion != "" {
		sigInfo.VerificationKeyVersion = proto.String(si.SigningKeyVersion)
	}
	if si.SigningKeyID != "" {
		sigInfo.VerificationKeyId = proto.String(si.SigningKeyID)
	}
	return sigInfo
}

func marshalSignature(exportContents []byte, signer *Signer) ([]byte, error) {
	sig, err := generateSignature(exportContents, signer.Signer)
	if err != nil {
		return nil, fmt.Errorf("unable to generate signature: %w", err)
	}
	teksl := exportpb.TEKSignatureList{
		Signatures: []*exportpb.TEKSignature{
			{
				SignatureInfo: createSignatureInfo(signer.SignatureInfo),
				BatchNum:      proto.Int32(1),
				BatchSize:     proto.Int32(1),
				Signature:     sig,
			},
		},
	}
	protoBytes, err := proto.Marshal(&teksl)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal signature file: %w", err)
	}
	return protoBytes, nil
}

func generateSignature(data []byte, signer crypto.Signer) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("unable to sign: %w", err)
	}
	return sig, nil
}

// UnmarshalExportFile extracts the protobuf payload from a zipped artifact.
// Returns the parsed message and the SHA256 digest of the signed content.
func UnmarshalExportFile(zippedPayload []byte) (*exportpb.TemporaryExposureKeyExport, []byte, error) {
	content, err := ArchiveEntry(zippedPayload, exportBinaryName)
	if err != nil {
		return nil, nil, err
	}

	digest := sha256.Sum256(content)

	if len(content) < fixedHeaderWidth || !bytes.Equal(content[:fixedHeaderWidth], fixedHeader) {
		return nil, nil, fmt.Errorf("unknown export header")
	}

	message := new(exportpb.TemporaryExposureKeyExport)
	if err := proto.Unmarshal(content[fixedHeaderWidth:], message); err != nil {
		return nil, nil, err
	}
	return message, digest[:], nil
}

// UnmarshalSignatureFile extracts the signature list from a zipped artifact.
func UnmarshalSignatureFile(zippedPayload []byte) (*exportpb.TEKSignatureList, error) {
	content, err := ArchiveEntry(zippedPayload, exportSignatureName)
	if err != nil {
		return nil, err
	}

	message := new(exportpb.TEKSignatureList)
	if err := proto.Unmarshal(content, message); err != nil {
		return nil, err
	}
	return message, nil
}

func ArchiveEntry(zippedPayload []byte, name string) ([]byte, error) {
	zp, err := zip.NewReader(bytes.NewReader(zippedPayload), int64(len(zippedPayload)))
	if err != nil {
		return nil, fmt.Errorf("can't read payload: %w", err)
	}
	for _, file := range zp.File {
		if file.Name != name {
			continue
		}
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return nil, fmt.Errorf("payload is invalid: no %v file was found", name)
}
