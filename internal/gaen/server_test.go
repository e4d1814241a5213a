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

package gaen

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"

	"github.com/radarcovid/gaen-server/internal/auth"
	"github.com/radarcovid/gaen-server/internal/export"
	exposeddb "github.com/radarcovid/gaen-server/internal/exposed/database"
	"github.com/radarcovid/gaen-server/internal/exposed/model"
	"github.com/radarcovid/gaen-server/internal/serverenv"
	v1 "github.com/radarcovid/gaen-server/pkg/api/v1"
	v2 "github.com/radarcovid/gaen-server/pkg/api/v2"
	"github.com/radarcovid/gaen-server/pkg/clock"
	"github.com/radarcovid/gaen-server/pkg/keys"
	"github.com/radarcovid/gaen-server/pkg/timegrid"
)

// memExposed is an in-memory stand-in for the exposed key store.
type memExposed struct {
	mu   sync.Mutex
	rows map[string]*model.TemporaryExposureKey
}

func newMemExposed() *memExposed {
	return &memExposed{rows: make(map[string]*model.TemporaryExposureKey)}
}

func (m *memExposed) UpsertExposures(ctx context.Context, ks []*model.TemporaryExposureKey, receivedAt time.Time, country string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inserted int64
	for _, k := range ks {
		id := fmt.Sprintf("%s|%d", k.ExposureKeyBase64(), k.RollingStartNumber)
		if _, ok := m.rows[id]; ok {
			continue
		}
		row := *k
		if row.ReceivedAt.IsZero() {
			row.ReceivedAt = receivedAt
		}
		row.Country = country
		m.rows[id] = &row
		inserted++
	}
	return inserted, nil
}

func (m *memExposed) SortedExposedSince(ctx context.Context, criteria exposeddb.IterateCriteria) ([]*model.TemporaryExposureKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	contains := func(filter []string, v string) bool {
		if len(filter) == 0 {
			return true
		}
		for _, f := range filter {
			if f == v {
				return true
			}
		}
		return false
	}

	var out []*model.TemporaryExposureKey
	for _, k := range m.rows {
		if k.ReceivedAt.Before(criteria.Since) || !k.ReceivedAt.Before(criteria.Until) {
			continue
		}
		if !contains(criteria.VisitedCountries, k.Country) || !contains(criteria.OriginCountries, k.Origin) {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].KeyData, out[j].KeyData) < 0
	})
	return out, nil
}

func (m *memExposed) DeleteExposuresBefore(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := timegrid.IntervalNumber(now.Add(-retention))
	var count int64
	for id, k := range m.rows {
		if k.RollingStartNumber < cutoff {
			delete(m.rows, id)
			count++
		}
	}
	return count, nil
}

func (m *memExposed) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// memRedeem is an in-memory nonce store.
type memRedeem struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

func newMemRedeem() *memRedeem {
	return &memRedeem{nonces: make(map[string]time.Time)}
}

func (m *memRedeem) Insert(ctx context.Context, id string, expiry time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nonces[id]; ok {
		return false, nil
	}
	m.nonces[id] = expiry
	return true, nil
}

func (m *memRedeem) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, exp := range m.nonces {
		if exp.Before(before) {
			delete(m.nonces, id)
			count++
		}
	}
	return count, nil
}

type testEnv struct {
	server  *Server
	router  http.Handler
	exposed *memExposed
	tokenPK *ecdsa.PrivateKey
	config  *Config
}

func newTestEnv(tb testing.TB, mutate func(*Config)) *testEnv {
	tb.Helper()

	ctx := context.Background()

	tokenPK, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(tokenPK.Public())
	if err != nil {
		tb.Fatal(err)
	}
	tokenPub := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	km := keys.NewInMemory(ctx)
	if _, err := km.AddSigningKey("gaen"); err != nil {
		tb.Fatal(err)
	}
	if _, err := km.AddSigningKey("nextDayJWT"); err != nil {
		tb.Fatal(err)
	}
	if _, err := km.AddSigningKey("hashFilter"); err != nil {
		tb.Fatal(err)
	}

	cfg := &Config{
		ReleaseBucketDuration:   2 * time.Hour,
		RequestTime:             0,
		ExposedListCacheControl: 5 * time.Minute,
		RetentionDays:           14,
		KeySizeBytes:            16,
		RandomKeyAmount:         10,
		Algorithm:               export.DefaultAlgorithm,
		Region:                  "es",
		KeyVersion:              "v1",
		KeyIdentifier:           "214",
		TimeSkew:                2 * time.Hour,
		CountryOrigin:           "ES",
		ReportType:              1,
		UploadTokenPublicKey:    tokenPub,
		ExportSigningKey:        "gaen",
		NextDayJWTKey:           "nextDayJWT",
		NextDayJWTValidity:      48 * time.Hour,
		ResponsePaddingMinBytes: 8,
		ResponsePaddingRange:    8,
	}
	if mutate != nil {
		mutate(cfg)
	}

	env := serverenv.New(ctx, serverenv.WithKeyManager(km))
	exposed := newMemExposed()
	srv, err := newServer(ctx, cfg, env, exposed, newMemRedeem())
	if err != nil {
		tb.Fatal(err)
	}

	return &testEnv{
		server:  srv,
		router:  srv.Routes(ctx),
		exposed: exposed,
		tokenPK: tokenPK,
		config:  cfg,
	}
}

// uploadToken mints a health-authority style upload token.
func (te *testEnv) uploadToken(tb testing.TB, onset string, fake string, now time.Time) string {
	tb.Helper()

	claims := &auth.Claims{
		Scope: auth.ScopeExposed,
		Onset: onset,
		Fake:  fake,
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.New().String(),
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(time.Hour).Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(te.tokenPK)
	if err != nil {
		tb.Fatal(err)
	}
	return signed
}

func (te *testEnv) do(tb testing.TB, method, path string, now time.Time, body interface{}, token string) *httptest.ResponseRecorder {
	tb.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			tb.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req = req.WithContext(clock.WithTime(req.Context(), now))
	req.Header.Set("User-Agent", "org.example.radar;1.0.5;Android;29")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	te.router.ServeHTTP(w, req)
	return w
}

func wireKeys(tb testing.TB, n int, start int32, period int32) []v1.GaenKey {
	tb.Helper()

	out := make([]v1.GaenKey, 0, n)
	for i := 0; i < n; i++ {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			tb.Fatal(err)
		}
		out = append(out, v1.GaenKey{
			KeyData:            base64.StdEncoding.EncodeToString(raw),
			RollingStartNumber: start,
			RollingPeriod:      period,
		})
	}
	return out
}

func TestHello(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)

	for _, version := range []string{"v1", "v2", "v2UMA"} {
		w := te.do(t, http.MethodGet, "/"+version+"/gaen", now, nil, "")
		if w.Code != http.StatusOK {
			t.Errorf("GET /%s/gaen = %d, want 200", version, w.Code)
		}
		if !bytes.Contains(w.Body.Bytes(), []byte("Hello")) {
			t.Errorf("hello body = %q", w.Body.String())
		}
	}
}

func TestDownloadEmptyState(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)

	w := te.do(t, http.MethodGet, "/v2UMA/gaen/exposed", now, nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("empty download = %d, want 204", w.Code)
	}
	wantTag := fmt.Sprintf("%d", timegrid.UnixMillis(timegrid.BucketStart(now, te.config.ReleaseBucketDuration)))
	if got := w.Header().Get("x-key-bundle-tag"); got != wantTag {
		t.Errorf("x-key-bundle-tag = %q, want %q", got, wantTag)
	}
	wantExpires := timegrid.NextBucket(now, te.config.ReleaseBucketDuration).Format(http.TimeFormat)
	if got := w.Header().Get("Expires"); got != wantExpires {
		t.Errorf("Expires = %q, want %q", got, wantExpires)
	}
}

func TestUploadThenRelease(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	bucket := te.config.ReleaseBucketDuration
	uploadAt := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)

	// 29 keys from yesterday plus the same-day key.
	yesterday := timegrid.IntervalNumber(uploadAt.Add(-24 * time.Hour))
	today := timegrid.DayStartInterval(timegrid.IntervalNumber(uploadAt))
	body := &v2.GaenRequest{GaenKeys: append(wireKeys(t, 29, yesterday, 144), wireKeys(t, 1, today, 144)...)}

	w := te.do(t, http.MethodPost, "/v2/gaen/exposed", uploadAt, body, te.uploadToken(t, "2021-02-01", "0", uploadAt))
	if w.Code != http.StatusOK {
		t.Fatalf("upload = %d, body %s", w.Code, w.Body.String())
	}
	if te.exposed.len() != 30 {
		t.Fatalf("stored = %d, want 30", te.exposed.len())
	}

	lastTag := fmt.Sprintf("%d", timegrid.UnixMillis(timegrid.BucketStart(uploadAt, bucket).Add(-bucket)))

	// Same bucket: nothing is released yet.
	w = te.do(t, http.MethodGet, "/v2/gaen/exposed?lastKeyBundleTag="+lastTag, uploadAt, nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("same-bucket read = %d, want 204", w.Code)
	}

	// One bucket later the batch is out, except the embargoed same-day key.
	later := timegrid.NextBucket(uploadAt, bucket).Add(time.Minute)
	w = te.do(t, http.MethodGet, "/v2/gaen/exposed?lastKeyBundleTag="+lastTag, later, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("next-bucket read = %d, want 200", w.Code)
	}
	exportFile, _, err := export.UnmarshalExportFile(w.Body.Bytes())
	if err != nil {
		t.Fatalf("UnmarshalExportFile: %v", err)
	}
	if got := len(exportFile.GetKeys()); got != 29 {
		t.Errorf("released keys = %d, want 29 (same-day key embargoed)", got)
	}

	// At 01:00 the day after, the same-day key is still embargoed; at 04:00
	// its bucket has closed and it is out.
	nextDay1 := time.Date(2021, 2, 12, 1, 0, 0, 0, time.UTC)
	w = te.do(t, http.MethodGet, "/v2/gaen/exposed?lastKeyBundleTag="+lastTag, nextDay1, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("next-day 01:00 read = %d, want 200", w.Code)
	}
	exportFile, _, err = export.UnmarshalExportFile(w.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(exportFile.GetKeys()); got != 29 {
		t.Errorf("keys at 01:00 D+1 = %d, want 29", got)
	}

	nextDay4 := time.Date(2021, 2, 12, 4, 0, 0, 0, time.UTC)
	w = te.do(t, http.MethodGet, "/v2/gaen/exposed?lastKeyBundleTag="+lastTag, nextDay4, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("next-day 04:00 read = %d, want 200", w.Code)
	}
	exportFile, _, err = export.UnmarshalExportFile(w.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(exportFile.GetKeys()); got != 30 {
		t.Errorf("keys at 04:00 D+1 = %d, want 30", got)
	}
}

func TestUploadIdempotent(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)
	yesterday := timegrid.IntervalNumber(now.Add(-24 * time.Hour))
	body := &v2.GaenRequest{GaenKeys: wireKeys(t, 5, yesterday, 144)}

	for i := 0; i < 2; i++ {
		w := te.do(t, http.MethodPost, "/v2/gaen/exposed", now, body, te.uploadToken(t, "2021-02-01", "0", now))
		if w.Code != http.StatusOK {
			t.Fatalf("upload %d = %d, body %s", i, w.Code, w.Body.String())
		}
	}
	if te.exposed.len() != 5 {
		t.Errorf("stored = %d after duplicate upload, want 5", te.exposed.len())
	}

	// Identical state yields byte-identical export payloads.
	later := timegrid.NextBucket(now, te.config.ReleaseBucketDuration).Add(time.Minute)
	first := te.do(t, http.MethodGet, "/v2/gaen/exposed", later, nil, "")
	second := te.do(t, http.MethodGet, "/v2/gaen/exposed", later, nil, "")
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("reads = %d, %d; want 200, 200", first.Code, second.Code)
	}
	firstBin, _, err := export.UnmarshalExportFile(first.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	secondBin, _, err := export.UnmarshalExportFile(second.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if firstBin.String() != secondBin.String() {
		t.Errorf("export payloads differ across identical reads")
	}
}

func TestTokenReplayRejected(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)
	yesterday := timegrid.IntervalNumber(now.Add(-24 * time.Hour))
	body := &v2.GaenRequest{GaenKeys: wireKeys(t, 1, yesterday, 144)}
	token := te.uploadToken(t, "2021-02-01", "0", now)

	if w := te.do(t, http.MethodPost, "/v2/gaen/exposed", now, body, token); w.Code != http.StatusOK {
		t.Fatalf("first upload = %d", w.Code)
	}
	if w := te.do(t, http.MethodPost, "/v2/gaen/exposed", now, body, token); w.Code != http.StatusForbidden {
		t.Errorf("replayed upload = %d, want 403", w.Code)
	}
}

func TestUploadAuthFailures(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)
	yesterday := timegrid.IntervalNumber(now.Add(-24 * time.Hour))
	body := &v2.GaenRequest{GaenKeys: wireKeys(t, 1, yesterday, 144)}

	// Missing token.
	if w := te.do(t, http.MethodPost, "/v2/gaen/exposed", now, body, ""); w.Code != http.StatusForbidden {
		t.Errorf("missing token = %d, want 403", w.Code)
	}

	// Token signed by an unknown key.
	otherPK, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	claims := &auth.Claims{
		Scope: auth.ScopeExposed,
		Onset: "2021-02-01",
		Fake:  "0",
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.New().String(),
			ExpiresAt: now.Add(time.Hour).Unix(),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(otherPK)
	if err != nil {
		t.Fatal(err)
	}
	if w := te.do(t, http.MethodPost, "/v2/gaen/exposed", now, body, forged); w.Code != http.StatusForbidden {
		t.Errorf("forged token = %d, want 403", w.Code)
	}
}

func TestUploadBadKeyFormat(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)
	yesterday := timegrid.IntervalNumber(now.Add(-24 * time.Hour))

	body := &v2.GaenRequest{GaenKeys: []v1.GaenKey{{
		KeyData:            base64.StdEncoding.EncodeToString(make([]byte, 8)),
		RollingStartNumber: yesterday,
		RollingPeriod:      144,
	}}}
	w := te.do(t, http.MethodPost, "/v2/gaen/exposed", now, body, te.uploadToken(t, "2021-02-01", "0", now))
	if w.Code != http.StatusBadRequest {
		t.Errorf("short key upload = %d, want 400", w.Code)
	}
	if te.exposed.len() != 0 {
		t.Errorf("store not empty after rejected upload")
	}
}

func TestFakeUploadIndistinguishable(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)
	yesterday := timegrid.IntervalNumber(now.Add(-24 * time.Hour))
	body := &v2.GaenRequest{GaenKeys: wireKeys(t, 14, yesterday, 144)}

	w := te.do(t, http.MethodPost, "/v2/gaen/exposed", now, body, te.uploadToken(t, "2021-02-01", "1", now))
	if w.Code != http.StatusOK {
		t.Fatalf("fake upload = %d, want 200", w.Code)
	}
	if te.exposed.len() != 0 {
		t.Errorf("fake upload stored %d keys, want 0", te.exposed.len())
	}

	var resp v2.UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Padding == "" {
		t.Errorf("fake upload response carries no padding")
	}
}

func TestTagValidation(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	bucket := te.config.ReleaseBucketDuration
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)

	misaligned := timegrid.UnixMillis(timegrid.BucketStart(now, bucket)) + 1
	w := te.do(t, http.MethodGet, fmt.Sprintf("/v2/gaen/exposed?lastKeyBundleTag=%d", misaligned), now, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("misaligned tag = %d, want 404", w.Code)
	}

	future := timegrid.UnixMillis(timegrid.NextBucket(now, bucket).Add(bucket))
	w = te.do(t, http.MethodGet, fmt.Sprintf("/v2/gaen/exposed?lastKeyBundleTag=%d", future), now, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("future tag = %d, want 404", w.Code)
	}

	garbage := "/v2/gaen/exposed?lastKeyBundleTag=yesterday"
	w = te.do(t, http.MethodGet, garbage, now, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("garbage tag = %d, want 404", w.Code)
	}
}

func TestTagRewindClamped(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	bucket := te.config.ReleaseBucketDuration
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)

	// Keys released ten days ago.
	tenDaysAgo := now.Add(-10 * 24 * time.Hour)
	yesterdayOfThat := timegrid.IntervalNumber(tenDaysAgo.Add(-24 * time.Hour))
	body := &v2.GaenRequest{GaenKeys: wireKeys(t, 3, yesterdayOfThat, 144)}
	w := te.do(t, http.MethodPost, "/v2/gaen/exposed", tenDaysAgo, body, te.uploadToken(t, "2021-01-20", "0", tenDaysAgo))
	if w.Code != http.StatusOK {
		t.Fatalf("upload = %d", w.Code)
	}

	// A tag from 30 days ago is clamped to the retention window rather than
	// rejected; all visible keys come back.
	oldTag := timegrid.UnixMillis(timegrid.BucketStart(now.Add(-30*24*time.Hour), bucket))
	w = te.do(t, http.MethodGet, fmt.Sprintf("/v2/gaen/exposed?lastKeyBundleTag=%d", oldTag), now, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("rewind read = %d, want 200", w.Code)
	}
	exportFile, _, err := export.UnmarshalExportFile(w.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(exportFile.GetKeys()); got != 3 {
		t.Errorf("rewind keys = %d, want 3", got)
	}
}

func TestBucketMonotonicity(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	bucket := te.config.ReleaseBucketDuration
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)
	yesterday := timegrid.IntervalNumber(now.Add(-24 * time.Hour))

	body := &v2.GaenRequest{GaenKeys: wireKeys(t, 4, yesterday, 144)}
	if w := te.do(t, http.MethodPost, "/v2/gaen/exposed", now, body, te.uploadToken(t, "2021-02-01", "0", now)); w.Code != http.StatusOK {
		t.Fatalf("upload = %d", w.Code)
	}

	// First incremental download releases the batch and hands out its tag.
	later := timegrid.NextBucket(now, bucket).Add(time.Minute)
	first := te.do(t, http.MethodGet, "/v2/gaen/exposed", later, nil, "")
	if first.Code != http.StatusOK {
		t.Fatalf("first read = %d", first.Code)
	}
	tag := first.Header().Get("x-key-bundle-tag")

	// Resuming from the returned tag yields nothing older than it.
	second := te.do(t, http.MethodGet, "/v2/gaen/exposed?lastKeyBundleTag="+tag, later, nil, "")
	if second.Code != http.StatusNoContent {
		t.Errorf("resumed read = %d, want 204 (no older keys)", second.Code)
	}
}

func TestV1DelayedKeyFlow(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	uploadAt := time.Date(2021, 2, 11, 21, 0, 0, 0, time.UTC)
	yesterday := timegrid.IntervalNumber(uploadAt.Add(-24 * time.Hour))
	today := timegrid.DayStartInterval(timegrid.IntervalNumber(uploadAt))

	body := &v1.GaenRequest{
		GaenKeys:       wireKeys(t, 13, yesterday, 144),
		DelayedKeyDate: today,
	}
	w := te.do(t, http.MethodPost, "/v1/gaen/exposed", uploadAt, body, te.uploadToken(t, "2021-02-01", "0", uploadAt))
	if w.Code != http.StatusOK {
		t.Fatalf("v1 upload = %d, body %s", w.Code, w.Body.String())
	}

	var resp v1.UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Token == "" {
		t.Fatalf("v1 upload returned no next-day token")
	}

	nextDay := uploadAt.Add(14 * time.Hour)

	// A key that is not the announced one is rejected. The attempt consumes
	// the token's nonce, so the happy path below uses a token of its own.
	wrong := &v1.GaenSecondDay{DelayedKey: wireKeys(t, 1, today+144, 144)[0]}
	if w := te.do(t, http.MethodPost, "/v1/gaen/exposednextday", nextDay, wrong, resp.Token); w.Code != http.StatusBadRequest {
		t.Errorf("mismatched delayed key = %d, want 400", w.Code)
	}

	second := &v1.GaenRequest{DelayedKeyDate: today}
	w = te.do(t, http.MethodPost, "/v1/gaen/exposed", uploadAt, second, te.uploadToken(t, "2021-02-01", "0", uploadAt))
	if w.Code != http.StatusOK {
		t.Fatalf("second v1 upload = %d", w.Code)
	}
	var resp2 v1.UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp2); err != nil {
		t.Fatal(err)
	}

	// The announced key is accepted.
	right := &v1.GaenSecondDay{DelayedKey: wireKeys(t, 1, today, 144)[0]}
	if w := te.do(t, http.MethodPost, "/v1/gaen/exposednextday", nextDay, right, resp2.Token); w.Code != http.StatusOK {
		t.Errorf("delayed key upload = %d, body %s", w.Code, w.Body.String())
	}
	if te.exposed.len() != 14 {
		t.Errorf("stored = %d, want 14", te.exposed.len())
	}

	// An upload-scope token does not open the next-day door.
	another := &v1.GaenSecondDay{DelayedKey: wireKeys(t, 1, today, 144)[0]}
	if w := te.do(t, http.MethodPost, "/v1/gaen/exposednextday", nextDay, another, te.uploadToken(t, "2021-02-01", "0", nextDay)); w.Code != http.StatusForbidden {
		t.Errorf("wrong scope = %d, want 403", w.Code)
	}
}

func TestV1DelayedKeyDateValidation(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	uploadAt := time.Date(2021, 2, 11, 21, 0, 0, 0, time.UTC)
	yesterday := timegrid.IntervalNumber(uploadAt.Add(-24 * time.Hour))

	cases := []struct {
		name string
		date int32
	}{
		{"not_day_boundary", timegrid.DayStartInterval(timegrid.IntervalNumber(uploadAt)) + 3},
		{"too_far_future", timegrid.DayStartInterval(timegrid.IntervalNumber(uploadAt)) + 10*144},
		{"zero", 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			body := &v1.GaenRequest{GaenKeys: wireKeys(t, 1, yesterday, 144), DelayedKeyDate: tc.date}
			w := te.do(t, http.MethodPost, "/v1/gaen/exposed", uploadAt, body, te.uploadToken(t, "2021-02-01", "0", uploadAt))
			if w.Code != http.StatusBadRequest {
				t.Errorf("delayedKeyDate %d = %d, want 400", tc.date, w.Code)
			}
		})
	}
}

func TestV1Download(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	bucket := te.config.ReleaseBucketDuration
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)
	yesterday := timegrid.IntervalNumber(now.Add(-24 * time.Hour))

	body := &v2.GaenRequest{GaenKeys: wireKeys(t, 2, yesterday, 144)}
	if w := te.do(t, http.MethodPost, "/v2/gaen/exposed", now, body, te.uploadToken(t, "2021-02-01", "0", now)); w.Code != http.StatusOK {
		t.Fatalf("upload = %d", w.Code)
	}

	later := timegrid.NextBucket(now, bucket).Add(time.Minute)
	tag := timegrid.UnixMillis(timegrid.BucketStart(now, bucket).Add(-bucket))
	w := te.do(t, http.MethodGet, fmt.Sprintf("/v1/gaen/exposed/%d", tag), later, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("v1 download = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/zip" {
		t.Errorf("content type = %q, want application/zip", got)
	}
}

func TestUMADownload(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, nil)
	bucket := te.config.ReleaseBucketDuration
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)
	yesterday := timegrid.IntervalNumber(now.Add(-24 * time.Hour))

	body := &v2.GaenRequest{GaenKeys: wireKeys(t, 25, yesterday, 144)}
	if w := te.do(t, http.MethodPost, "/v2UMA/gaen/exposed", now, body, te.uploadToken(t, "2021-02-01", "0", now)); w.Code != http.StatusOK {
		t.Fatalf("upload = %d", w.Code)
	}

	later := timegrid.NextBucket(now, bucket).Add(time.Minute)
	w := te.do(t, http.MethodGet, "/v2UMA/gaen/exposed", later, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("UMA download = %d, want 200", w.Code)
	}

	// Every uploaded key is a member of the shipped filter.
	keys, err := te.exposed.SortedExposedSince(context.Background(), exposeddb.IterateCriteria{
		Until: timegrid.BucketStart(later, bucket),
	})
	if err != nil {
		t.Fatal(err)
	}
	raw := w.Body.Bytes()
	entry, err := exportEntry(raw)
	if err != nil {
		t.Fatal(err)
	}
	cf, err := export.UnmarshalFilter(entry)
	if err != nil {
		t.Fatalf("UnmarshalFilter: %v", err)
	}
	for _, k := range keys {
		if !cf.Lookup(export.HashTemporaryExposureKey(k)) {
			t.Fatalf("filter missing key %s", k.ExposureKeyBase64())
		}
	}

	// Country filters: a mismatched visited country hides everything.
	w = te.do(t, http.MethodGet, "/v2UMA/gaen/exposed?visitedCountries=DE", later, nil, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("mismatched country read = %d, want 204", w.Code)
	}
	w = te.do(t, http.MethodGet, "/v2UMA/gaen/exposed?visitedCountries=ES,DE&originCountries=ES", later, nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("matching country read = %d, want 200", w.Code)
	}
}

func TestFakeKeyPadding(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, func(cfg *Config) {
		cfg.RandomKeysEnabled = true
	})
	now := time.Date(2021, 2, 11, 13, 0, 0, 0, time.UTC)

	if err := te.server.FakeKeys().Refresh(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	// With no real uploads a full-window read still serves synthetic keys.
	// The oldest padded day starts before the retention cutoff mid-day, so a
	// single snapshot carries 13 whole days; the 14th surfaces in a read one
	// day earlier.
	w := te.do(t, http.MethodGet, "/v2/gaen/exposed", now, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("padded download = %d, want 200", w.Code)
	}
	exportFile, _, err := export.UnmarshalExportFile(w.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(exportFile.GetKeys()); got != 130 {
		t.Errorf("synthetic keys = %d, want 130", got)
	}

	// Reading one day earlier surfaces the remaining day's padding; the
	// union over the window is the full 10*14 population.
	union := make(map[string]struct{})
	for _, k := range exportFile.GetKeys() {
		union[string(k.GetKeyData())] = struct{}{}
	}
	w = te.do(t, http.MethodGet, "/v2/gaen/exposed", now.Add(-24*time.Hour), nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("earlier window download = %d, want 200", w.Code)
	}
	earlier, _, err := export.UnmarshalExportFile(w.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range earlier.GetKeys() {
		union[string(k.GetKeyData())] = struct{}{}
	}
	if got := len(union); got != 140 {
		t.Errorf("union of window reads = %d synthetic keys, want 140", got)
	}
}

// exportEntry pulls export.bin out of a zipped response body.
func exportEntry(archive []byte) ([]byte, error) {
	return export.ArchiveEntry(archive, "export.bin")
}
