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

// Package gaen exposes the key upload and key download HTTP APIs in their
// v1, v2 and v2UMA variants.
package gaen

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mikehelmick/go-chaff"

	"github.com/radarcovid/gaen-server/internal/auth"
	"github.com/radarcovid/gaen-server/internal/export"
	exposeddb "github.com/radarcovid/gaen-server/internal/exposed/database"
	"github.com/radarcovid/gaen-server/internal/exposed/model"
	"github.com/radarcovid/gaen-server/internal/fakekeys"
	"github.com/radarcovid/gaen-server/internal/insertmanager"
	"github.com/radarcovid/gaen-server/internal/middleware"
	redeemdb "github.com/radarcovid/gaen-server/internal/redeem/database"
	"github.com/radarcovid/gaen-server/internal/serverenv"
	v2 "github.com/radarcovid/gaen-server/pkg/api/v2"
	"github.com/radarcovid/gaen-server/pkg/logging"
	"github.com/radarcovid/gaen-server/pkg/render"
	"github.com/radarcovid/gaen-server/pkg/server"
)

// ExposedStore is the key store surface the API consumes.
type ExposedStore interface {
	insertmanager.ExposedStore
	SortedExposedSince(ctx context.Context, criteria exposeddb.IterateCriteria) ([]*model.TemporaryExposureKey, error)
	DeleteExposuresBefore(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

// RedeemStore bounds replay of upload tokens.
type RedeemStore interface {
	Insert(ctx context.Context, uuid string, expiry time.Time) (bool, error)
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// Server holds the wired dependencies of the GAEN API.
type Server struct {
	config   *Config
	env      *serverenv.ServerEnv
	manager  *insertmanager.Manager
	exposed  ExposedStore
	redeem   RedeemStore
	fake     *fakekeys.Service
	verifier auth.Verifier
	// nextDayVerifier checks the tokens this server issued itself for the
	// delayed key upload.
	nextDayVerifier auth.Verifier
	issuer          *auth.Issuer
	signer   *export.Signer
	tracker  *chaff.Tracker
	h        *render.Renderer
}

// NewServer wires the API against the server environment.
func NewServer(ctx context.Context, cfg *Config, env *serverenv.ServerEnv) (*Server, error) {
	if env.Database() == nil {
		return nil, fmt.Errorf("missing database in server environment")
	}
	return newServer(ctx, cfg, env, exposeddb.New(env.Database()), redeemdb.New(env.Database()))
}

// newServer finishes the wiring over explicit stores; tests inject fakes
// here.
func newServer(ctx context.Context, cfg *Config, env *serverenv.ServerEnv, exposed ExposedStore, redeem RedeemStore) (*Server, error) {
	logger := logging.FromContext(ctx).Named("gaen")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	if env.KeyManager() == nil {
		return nil, fmt.Errorf("missing key manager in server environment")
	}

	logger.Debugw("creating server",
		"release_bucket", cfg.ReleaseBucketDuration,
		"retention_days", cfg.RetentionDays,
		"random_keys", cfg.RandomKeysEnabled)

	verifier, err := auth.NewECVerifier(cfg.UploadTokenPublicKey)
	if err != nil {
		return nil, fmt.Errorf("auth.NewECVerifier: %w", err)
	}

	issuer, err := auth.NewIssuer(ctx, env.KeyManager(), cfg.NextDayJWTKey, cfg.NextDayJWTValidity)
	if err != nil {
		return nil, fmt.Errorf("auth.NewIssuer: %w", err)
	}

	nextDaySigner, err := env.KeyManager().NewSigner(ctx, cfg.NextDayJWTKey)
	if err != nil {
		return nil, fmt.Errorf("resolving next-day JWT key: %w", err)
	}
	nextDayPublic, ok := nextDaySigner.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("next-day JWT key %q is not an EC key", cfg.NextDayJWTKey)
	}

	exportSigner, err := env.KeyManager().NewSigner(ctx, cfg.ExportSigningKey)
	if err != nil {
		return nil, fmt.Errorf("resolving export signing key: %w", err)
	}

	manager := insertmanager.NewManager(exposed, cfg.ReleaseBucketDuration, cfg.CountryOrigin,
		insertmanager.ExposedPipeline(cfg.PipelineConfig())...)

	var fake *fakekeys.Service
	if cfg.RandomKeysEnabled {
		fake = fakekeys.NewService(fakekeys.Config{
			Amount:        cfg.RandomKeyAmount,
			RetentionDays: cfg.RetentionDays,
			KeySize:       cfg.KeySizeBytes,
			Country:       cfg.CountryOrigin,
			Origin:        cfg.CountryOrigin,
			ReportType:    cfg.ReportType,
		})
	}

	tracker, err := chaff.NewTracker(chaff.NewJSONResponder(chaffUploadResponse), chaff.DefaultCapacity)
	if err != nil {
		return nil, fmt.Errorf("chaff.NewTracker: %w", err)
	}

	return &Server{
		config:  cfg,
		env:     env,
		manager: manager,
		exposed: exposed,
		redeem:  redeem,
		fake:            fake,
		verifier:        verifier,
		nextDayVerifier: auth.NewECVerifierFromKey(nextDayPublic),
		issuer:          issuer,
		signer: &export.Signer{
			SignatureInfo: &export.SignatureInfo{
				SigningKeyVersion: cfg.KeyVersion,
				SigningKeyID:      cfg.KeyIdentifier,
				Algorithm:         cfg.Algorithm,
			},
			Signer: exportSigner,
		},
		tracker: tracker,
		h:       render.NewRenderer(),
	}, nil
}

// FakeKeys returns the synthetic key service, or nil when padding is
// disabled. The scheduler refreshes it.
func (s *Server) FakeKeys() *fakekeys.Service {
	return s.fake
}

// Routes defines and returns the routes for the GAEN API.
func (s *Server) Routes(ctx context.Context) *mux.Router {
	logger := logging.FromContext(ctx).Named("gaen")

	r := mux.NewRouter()
	r.Use(middleware.Recovery())
	r.Use(middleware.PopulateRequestID())
	r.Use(middleware.PopulateLogger(logger))

	if db := s.env.Database(); db != nil {
		r.Handle("/health", server.HandleHealthz(db)).Methods(http.MethodGet)
	}

	for _, version := range []string{"v1", "v2", "v2UMA"} {
		r.HandleFunc("/"+version+"/gaen", s.handleHello()).Methods(http.MethodGet)
	}

	upload := r.NewRoute().Subrouter()
	upload.Use(middleware.ProcessChaff(s.tracker))
	upload.Handle("/v1/gaen/exposed", s.handleExposedV1()).Methods(http.MethodPost)
	upload.Handle("/v1/gaen/exposednextday", s.handleExposedNextDay()).Methods(http.MethodPost)
	upload.Handle("/v2/gaen/exposed", s.handleExposedV2()).Methods(http.MethodPost)
	upload.Handle("/v2UMA/gaen/exposed", s.handleExposedV2()).Methods(http.MethodPost)

	r.Handle("/v1/gaen/exposed/{batchReleaseTime:[0-9]+}", s.handleDownload(VersionV1)).Methods(http.MethodGet)
	r.Handle("/v2/gaen/exposed", s.handleDownload(VersionV2)).Methods(http.MethodGet)
	r.Handle("/v2UMA/gaen/exposed", s.handleDownload(VersionV2UMA)).Methods(http.MethodGet)

	return r
}

// chaffUploadResponse takes a chaffing string and builds a chaff response
// shaped like a real upload response.
func chaffUploadResponse(s string) interface{} {
	return v2.UploadResponse{Padding: s}
}

func (s *Server) handleHello() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "Hello from the GAEN exposed key server.")
	}
}
