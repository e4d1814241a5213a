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
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/radarcovid/gaen-server/internal/database"
	"github.com/radarcovid/gaen-server/internal/insertmanager"
	"github.com/radarcovid/gaen-server/internal/setup"
	"github.com/radarcovid/gaen-server/pkg/keys"
)

// Compile-time check to assert this config matches requirements.
var _ setup.DatabaseConfigProvider = (*Config)(nil)
var _ setup.KeyManagerConfigProvider = (*Config)(nil)

// Config represents the configuration and associated environment variables
// for the GAEN key server.
type Config struct {
	Database   database.Config
	KeyManager keys.Config

	Port string `env:"PORT, default=8080"`

	// ReleaseBucketDuration is the width of a release bucket: all keys
	// uploaded inside one bucket become visible together when it closes.
	ReleaseBucketDuration time.Duration `env:"RELEASE_BUCKET_DURATION, default=2h"`

	// RequestTime levels the observable duration of upload requests.
	RequestTime time.Duration `env:"REQUEST_TIME, default=1500ms"`

	// ExposedListCacheControl is how long downloads may be cached.
	ExposedListCacheControl time.Duration `env:"EXPOSED_LIST_CACHE_CONTROL, default=5m"`

	RetentionDays int `env:"RETENTION_DAYS, default=14"`

	KeySizeBytes int `env:"GAEN_KEY_SIZE_BYTES, default=16"`

	// Synthetic padding keys.
	RandomKeysEnabled bool `env:"RANDOM_KEYS_ENABLED, default=false"`
	RandomKeyAmount   int  `env:"RANDOM_KEY_AMOUNT, default=10"`

	// Export signing parameters.
	Algorithm     string `env:"GAEN_ALGORITHM, default=1.2.840.10045.4.3.2"`
	Region        string `env:"GAEN_REGION, default=es"`
	KeyVersion    string `env:"GAEN_KEY_VERSION, default=v1"`
	KeyIdentifier string `env:"GAEN_KEY_IDENTIFIER, default=214"`

	// BundleID and PackageName identify the mobile clients. Accepted for
	// compatibility with existing deployment configuration.
	BundleID    string `env:"GAEN_BUNDLE_ID"`
	PackageName string `env:"GAEN_PACKAGE_NAME"`

	// TimeSkew is the permitted client clock skew on uploaded keys.
	TimeSkew time.Duration `env:"TIME_SKEW, default=2h"`

	// Federation stamp.
	CountryOrigin string `env:"EFGS_COUNTRY_ORIGIN, default=ES"`
	ReportType    int32  `env:"EFGS_REPORT_TYPE, default=1"`

	// Legacy client workarounds.
	AndroidZeroRollingPeriod bool `env:"WORKAROUND_ANDROID_ZERO_ROLLING_PERIOD"`
	IOSShortPeriod           bool `env:"WORKAROUND_IOS_SHORT_ROLLING_PERIOD"`

	// UploadTokenPublicKey is the PEM encoded EC public key upload JWTs are
	// verified against.
	UploadTokenPublicKey string `env:"UPLOAD_TOKEN_PUBLIC_KEY, required"`

	// Named keys resolved through the key manager.
	ExportSigningKey   string        `env:"EXPORT_SIGNING_KEY, default=gaen"`
	NextDayJWTKey      string        `env:"NEXT_DAY_JWT_KEY, default=nextDayJWT"`
	NextDayJWTValidity time.Duration `env:"NEXT_DAY_JWT_VALIDITY, default=48h"`

	// Response padding bounds.
	ResponsePaddingMinBytes int64 `env:"RESPONSE_PADDING_MIN_BYTES, default=1024"`
	ResponsePaddingRange    int64 `env:"RESPONSE_PADDING_RANGE, default=1024"`
}

// Retention is the full retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// DatabaseConfig implements setup.DatabaseConfigProvider.
func (c *Config) DatabaseConfig() *database.Config {
	return &c.Database
}

// KeyManagerConfig implements setup.KeyManagerConfigProvider.
func (c *Config) KeyManagerConfig() *keys.Config {
	return &c.KeyManager
}

// PipelineConfig derives the insert pipeline settings.
func (c *Config) PipelineConfig() insertmanager.PipelineConfig {
	return insertmanager.PipelineConfig{
		KeySize:                  c.KeySizeBytes,
		Retention:                c.Retention(),
		Skew:                     c.TimeSkew,
		Origin:                   c.CountryOrigin,
		ReportType:               c.ReportType,
		AndroidZeroRollingPeriod: c.AndroidZeroRollingPeriod,
		IOSShortPeriod:           c.IOSShortPeriod,
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.RetentionDays <= 0 {
		result = multierror.Append(result,
			fmt.Errorf("env var `RETENTION_DAYS` must be > 0, got: %v", c.RetentionDays))
	}
	if c.KeySizeBytes <= 0 {
		result = multierror.Append(result,
			fmt.Errorf("env var `GAEN_KEY_SIZE_BYTES` must be > 0, got: %v", c.KeySizeBytes))
	}
	if c.ReleaseBucketDuration <= 0 {
		result = multierror.Append(result,
			fmt.Errorf("env var `RELEASE_BUCKET_DURATION` must be > 0, got: %v", c.ReleaseBucketDuration))
	} else if (24*time.Hour)%c.ReleaseBucketDuration != 0 {
		result = multierror.Append(result,
			fmt.Errorf("env var `RELEASE_BUCKET_DURATION` must divide a day evenly, got: %v", c.ReleaseBucketDuration))
	}
	if c.RandomKeysEnabled && c.RandomKeyAmount <= 0 {
		result = multierror.Append(result,
			fmt.Errorf("env var `RANDOM_KEY_AMOUNT` must be > 0 when random keys are enabled, got: %v", c.RandomKeyAmount))
	}

	return result.ErrorOrNil()
}
