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

// Package database implements the persistent exposed key store.
package database

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	pgx "github.com/jackc/pgx/v4"

	"github.com/radarcovid/gaen-server/internal/database"
	"github.com/radarcovid/gaen-server/internal/exposed/model"
	"github.com/radarcovid/gaen-server/pkg/timegrid"
)

// ExposedDB wraps the database handle with exposed key operations.
type ExposedDB struct {
	db *database.DB
}

// New creates an ExposedDB.
func New(db *database.DB) *ExposedDB {
	return &ExposedDB{db: db}
}

// IterateCriteria selects the keys visible to an incremental download.
type IterateCriteria struct {
	// Since and Until bound received_at: Since <= received_at < Until.
	Since time.Time
	Until time.Time

	// VisitedCountries and OriginCountries filter by set membership when
	// non-empty.
	VisitedCountries []string
	OriginCountries  []string
}

// UpsertExposures inserts all keys in a single transaction with the given
// release bucket and upload country. Conflicts on (key_data,
// rolling_start_number) are silently ignored so that re-uploads are
// idempotent. Returns the number of rows actually inserted.
func (db *ExposedDB) UpsertExposures(ctx context.Context, keys []*model.TemporaryExposureKey, receivedAt time.Time, country string) (int64, error) {
	var inserted int64
	err := db.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		const stmtName = "upsert exposures"
		_, err := tx.Prepare(ctx, stmtName, `
			INSERT INTO
				t_exposed
				(key_data, rolling_start_number, rolling_period, transmission_risk, received_at, country, origin, report_type, days_since_onset)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (key_data, rolling_start_number) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("preparing insert statement: %w", err)
		}

		for _, k := range keys {
			// Embargoed keys carry their own later release bucket.
			ra := receivedAt
			if !k.ReceivedAt.IsZero() {
				ra = k.ReceivedAt
			}
			result, err := tx.Exec(ctx, stmtName,
				encodeExposureKey(k.KeyData), k.RollingStartNumber, k.RollingPeriod,
				k.TransmissionRiskLevel, ra, country, k.Origin, k.ReportType,
				k.DaysSinceOnsetOfSymptoms)
			if err != nil {
				return fmt.Errorf("inserting exposure: %w", err)
			}
			inserted += result.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// SortedExposedSince returns the keys matching the criteria ordered by key
// data ascending. The ordering is an external contract: clients verify the
// signature over the serialized batch.
func (db *ExposedDB) SortedExposedSince(ctx context.Context, criteria IterateCriteria) ([]*model.TemporaryExposureKey, error) {
	query, args := generateQuery(criteria)

	conn, err := db.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exposed []*model.TemporaryExposureKey
	for rows.Next() {
		var (
			k          model.TemporaryExposureKey
			encodedKey string
			country    *string
			origin     *string
			reportType *int32
		)
		if err := rows.Scan(&encodedKey, &k.RollingStartNumber, &k.RollingPeriod,
			&k.TransmissionRiskLevel, &k.ReceivedAt, &country, &origin, &reportType,
			&k.DaysSinceOnsetOfSymptoms); err != nil {
			return nil, err
		}
		if k.KeyData, err = decodeExposureKey(encodedKey); err != nil {
			return nil, err
		}
		if country != nil {
			k.Country = *country
		}
		if origin != nil {
			k.Origin = *origin
		}
		if reportType != nil {
			k.ReportType = *reportType
		}
		exposed = append(exposed, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The SQL ordering is over the base64 encoding; re-sort on the raw bytes,
	// which is the order clients verify signatures against.
	sort.Slice(exposed, func(i, j int) bool {
		return bytes.Compare(exposed[i].KeyData, exposed[j].KeyData) < 0
	})
	return exposed, nil
}

func generateQuery(criteria IterateCriteria) (string, []interface{}) {
	var args []interface{}
	q := `
		SELECT
			key_data, rolling_start_number, rolling_period, transmission_risk,
			received_at, country, origin, report_type, days_since_onset
		FROM
			t_exposed
		WHERE 1=1
	`

	// The lower bound is inclusive and the upper bound strict: a row becomes
	// visible only once its release bucket has fully closed, so every upload
	// in a bucket shares a single tag.
	if !criteria.Since.IsZero() {
		args = append(args, criteria.Since)
		q += fmt.Sprintf(" AND received_at >= $%d", len(args))
	}
	if !criteria.Until.IsZero() {
		args = append(args, criteria.Until)
		q += fmt.Sprintf(" AND received_at < $%d", len(args))
	}

	if len(criteria.VisitedCountries) > 0 {
		args = append(args, criteria.VisitedCountries)
		q += fmt.Sprintf(" AND country = ANY($%d)", len(args))
	}
	if len(criteria.OriginCountries) > 0 {
		args = append(args, criteria.OriginCountries)
		q += fmt.Sprintf(" AND origin = ANY($%d)", len(args))
	}

	q += " ORDER BY key_data"
	q = strings.ReplaceAll(q, "\n", " ")

	return q, args
}

// DeleteExposuresBefore deletes keys whose start interval predates the
// retention window ending at now. Returns the number of records deleted. The
// upload pipeline accepts a key whose start precedes the cutoff as long as its
// validity window reaches past it, so a sweep can delete such a key soon after
// it is stored.
func (db *ExposedDB) DeleteExposuresBefore(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := timegrid.IntervalNumber(now.Add(-retention))

	var count int64
	// ReadCommitted is sufficient here because we are dealing with historical,
	// immutable rows.
	err := db.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			DELETE FROM
				t_exposed
			WHERE
				rolling_start_number < $1
			`, cutoff)
		if err != nil {
			return fmt.Errorf("deleting exposures: %w", err)
		}
		count = result.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func encodeExposureKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeExposureKey(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
