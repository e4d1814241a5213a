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

// Package database implements the single-use upload token nonce store. A
// nonce can be redeemed at most once, bounding replay of upload JWTs.
package database

import (
	"context"
	"fmt"
	"time"

	pgx "github.com/jackc/pgx/v4"

	"github.com/radarcovid/gaen-server/internal/database"
)

// RedeemDB wraps the database handle with redeem nonce operations.
type RedeemDB struct {
	db *database.DB
}

// New creates a RedeemDB.
func New(db *database.DB) *RedeemDB {
	return &RedeemDB{db: db}
}

// Insert records the nonce with the given expiry. Returns true if the nonce
// was previously unseen, false if it has been redeemed before.
func (db *RedeemDB) Insert(ctx context.Context, uuid string, expiry time.Time) (bool, error) {
	var inserted bool
	err := db.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			INSERT INTO
				t_redeem
				(uuid, expiry)
			VALUES
				($1, $2)
			ON CONFLICT (uuid) DO NOTHING
		`, uuid, expiry)
		if err != nil {
			return fmt.Errorf("inserting redeem nonce: %w", err)
		}
		inserted = result.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// DeleteExpiredBefore removes nonces that expired before the given time.
// Returns the number of records deleted.
func (db *RedeemDB) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := db.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			DELETE FROM
				t_redeem
			WHERE
				expiry < $1
		`, before)
		if err != nil {
			return fmt.Errorf("deleting redeem nonces: %w", err)
		}
		count = result.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
