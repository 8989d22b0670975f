// mlsmeow - Group session orchestration over a membership-agnostic relay.
// Copyright (C) 2026 mlsmeow contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/mlsmeow/pkg/directory/upgrades"
)

var _ Store = (*SQLStore)(nil)

// SQLStore keeps the directory in SQLite or Postgres so that published key
// packages survive a server restart.
type SQLStore struct {
	db *dbutil.Database
}

const (
	upsertPackageQuery = `
		INSERT INTO mlsmeow_key_package (identity, key_package) VALUES ($1, $2)
		ON CONFLICT (identity) DO UPDATE SET key_package=excluded.key_package
	`
	listIdentitiesQuery = `SELECT identity FROM mlsmeow_key_package`
	getPackageQuery     = `SELECT key_package FROM mlsmeow_key_package WHERE identity=$1`
)

// NewSQLStore wraps db with its own version table. Upgrade must be called
// before the store is used.
func NewSQLStore(db *dbutil.Database, log dbutil.DatabaseLogger) *SQLStore {
	return &SQLStore{db: db.Child("mlsmeow_directory_version", upgrades.Table, log)}
}

func (s *SQLStore) Upgrade(ctx context.Context) error {
	return s.db.Upgrade(ctx)
}

func (s *SQLStore) Publish(ctx context.Context, identity string, keyPackage []byte) error {
	_, err := s.db.Exec(ctx, upsertPackageQuery, identity, keyPackage)
	if err != nil {
		return fmt.Errorf("failed to store key package: %w", err)
	}
	return nil
}

var scanIdentity = dbutil.ConvertRowFn[string](dbutil.ScanSingleColumn[string])

func (s *SQLStore) List(ctx context.Context) ([]string, error) {
	identities, err := scanIdentity.NewRowIter(s.db.Query(ctx, listIdentitiesQuery)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	} else if identities == nil {
		identities = []string{}
	}
	return identities, nil
}

func scanKeyPackage(row dbutil.Scannable) ([]byte, error) {
	var keyPackage []byte
	err := row.Scan(&keyPackage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query key package: %w", err)
	}
	return keyPackage, nil
}

func (s *SQLStore) Get(ctx context.Context, identity string) ([]byte, error) {
	return scanKeyPackage(s.db.QueryRow(ctx, getPackageQuery, identity))
}
