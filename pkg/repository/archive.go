/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package repository

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jordigilh/audittrail/pkg/archival"
)

// Payload encodings recorded in the data_encoding column. Rows imported
// from older exports carry base64 text; native rows are raw BYTEA.
const (
	encodingRaw    = "raw"
	encodingBase64 = "base64"
)

// ArchiveRepository persists archives in audit_archives. Metadata lives in a
// JSONB column; the compressed payload in BYTEA next to its encoding
// discriminator.
type ArchiveRepository struct {
	db *sqlx.DB
}

// NewArchiveRepository wraps an open connection pool.
func NewArchiveRepository(db *sqlx.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

type archiveRow struct {
	ID              string       `db:"id"`
	Data            []byte       `db:"data"`
	DataEncoding    string       `db:"data_encoding"`
	Metadata        []byte       `db:"metadata"`
	CreatedAt       time.Time    `db:"created_at"`
	RetrievedCount  int          `db:"retrieved_count"`
	LastRetrievedAt sql.NullTime `db:"last_retrieved_at"`
}

func (row *archiveRow) toArchive() (*archival.Archive, error) {
	a := &archival.Archive{
		ID:              row.ID,
		Data:            row.Data,
		CreatedAt:       row.CreatedAt,
		RetrievedCount:  row.RetrievedCount,
		LastRetrievedAt: timePtr(row.LastRetrievedAt),
	}
	if row.DataEncoding == encodingBase64 {
		decoded, err := base64.StdEncoding.DecodeString(string(row.Data))
		if err != nil {
			return nil, fmt.Errorf("decode base64 payload of archive %s: %w", row.ID, err)
		}
		a.Data = decoded
	}
	if err := json.Unmarshal(row.Metadata, &a.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of archive %s: %w", row.ID, err)
	}
	return a, nil
}

// Insert writes a new archive. Duplicate ids are rejected by the primary
// key.
func (r *ArchiveRepository) Insert(ctx context.Context, archive *archival.Archive) error {
	metadata, err := json.Marshal(archive.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata of archive %s: %w", archive.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_archives
			(id, data, data_encoding, metadata, created_at, retrieved_count, last_retrieved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		archive.ID, archive.Data, encodingRaw, metadata, archive.CreatedAt,
		archive.RetrievedCount, nullTime(archive.LastRetrievedAt))
	if err != nil {
		return fmt.Errorf("insert archive %s: %w", archive.ID, err)
	}
	return nil
}

// Get loads one archive or archival.ErrArchiveNotFound.
func (r *ArchiveRepository) Get(ctx context.Context, archiveID string) (*archival.Archive, error) {
	var row archiveRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, data, data_encoding, metadata, created_at, retrieved_count, last_retrieved_at
		 FROM audit_archives WHERE id = $1`, archiveID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, archival.ErrArchiveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query archive %s: %w", archiveID, err)
	}
	return row.toArchive()
}

// Select loads archives matching the filter. Classification and policy
// filters match against the JSONB metadata; date ranges against the
// metadata's dateRange bounds.
func (r *ArchiveRepository) Select(ctx context.Context, filter archival.ArchiveFilter) ([]*archival.Archive, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ArchiveID != "" {
		conds = append(conds, "id = "+arg(filter.ArchiveID))
	}
	if len(filter.DataClassifications) > 0 {
		conds = append(conds, "metadata->>'dataClassification' = ANY("+arg(textArray(filter.DataClassifications))+")")
	}
	if len(filter.RetentionPolicies) > 0 {
		conds = append(conds, "metadata->>'retentionPolicy' = ANY("+arg(textArray(filter.RetentionPolicies))+")")
	}
	if filter.DateRange != nil {
		if !filter.DateRange.End.IsZero() {
			conds = append(conds, "(metadata->'dateRange'->>'start')::timestamptz <= "+arg(filter.DateRange.End))
		}
		if !filter.DateRange.Start.IsZero() {
			conds = append(conds, "(metadata->'dateRange'->>'end')::timestamptz >= "+arg(filter.DateRange.Start))
		}
	}

	query := `SELECT id, data, data_encoding, metadata, created_at, retrieved_count, last_retrieved_at
		FROM audit_archives`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	var rows []archiveRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query archives: %w", err)
	}
	out := make([]*archival.Archive, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toArchive()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// List loads every archive, oldest first.
func (r *ArchiveRepository) List(ctx context.Context) ([]*archival.Archive, error) {
	return r.Select(ctx, archival.ArchiveFilter{})
}

// DeleteByIDs removes the archives and reports how many went away.
func (r *ArchiveRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_archives WHERE id = ANY($1)`, textArray(ids))
	if err != nil {
		return 0, fmt.Errorf("delete archives: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete archives: %w", err)
	}
	return affected, nil
}

// RecordRetrieval bumps the retrieval statistics in one statement so
// concurrent retrievals never lose an increment.
func (r *ArchiveRepository) RecordRetrieval(ctx context.Context, archiveID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE audit_archives
		SET retrieved_count = retrieved_count + 1, last_retrieved_at = $2
		WHERE id = $1`,
		archiveID, at)
	if err != nil {
		return fmt.Errorf("record retrieval of archive %s: %w", archiveID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record retrieval of archive %s: %w", archiveID, err)
	}
	if affected == 0 {
		return archival.ErrArchiveNotFound
	}
	return nil
}

// textArray renders a postgres text[] literal. Values pass through the
// driver as a single parameter.
func textArray(values []string) string {
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}
