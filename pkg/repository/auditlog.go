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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jordigilh/audittrail/pkg/archival"
	"github.com/jordigilh/audittrail/pkg/audit"
)

// AuditLogRepository persists live audit records in audit_log. Tagged fields
// get their own columns; forward-compat extras land in a JSONB column and
// round-trip untouched.
type AuditLogRepository struct {
	db *sqlx.DB
}

// NewAuditLogRepository wraps an open connection pool.
func NewAuditLogRepository(db *sqlx.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

type auditRow struct {
	ID                 string       `db:"id"`
	Timestamp          time.Time    `db:"timestamp"`
	PrincipalID        string       `db:"principal_id"`
	OrganizationID     string       `db:"organization_id"`
	Action             string       `db:"action"`
	DataClassification string       `db:"data_classification"`
	RetentionPolicy    string       `db:"retention_policy"`
	ArchivedAt         sql.NullTime `db:"archived_at"`
	Extras             []byte       `db:"extras"`
}

func (row *auditRow) toRecord() (*audit.Record, error) {
	r := &audit.Record{
		ID:                 row.ID,
		Timestamp:          row.Timestamp,
		PrincipalID:        row.PrincipalID,
		OrganizationID:     row.OrganizationID,
		Action:             row.Action,
		DataClassification: row.DataClassification,
		RetentionPolicy:    row.RetentionPolicy,
		ArchivedAt:         timePtr(row.ArchivedAt),
	}
	if len(row.Extras) > 0 && string(row.Extras) != "null" && string(row.Extras) != "{}" {
		if err := json.Unmarshal(row.Extras, &r.Extras); err != nil {
			return nil, fmt.Errorf("decode extras of audit record %s: %w", row.ID, err)
		}
	}
	return r, nil
}

// Insert writes the batch in one transaction so a partial batch never
// becomes visible.
func (r *AuditLogRepository) Insert(ctx context.Context, records []*audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, record := range records {
		extras := []byte("{}")
		if len(record.Extras) > 0 {
			if extras, err = json.Marshal(record.Extras); err != nil {
				return fmt.Errorf("encode extras of audit record %s: %w", record.ID, err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log
				(id, timestamp, principal_id, organization_id, action,
				 data_classification, retention_policy, archived_at, extras)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			record.ID, record.Timestamp, record.PrincipalID, record.OrganizationID,
			record.Action, record.DataClassification, record.RetentionPolicy,
			nullTime(record.ArchivedAt), extras)
		if err != nil {
			return fmt.Errorf("insert audit record %s: %w", record.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit insert: %w", err)
	}
	return nil
}

// Select loads records matching the filter, oldest first.
func (r *AuditLogRepository) Select(ctx context.Context, filter archival.AuditLogFilter) ([]*audit.Record, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.DataClassification != "" {
		conds = append(conds, "data_classification = "+arg(filter.DataClassification))
	}
	if filter.RetentionPolicy != "" {
		conds = append(conds, "retention_policy = "+arg(filter.RetentionPolicy))
	}
	if filter.PrincipalID != "" {
		conds = append(conds, "principal_id = "+arg(filter.PrincipalID))
	}
	if filter.OrganizationID != "" {
		conds = append(conds, "organization_id = "+arg(filter.OrganizationID))
	}
	if filter.NotArchived {
		conds = append(conds, "archived_at IS NULL")
	}
	if !filter.Before.IsZero() {
		conds = append(conds, "timestamp < "+arg(filter.Before))
	}
	if filter.DateRange != nil {
		if !filter.DateRange.Start.IsZero() {
			conds = append(conds, "timestamp >= "+arg(filter.DateRange.Start))
		}
		if !filter.DateRange.End.IsZero() {
			conds = append(conds, "timestamp <= "+arg(filter.DateRange.End))
		}
	}
	if len(filter.DataClassifications) > 0 {
		conds = append(conds, "data_classification = ANY("+arg(textArray(filter.DataClassifications))+")")
	}
	if len(filter.RetentionPolicies) > 0 {
		conds = append(conds, "retention_policy = ANY("+arg(textArray(filter.RetentionPolicies))+")")
	}

	query := `SELECT id, timestamp, principal_id, organization_id, action,
		data_classification, retention_policy, archived_at, extras
		FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	out := make([]*audit.Record, 0, len(rows))
	for i := range rows {
		record, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// MarkArchived stamps the records with their archive time.
func (r *AuditLogRepository) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE audit_log SET archived_at = $2 WHERE id = ANY($1)`,
		textArray(ids), at)
	if err != nil {
		return fmt.Errorf("mark %d audit records archived: %w", len(ids), err)
	}
	return nil
}

// DeleteOlderThan removes one policy and classification's records past the
// cutoff and reports how many went away.
func (r *AuditLogRepository) DeleteOlderThan(ctx context.Context, policy, classification string, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM audit_log
		WHERE retention_policy = $1 AND data_classification = $2 AND timestamp < $3`,
		policy, classification, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired audit records for policy %s: %w", policy, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired audit records for policy %s: %w", policy, err)
	}
	return affected, nil
}

// DeleteByIDs removes the records and reports how many went away.
func (r *AuditLogRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE id = ANY($1)`, textArray(ids))
	if err != nil {
		return 0, fmt.Errorf("delete audit records: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete audit records: %w", err)
	}
	return affected, nil
}

// CountByIDs reports how many of the ids still exist. Secure deletion uses
// it to verify removal.
func (r *AuditLogRepository) CountByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM audit_log WHERE id = ANY($1)`, textArray(ids))
	if err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return count, nil
}
