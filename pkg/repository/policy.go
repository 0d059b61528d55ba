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
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jordigilh/audittrail/pkg/archival"
)

// PolicyRepository persists retention policies in retention_policies.
type PolicyRepository struct {
	db *sqlx.DB
}

// NewPolicyRepository wraps an open connection pool.
func NewPolicyRepository(db *sqlx.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

type policyRow struct {
	PolicyName         string        `db:"policy_name"`
	DataClassification string        `db:"data_classification"`
	ArchiveAfterDays   int           `db:"archive_after_days"`
	DeleteAfterDays    sql.NullInt64 `db:"delete_after_days"`
	IsActive           bool          `db:"is_active"`
}

func (row *policyRow) toPolicy() *archival.RetentionPolicy {
	p := &archival.RetentionPolicy{
		PolicyName:         row.PolicyName,
		DataClassification: row.DataClassification,
		ArchiveAfterDays:   row.ArchiveAfterDays,
		IsActive:           row.IsActive,
	}
	if row.DeleteAfterDays.Valid {
		days := int(row.DeleteAfterDays.Int64)
		p.DeleteAfterDays = &days
	}
	return p
}

// ListActive returns enabled policies in name order.
func (r *PolicyRepository) ListActive(ctx context.Context) ([]*archival.RetentionPolicy, error) {
	var rows []policyRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT policy_name, data_classification, archive_after_days, delete_after_days, is_active
		 FROM retention_policies WHERE is_active ORDER BY policy_name`)
	if err != nil {
		return nil, fmt.Errorf("query active retention policies: %w", err)
	}
	out := make([]*archival.RetentionPolicy, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toPolicy())
	}
	return out, nil
}

// Insert validates and upserts the policy by name.
func (r *PolicyRepository) Insert(ctx context.Context, policy *archival.RetentionPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	var deleteAfter sql.NullInt64
	if policy.DeleteAfterDays != nil {
		deleteAfter = sql.NullInt64{Int64: int64(*policy.DeleteAfterDays), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO retention_policies
			(policy_name, data_classification, archive_after_days, delete_after_days, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (policy_name) DO UPDATE SET
			data_classification = EXCLUDED.data_classification,
			archive_after_days = EXCLUDED.archive_after_days,
			delete_after_days = EXCLUDED.delete_after_days,
			is_active = EXCLUDED.is_active`,
		policy.PolicyName, policy.DataClassification, policy.ArchiveAfterDays,
		deleteAfter, policy.IsActive)
	if err != nil {
		return fmt.Errorf("upsert retention policy %s: %w", policy.PolicyName, err)
	}
	return nil
}

// FindByName loads one policy or archival.ErrPolicyNotFound.
func (r *PolicyRepository) FindByName(ctx context.Context, name string) (*archival.RetentionPolicy, error) {
	var row policyRow
	err := r.db.GetContext(ctx, &row,
		`SELECT policy_name, data_classification, archive_after_days, delete_after_days, is_active
		 FROM retention_policies WHERE policy_name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, archival.ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query retention policy %s: %w", name, err)
	}
	return row.toPolicy(), nil
}
