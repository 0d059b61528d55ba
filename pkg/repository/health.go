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

// Package repository holds the PostgreSQL implementations of the storage
// ports. Connections come in through database/sql (pgx stdlib driver); the
// archive, policy, and audit log repositories layer sqlx on top for struct
// scanning.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jordigilh/audittrail/pkg/health"
)

// HealthRepository persists destination health rows in destination_health.
type HealthRepository struct {
	db *sql.DB
}

// NewHealthRepository wraps an open connection pool.
func NewHealthRepository(db *sql.DB) *HealthRepository {
	return &HealthRepository{db: db}
}

const healthColumns = `destination_id, organization_id, status,
	consecutive_failures, consecutive_successes, total_deliveries,
	total_failures, last_success_at, last_failure_at, last_error,
	circuit_state, circuit_opened_at, disabled_at, disabled_reason,
	average_response_time_ms, updated_at`

// FindByDestinationID loads one row or health.ErrNotFound.
func (r *HealthRepository) FindByDestinationID(ctx context.Context, destinationID string) (*health.DestinationHealth, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+healthColumns+` FROM destination_health WHERE destination_id = $1`,
		destinationID)
	h, err := scanHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, health.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query destination health %s: %w", destinationID, err)
	}
	return h, nil
}

// Upsert writes the full row, inserting on first contact.
func (r *HealthRepository) Upsert(ctx context.Context, h *health.DestinationHealth) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO destination_health (`+healthColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (destination_id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			status = EXCLUDED.status,
			consecutive_failures = EXCLUDED.consecutive_failures,
			consecutive_successes = EXCLUDED.consecutive_successes,
			total_deliveries = EXCLUDED.total_deliveries,
			total_failures = EXCLUDED.total_failures,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at,
			last_error = EXCLUDED.last_error,
			circuit_state = EXCLUDED.circuit_state,
			circuit_opened_at = EXCLUDED.circuit_opened_at,
			disabled_at = EXCLUDED.disabled_at,
			disabled_reason = EXCLUDED.disabled_reason,
			average_response_time_ms = EXCLUDED.average_response_time_ms,
			updated_at = EXCLUDED.updated_at`,
		h.DestinationID, h.OrganizationID, string(h.Status),
		h.ConsecutiveFailures, h.ConsecutiveSuccesses, h.TotalDeliveries,
		h.TotalFailures, nullTime(h.LastSuccessAt), nullTime(h.LastFailureAt),
		h.LastError, string(h.CircuitState), nullTime(h.CircuitOpenedAt),
		nullTime(h.DisabledAt), h.DisabledReason, h.AverageResponseTimeMs,
		h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert destination health %s: %w", h.DestinationID, err)
	}
	return nil
}

// UpdateCircuitBreakerState mutates only the circuit fields. A missing row
// returns health.ErrNotFound.
func (r *HealthRepository) UpdateCircuitBreakerState(ctx context.Context, destinationID string, state health.CircuitState, openedAt *time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE destination_health
		SET circuit_state = $2, circuit_opened_at = $3, updated_at = NOW()
		WHERE destination_id = $1`,
		destinationID, string(state), nullTime(openedAt))
	if err != nil {
		return fmt.Errorf("update circuit state for %s: %w", destinationID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update circuit state for %s: %w", destinationID, err)
	}
	if affected == 0 {
		return health.ErrNotFound
	}
	return nil
}

// GetUnhealthyDestinations returns rows the monitor needs to look at:
// unhealthy status or a circuit that is not closed.
func (r *HealthRepository) GetUnhealthyDestinations(ctx context.Context) ([]*health.DestinationHealth, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+healthColumns+` FROM destination_health
		 WHERE status = $1 OR circuit_state <> $2
		 ORDER BY destination_id`,
		string(health.StatusUnhealthy), string(health.CircuitClosed))
	if err != nil {
		return nil, fmt.Errorf("query unhealthy destinations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*health.DestinationHealth
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("scan destination health: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unhealthy destinations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHealth(row rowScanner) (*health.DestinationHealth, error) {
	var (
		h              health.DestinationHealth
		status         string
		circuitState   string
		lastSuccess    sql.NullTime
		lastFailure    sql.NullTime
		circuitOpened  sql.NullTime
		disabledAt     sql.NullTime
		lastError      sql.NullString
		disabledReason sql.NullString
	)
	err := row.Scan(
		&h.DestinationID, &h.OrganizationID, &status,
		&h.ConsecutiveFailures, &h.ConsecutiveSuccesses, &h.TotalDeliveries,
		&h.TotalFailures, &lastSuccess, &lastFailure, &lastError,
		&circuitState, &circuitOpened, &disabledAt, &disabledReason,
		&h.AverageResponseTimeMs, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	h.Status = health.Status(status)
	h.CircuitState = health.CircuitState(circuitState)
	h.LastSuccessAt = timePtr(lastSuccess)
	h.LastFailureAt = timePtr(lastFailure)
	h.CircuitOpenedAt = timePtr(circuitOpened)
	h.DisabledAt = timePtr(disabledAt)
	h.LastError = lastError.String
	h.DisabledReason = disabledReason.String
	return &h, nil
}

// DestinationRepository flips the delivery-enabled flag on destination rows.
type DestinationRepository struct {
	db *sql.DB
}

// NewDestinationRepository wraps an open connection pool.
func NewDestinationRepository(db *sql.DB) *DestinationRepository {
	return &DestinationRepository{db: db}
}

// SetDisabled records who disabled or re-enabled the destination and why.
func (r *DestinationRepository) SetDisabled(ctx context.Context, destinationID string, disabled bool, reason, actor string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE destinations
		SET is_disabled = $2, disabled_reason = $3, disabled_by = $4,
		    disabled_at = CASE WHEN $2 THEN NOW() ELSE NULL END,
		    updated_at = NOW()
		WHERE id = $1`,
		destinationID, disabled, reason, actor)
	if err != nil {
		return fmt.Errorf("set disabled for destination %s: %w", destinationID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set disabled for destination %s: %w", destinationID, err)
	}
	if affected == 0 {
		return fmt.Errorf("destination %s not found", destinationID)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	c := t.Time
	return &c
}
