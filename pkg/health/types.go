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

// Package health tracks per-destination delivery health and gates delivery
// admission through a persisted circuit breaker. A periodic monitor
// reconciles destinations stuck in the open state.
package health

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// Status classifies a destination's delivery health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	// StatusDisabled is terminal; only an explicit re-enable clears it.
	StatusDisabled Status = "disabled"
)

// CircuitState is the delivery admission gate, independent of Status.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// emaAlpha is the smoothing factor for the response time moving average.
const emaAlpha = 0.2

// lastErrorMaxBytes bounds the stored failure message.
const lastErrorMaxBytes = 1024

// DestinationHealth is the persisted health row for one destination.
// CircuitOpenedAt is set iff the circuit is open or half-open; DisabledAt
// and DisabledReason are set iff Status is disabled.
type DestinationHealth struct {
	DestinationID         string
	OrganizationID        string
	Status                Status
	ConsecutiveFailures   int
	ConsecutiveSuccesses  int
	TotalDeliveries       int64
	TotalFailures         int64
	LastSuccessAt         *time.Time
	LastFailureAt         *time.Time
	LastError             string
	CircuitState          CircuitState
	CircuitOpenedAt       *time.Time
	DisabledAt            *time.Time
	DisabledReason        string
	AverageResponseTimeMs float64
	UpdatedAt             time.Time
}

// SuccessRate returns the delivery success percentage. A fresh destination
// with no deliveries reports 100.
func (h *DestinationHealth) SuccessRate() float64 {
	denom := h.TotalDeliveries
	if denom < 1 {
		denom = 1
	}
	return float64(h.TotalDeliveries-h.TotalFailures) / float64(denom) * 100
}

// Clone returns a deep copy. Stores hand out clones so callers never alias
// tracked rows.
func (h *DestinationHealth) Clone() *DestinationHealth {
	if h == nil {
		return nil
	}
	copied := *h
	copied.LastSuccessAt = copyTime(h.LastSuccessAt)
	copied.LastFailureAt = copyTime(h.LastFailureAt)
	copied.CircuitOpenedAt = copyTime(h.CircuitOpenedAt)
	copied.DisabledAt = copyTime(h.DisabledAt)
	return &copied
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// ErrNotFound is returned by stores when no health row exists yet. The
// tracker treats it as a fresh destination.
var ErrNotFound = errors.New("destination health not found")

// Store persists destination health rows. Implementations must make
// single-row writes atomic; cross-row ordering is not required.
type Store interface {
	FindByDestinationID(ctx context.Context, destinationID string) (*DestinationHealth, error)
	Upsert(ctx context.Context, health *DestinationHealth) error
	UpdateCircuitBreakerState(ctx context.Context, destinationID string, state CircuitState, openedAt *time.Time) error
	GetUnhealthyDestinations(ctx context.Context) ([]*DestinationHealth, error)
}

// DestinationStore flips the delivery-enabled flag on the destination row
// itself, recording who disabled it and why.
type DestinationStore interface {
	SetDisabled(ctx context.Context, destinationID string, disabled bool, reason, actor string) error
}

// MetricsRecorder receives health and admission observations. The concrete
// implementation lives in pkg/metrics; tests may pass NoopRecorder.
type MetricsRecorder interface {
	SetHealthStatus(destinationID, status string)
	SetCircuitState(destinationID, state string)
	RecordCircuitTransition(destinationID, from, to string)
	RecordAdmission(decision, reason string)
	RecordMonitorSweep()
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

func (NoopRecorder) SetHealthStatus(string, string)                 {}
func (NoopRecorder) SetCircuitState(string, string)                 {}
func (NoopRecorder) RecordCircuitTransition(string, string, string) {}
func (NoopRecorder) RecordAdmission(string, string)                 {}
func (NoopRecorder) RecordMonitorSweep()                            {}

// Config carries the tracker and circuit breaker thresholds.
type Config struct {
	// Status thresholds.
	UnhealthyThreshold   int
	DegradedThreshold    int
	MinSuccessRate       float64
	MinDeliveriesForRate int64
	DisableThreshold     int

	// Circuit breaker.
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	HalfOpenMaxAttempts     int

	// OperationTimeout bounds each storage round trip on the recording and
	// admission paths. Expiry fails open.
	OperationTimeout time.Duration

	// MonitorInterval is the health monitor sweep period.
	MonitorInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		UnhealthyThreshold:      5,
		DegradedThreshold:       3,
		MinSuccessRate:          95,
		MinDeliveriesForRate:    20,
		DisableThreshold:        10,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   300 * time.Second,
		HalfOpenMaxAttempts:     2,
		OperationTimeout:        5 * time.Second,
		MonitorInterval:         300 * time.Second,
	}
}

// withDefaults fills zero values so partially populated configs behave.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = def.DegradedThreshold
	}
	if c.MinSuccessRate <= 0 {
		c.MinSuccessRate = def.MinSuccessRate
	}
	if c.MinDeliveriesForRate <= 0 {
		c.MinDeliveriesForRate = def.MinDeliveriesForRate
	}
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = def.DisableThreshold
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = def.CircuitBreakerThreshold
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = def.CircuitBreakerTimeout
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = def.HalfOpenMaxAttempts
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = def.OperationTimeout
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	return c
}

// truncate bounds s to max bytes without splitting the trailing rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
