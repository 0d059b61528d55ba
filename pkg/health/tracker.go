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

package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// Literal values recorded when the tracker disables a destination.
const (
	DisableReason = "Exceeded failure threshold"
	DisableActor  = "health-monitor"
)

// Tracker owns the per-destination health counters and the circuit breaker
// state machine. All mutations for one destination are serialized by a keyed
// mutex so counters and circuit transitions never interleave.
type Tracker struct {
	store        Store
	destinations DestinationStore
	cfg          Config
	clock        clock.WithTicker
	log          logr.Logger
	recorder     MetricsRecorder

	locks          sync.Map // destinationID -> *sync.Mutex
	halfOpenProbes sync.Map // destinationID -> int, guarded by the keyed mutex
}

// NewTracker wires a tracker. A nil recorder disables metrics; a nil clock
// uses real time.
func NewTracker(store Store, destinations DestinationStore, cfg Config, recorder MetricsRecorder, clk clock.WithTicker, logger logr.Logger) *Tracker {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{
		store:        store,
		destinations: destinations,
		cfg:          cfg.withDefaults(),
		clock:        clk,
		log:          logger.WithName("health-tracker"),
		recorder:     recorder,
	}
}

// Config returns the effective thresholds after defaulting.
func (t *Tracker) Config() Config { return t.cfg }

// RecordSuccess applies a successful delivery outcome: resets the failure
// streak, bumps totals, folds the response time into the moving average,
// closes a half-open circuit, and recomputes status.
func (t *Tracker) RecordSuccess(ctx context.Context, destinationID string, responseTimeMs float64) error {
	mu := t.lockFor(destinationID)
	mu.Lock()
	defer mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, t.cfg.OperationTimeout)
	defer cancel()

	h, err := t.loadOrInit(opCtx, destinationID)
	if err != nil {
		return fmt.Errorf("record success for %s: %w", destinationID, err)
	}

	now := t.clock.Now().UTC()
	h.LastSuccessAt = &now
	h.ConsecutiveFailures = 0
	h.ConsecutiveSuccesses++
	h.TotalDeliveries++
	if h.AverageResponseTimeMs == 0 {
		h.AverageResponseTimeMs = responseTimeMs
	} else {
		h.AverageResponseTimeMs = emaAlpha*responseTimeMs + (1-emaAlpha)*h.AverageResponseTimeMs
	}

	if h.CircuitState == CircuitHalfOpen {
		t.setCircuitStateLocked(h, CircuitClosed, nil)
		t.resetProbes(destinationID)
	}
	t.recomputeStatusLocked(h)
	h.UpdatedAt = now

	if err := t.store.Upsert(opCtx, h); err != nil {
		return fmt.Errorf("persist health for %s: %w", destinationID, err)
	}
	t.recorder.SetHealthStatus(destinationID, string(h.Status))
	return nil
}

// RecordFailure applies a failed delivery outcome: bumps the failure streak
// and totals, stores the bounded error message, opens the circuit past the
// threshold, and disables the destination past the disable threshold.
func (t *Tracker) RecordFailure(ctx context.Context, destinationID, errorMessage string) error {
	mu := t.lockFor(destinationID)
	mu.Lock()
	defer mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, t.cfg.OperationTimeout)
	defer cancel()

	h, err := t.loadOrInit(opCtx, destinationID)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", destinationID, err)
	}

	now := t.clock.Now().UTC()
	h.LastFailureAt = &now
	h.LastError = truncate(errorMessage, lastErrorMaxBytes)
	h.ConsecutiveSuccesses = 0
	h.ConsecutiveFailures++
	h.TotalFailures++
	h.TotalDeliveries++

	switch h.CircuitState {
	case CircuitHalfOpen:
		// A failed probe re-opens the window from now.
		opened := now
		t.setCircuitStateLocked(h, CircuitOpen, &opened)
		t.resetProbes(destinationID)
	case CircuitClosed:
		if h.ConsecutiveFailures >= t.cfg.CircuitBreakerThreshold {
			opened := now
			t.setCircuitStateLocked(h, CircuitOpen, &opened)
		}
	}

	t.recomputeStatusLocked(h)

	shouldDisable := h.Status != StatusDisabled && h.ConsecutiveFailures >= t.cfg.DisableThreshold
	if shouldDisable {
		h.Status = StatusDisabled
		h.DisabledAt = &now
		h.DisabledReason = DisableReason
	}
	h.UpdatedAt = now

	if err := t.store.Upsert(opCtx, h); err != nil {
		return fmt.Errorf("persist health for %s: %w", destinationID, err)
	}
	t.recorder.SetHealthStatus(destinationID, string(h.Status))

	if shouldDisable {
		t.log.Info("destination disabled after exceeding failure threshold",
			"destination", destinationID,
			"consecutive_failures", h.ConsecutiveFailures,
			"last_error", h.LastError)
		if t.destinations != nil {
			if err := t.destinations.SetDisabled(opCtx, destinationID, true, DisableReason, DisableActor); err != nil {
				return fmt.Errorf("disable destination %s: %w", destinationID, err)
			}
		}
	}
	return nil
}

// ReEnable clears the terminal disabled status, resets the failure streak,
// and closes the circuit. No-op when the destination is not disabled.
func (t *Tracker) ReEnable(ctx context.Context, destinationID, actor string) error {
	mu := t.lockFor(destinationID)
	mu.Lock()
	defer mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, t.cfg.OperationTimeout)
	defer cancel()

	h, err := t.store.FindByDestinationID(opCtx, destinationID)
	if err != nil {
		return fmt.Errorf("re-enable %s: %w", destinationID, err)
	}
	if h.Status != StatusDisabled {
		return nil
	}

	now := t.clock.Now().UTC()
	h.DisabledAt = nil
	h.DisabledReason = ""
	h.ConsecutiveFailures = 0
	h.Status = StatusHealthy
	t.setCircuitStateLocked(h, CircuitClosed, nil)
	t.resetProbes(destinationID)
	t.recomputeStatusLocked(h)
	h.UpdatedAt = now

	if err := t.store.Upsert(opCtx, h); err != nil {
		return fmt.Errorf("persist health for %s: %w", destinationID, err)
	}
	t.recorder.SetHealthStatus(destinationID, string(h.Status))

	if t.destinations != nil {
		if err := t.destinations.SetDisabled(opCtx, destinationID, false, "Re-enabled", actor); err != nil {
			return fmt.Errorf("re-enable destination %s: %w", destinationID, err)
		}
	}
	t.log.Info("destination re-enabled", "destination", destinationID, "actor", actor)
	return nil
}

// GetHealth returns the stored health row.
func (t *Tracker) GetHealth(ctx context.Context, destinationID string) (*DestinationHealth, error) {
	opCtx, cancel := context.WithTimeout(ctx, t.cfg.OperationTimeout)
	defer cancel()
	return t.store.FindByDestinationID(opCtx, destinationID)
}

func (t *Tracker) lockFor(destinationID string) *sync.Mutex {
	actual, _ := t.locks.LoadOrStore(destinationID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (t *Tracker) loadOrInit(ctx context.Context, destinationID string) (*DestinationHealth, error) {
	h, err := t.store.FindByDestinationID(ctx, destinationID)
	if errors.Is(err, ErrNotFound) {
		return &DestinationHealth{
			DestinationID: destinationID,
			Status:        StatusHealthy,
			CircuitState:  CircuitClosed,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// setCircuitStateLocked performs an in-memory transition. Callers hold the
// destination lock and persist separately.
func (t *Tracker) setCircuitStateLocked(h *DestinationHealth, to CircuitState, openedAt *time.Time) {
	from := h.CircuitState
	if from == to {
		return
	}
	h.CircuitState = to
	h.CircuitOpenedAt = openedAt
	t.recorder.RecordCircuitTransition(h.DestinationID, string(from), string(to))
	t.log.Info("circuit breaker state changed",
		"destination", h.DestinationID,
		"from", string(from),
		"to", string(to))
}

func (t *Tracker) recomputeStatusLocked(h *DestinationHealth) {
	if h.Status == StatusDisabled {
		return
	}
	switch {
	case h.ConsecutiveFailures >= t.cfg.UnhealthyThreshold:
		h.Status = StatusUnhealthy
	case h.ConsecutiveFailures >= t.cfg.DegradedThreshold:
		h.Status = StatusDegraded
	case h.SuccessRate() < t.cfg.MinSuccessRate && h.TotalDeliveries >= t.cfg.MinDeliveriesForRate:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}
}
