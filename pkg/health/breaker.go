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
)

// Admission decision reasons, recorded in metrics.
const (
	admissionReasonUntracked  = "untracked"
	admissionReasonError      = "error"
	admissionReasonDisabled   = "disabled"
	admissionReasonClosed     = "closed"
	admissionReasonOpen       = "open"
	admissionReasonHalfOpen   = "half-open"
	admissionReasonProbeLimit = "half-open-exhausted"
)

// ShouldAllowDelivery gates a delivery attempt on the destination's circuit
// state. Storage problems fail open: health tracking never blocks audit
// delivery. The only fail-closed path is a disabled destination.
func (t *Tracker) ShouldAllowDelivery(ctx context.Context, destinationID string) (bool, error) {
	mu := t.lockFor(destinationID)
	mu.Lock()
	defer mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, t.cfg.OperationTimeout)
	defer cancel()

	h, err := t.store.FindByDestinationID(opCtx, destinationID)
	if errors.Is(err, ErrNotFound) {
		t.recorder.RecordAdmission("allowed", admissionReasonUntracked)
		return true, nil
	}
	if err != nil {
		t.log.Error(err, "admission lookup failed, allowing delivery",
			"destination", destinationID)
		t.recorder.RecordAdmission("allowed", admissionReasonError)
		return true, nil
	}

	if h.Status == StatusDisabled {
		t.recorder.RecordAdmission("denied", admissionReasonDisabled)
		return false, nil
	}

	switch h.CircuitState {
	case CircuitOpen:
		if h.CircuitOpenedAt != nil && t.clock.Since(*h.CircuitOpenedAt) >= t.cfg.CircuitBreakerTimeout {
			t.setCircuitStateLocked(h, CircuitHalfOpen, h.CircuitOpenedAt)
			t.resetProbes(destinationID)
			t.claimProbe(destinationID)
			if err := t.store.UpdateCircuitBreakerState(opCtx, destinationID, CircuitHalfOpen, h.CircuitOpenedAt); err != nil {
				// The in-memory transition already happened; the next
				// admission retries the persist. Still allow the probe.
				t.log.Error(err, "failed to persist half-open transition",
					"destination", destinationID)
			}
			t.recorder.RecordAdmission("allowed", admissionReasonHalfOpen)
			return true, nil
		}
		t.recorder.RecordAdmission("denied", admissionReasonOpen)
		return false, nil

	case CircuitHalfOpen:
		if t.claimProbe(destinationID) {
			t.recorder.RecordAdmission("allowed", admissionReasonHalfOpen)
			return true, nil
		}
		t.recorder.RecordAdmission("denied", admissionReasonProbeLimit)
		return false, nil

	default:
		t.recorder.RecordAdmission("allowed", admissionReasonClosed)
		return true, nil
	}
}

// TransitionToHalfOpen moves an open circuit past its timeout to half-open.
// Used by the health monitor; idempotent, returns whether a transition
// happened.
func (t *Tracker) TransitionToHalfOpen(ctx context.Context, destinationID string) (bool, error) {
	mu := t.lockFor(destinationID)
	mu.Lock()
	defer mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, t.cfg.OperationTimeout)
	defer cancel()

	h, err := t.store.FindByDestinationID(opCtx, destinationID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load health for %s: %w", destinationID, err)
	}
	if h.Status == StatusDisabled || h.CircuitState != CircuitOpen || h.CircuitOpenedAt == nil {
		return false, nil
	}
	if t.clock.Since(*h.CircuitOpenedAt) < t.cfg.CircuitBreakerTimeout {
		return false, nil
	}

	t.setCircuitStateLocked(h, CircuitHalfOpen, h.CircuitOpenedAt)
	t.resetProbes(destinationID)
	if err := t.store.UpdateCircuitBreakerState(opCtx, destinationID, CircuitHalfOpen, h.CircuitOpenedAt); err != nil {
		return false, fmt.Errorf("persist half-open transition for %s: %w", destinationID, err)
	}
	return true, nil
}

// claimProbe reserves one half-open delivery slot. Caller holds the
// destination lock.
func (t *Tracker) claimProbe(destinationID string) bool {
	cur := 0
	if v, ok := t.halfOpenProbes.Load(destinationID); ok {
		cur = v.(int)
	}
	if cur >= t.cfg.HalfOpenMaxAttempts {
		return false
	}
	t.halfOpenProbes.Store(destinationID, cur+1)
	return true
}

// resetProbes clears the half-open slot count on any transition into or out
// of half-open. Caller holds the destination lock.
func (t *Tracker) resetProbes(destinationID string) {
	t.halfOpenProbes.Store(destinationID, 0)
}
