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
	"sync"
	"time"
)

// InMemoryStore is a map-backed Store and DestinationStore used by tests and
// local development. Rows are cloned on every boundary crossing so callers
// never alias internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	rows     map[string]*DestinationHealth
	disabled map[string]DisableRecord
}

// DisableRecord captures a SetDisabled call for inspection.
type DisableRecord struct {
	Disabled bool
	Reason   string
	Actor    string
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows:     make(map[string]*DestinationHealth),
		disabled: make(map[string]DisableRecord),
	}
}

// FindByDestinationID returns a clone of the row or ErrNotFound.
func (s *InMemoryStore) FindByDestinationID(_ context.Context, destinationID string) (*DestinationHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.rows[destinationID]
	if !ok {
		return nil, ErrNotFound
	}
	return h.Clone(), nil
}

// Upsert stores a clone of the full row.
func (s *InMemoryStore) Upsert(_ context.Context, health *DestinationHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[health.DestinationID] = health.Clone()
	return nil
}

// UpdateCircuitBreakerState mutates only the circuit fields. Missing rows
// return ErrNotFound.
func (s *InMemoryStore) UpdateCircuitBreakerState(_ context.Context, destinationID string, state CircuitState, openedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.rows[destinationID]
	if !ok {
		return ErrNotFound
	}
	h.CircuitState = state
	h.CircuitOpenedAt = copyTime(openedAt)
	return nil
}

// GetUnhealthyDestinations returns rows that need monitor attention: status
// unhealthy or a circuit that is not closed.
func (s *InMemoryStore) GetUnhealthyDestinations(_ context.Context) ([]*DestinationHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DestinationHealth
	for _, h := range s.rows {
		if h.Status == StatusUnhealthy || h.CircuitState != CircuitClosed {
			out = append(out, h.Clone())
		}
	}
	return out, nil
}

// SetDisabled records the destination flag flip.
func (s *InMemoryStore) SetDisabled(_ context.Context, destinationID string, disabled bool, reason, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[destinationID] = DisableRecord{Disabled: disabled, Reason: reason, Actor: actor}
	return nil
}

// DisableRecordFor returns the last SetDisabled call for a destination.
func (s *InMemoryStore) DisableRecordFor(destinationID string) (DisableRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.disabled[destinationID]
	return rec, ok
}
