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

// Package circuitbreaker wraps sony/gobreaker with a per-name registry. It
// guards outbound alert sinks so a dead Slack or webhook endpoint drops
// notifications instead of blocking the DLQ path. The persisted
// per-destination delivery breaker lives in pkg/health; this one is purely
// in-process.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
)

// Manager holds one breaker per named sink, created lazily with shared
// settings.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings gobreaker.Settings
	log      logr.Logger
}

// NewManager builds a manager. Tripping after 3 consecutive failures, a 30s
// open window, and 2 half-open test requests.
func NewManager(logger logr.Logger) *Manager {
	m := &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      logger.WithName("circuitbreaker"),
	}
	m.settings = gobreaker.Settings{
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Info("circuit breaker state changed",
				"sink", name,
				"from", stateToString(from),
				"to", stateToString(to))
		},
	}
	return m
}

// Execute runs fn through the named breaker. An open breaker returns
// gobreaker.ErrOpenState without invoking fn.
func (m *Manager) Execute(name string, fn func() (interface{}, error)) (interface{}, error) {
	return m.breakerFor(name).Execute(fn)
}

// State reports the named breaker's current state.
func (m *Manager) State(name string) gobreaker.State {
	return m.breakerFor(name).State()
}

func (m *Manager) breakerFor(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	settings := m.settings
	settings.Name = name
	cb := gobreaker.NewCircuitBreaker(settings)
	m.breakers[name] = cb
	return cb
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
