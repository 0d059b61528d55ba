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
	"sync/atomic"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// Monitor periodically reconciles unhealthy destinations: circuits left open
// past their timeout are moved to half-open so the next delivery can probe.
// One monitor runs per process.
type Monitor struct {
	tracker  *Tracker
	store    Store
	cfg      Config
	clock    clock.WithTicker
	log      logr.Logger
	recorder MetricsRecorder

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor wires a monitor around the tracker's store and config.
func NewMonitor(tracker *Tracker, store Store, recorder MetricsRecorder, clk clock.WithTicker, logger logr.Logger) *Monitor {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Monitor{
		tracker:  tracker,
		store:    store,
		cfg:      tracker.Config(),
		clock:    clk,
		log:      logger.WithName("health-monitor"),
		recorder: recorder,
	}
}

// Start launches the sweep loop. Subsequent calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(ctx)
	m.log.Info("health monitor started", "interval", m.cfg.MonitorInterval.String())
}

// Stop cancels the pending tick and waits for the loop to exit. No sweeps
// run after Stop returns.
func (m *Monitor) Stop() {
	if !m.started.Load() {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
	m.log.Info("health monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := m.clock.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C():
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass and returns the number of circuits
// moved to half-open.
func (m *Monitor) Sweep(ctx context.Context) int {
	unhealthy, err := m.store.GetUnhealthyDestinations(ctx)
	if err != nil {
		m.log.Error(err, "failed to enumerate unhealthy destinations")
		return 0
	}

	transitions := 0
	for _, h := range unhealthy {
		m.log.Info("destination unhealthy",
			"destination", h.DestinationID,
			"status", string(h.Status),
			"circuit_state", string(h.CircuitState),
			"consecutive_failures", h.ConsecutiveFailures,
			"last_error", h.LastError)

		moved, err := m.tracker.TransitionToHalfOpen(ctx, h.DestinationID)
		if err != nil {
			m.log.Error(err, "circuit reconciliation failed",
				"destination", h.DestinationID)
			continue
		}
		if moved {
			transitions++
		}
	}

	m.recorder.RecordMonitorSweep()
	if len(unhealthy) > 0 {
		m.log.Info("health monitor sweep complete",
			"unhealthy", len(unhealthy),
			"half_open_transitions", transitions)
	}
	return transitions
}
