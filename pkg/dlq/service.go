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

package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/jordigilh/audittrail/pkg/queue"
)

// Service is the dead-letter quarantine front door. Enqueue failures are the
// one loud path: a CriticalDLQFailureError means an audit event is lost.
type Service struct {
	queue    queue.Queue
	cfg      Config
	clock    clock.WithTicker
	log      logr.Logger
	recorder MetricsRecorder
	archive  ArchiveSink

	mu            sync.Mutex
	callbacks     []*callbackEntry
	nextCallback  int
	lastAlertTime time.Time
}

type callbackEntry struct {
	id int
	fn AlertCallback
}

// NewService wires a DLQ service on a queue. A nil recorder disables
// metrics; a nil sink disables the archive handoff; a nil clock uses real
// time.
func NewService(q queue.Queue, cfg Config, sink ArchiveSink, recorder MetricsRecorder, clk clock.WithTicker, logger logr.Logger) *Service {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		queue:    q,
		cfg:      cfg.withDefaults(),
		clock:    clk,
		log:      logger.WithName("dlq"),
		recorder: recorder,
		archive:  sink,
	}
}

// AddOptions carries the optional provenance of a failed event.
type AddOptions struct {
	JobID        string
	QueueName    string
	RetryHistory []RetryAttempt
	ErrorStack   string
}

// AddFailedEvent quarantines an event that exhausted delivery retries. The
// record is preserved on both completion and failure. After a successful
// enqueue the alert threshold is checked.
func (s *Service) AddFailedEvent(ctx context.Context, event json.RawMessage, failure error, opts AddOptions) error {
	now := s.clock.Now().UTC()

	firstFailure := now
	if len(opts.RetryHistory) > 0 {
		firstFailure = opts.RetryHistory[0].Timestamp
	}

	record := &DeadLetterEvent{
		OriginalEvent:    event,
		FailureReason:    failure.Error(),
		FailureCount:     len(opts.RetryHistory),
		FirstFailureTime: firstFailure,
		LastFailureTime:  now,
		OriginalJobID:    opts.JobID,
		OriginalQueue:    opts.QueueName,
		RetryHistory:     opts.RetryHistory,
		ErrorStack:       truncate(opts.ErrorStack, s.cfg.ErrorStackMaxBytes),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return s.critical(record.FailureReason, fmt.Errorf("marshal dead-letter event: %w", err))
	}
	if _, err := s.queue.Enqueue(ctx, s.cfg.QueueName, payload); err != nil {
		return s.critical(record.FailureReason, fmt.Errorf("enqueue dead-letter event: %w", err))
	}

	s.recorder.RecordDLQEvent()
	s.log.Info("event quarantined in dead-letter queue",
		"failure_reason", record.FailureReason,
		"failure_count", record.FailureCount,
		"original_job_id", opts.JobID)

	s.checkAlerts(ctx)
	return nil
}

// critical logs the loss loudly and returns the typed error callers must
// escalate.
func (s *Service) critical(reason string, err error) error {
	critical := &CriticalDLQFailureError{FailureReason: reason, Err: err}
	s.log.Error(critical, "CRITICAL: failed to quarantine audit event, event is lost",
		"failure_reason", reason)
	return critical
}

// RegisterAlertCallback adds a callback and returns its deregister handle.
// Callbacks run sequentially in registration order.
func (s *Service) RegisterAlertCallback(fn AlertCallback) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextCallback
	s.nextCallback++
	s.callbacks = append(s.callbacks, &callbackEntry{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, entry := range s.callbacks {
			if entry.id == id {
				s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
				return
			}
		}
	}
}

// checkAlerts fires every registered callback when the threshold is reached
// and the cooldown has elapsed. Callback errors and panics never propagate.
func (s *Service) checkAlerts(ctx context.Context) {
	metrics, err := s.Metrics(ctx)
	if err != nil {
		s.log.Error(err, "failed to compute DLQ metrics for alert check")
		return
	}
	if metrics.TotalEvents < s.cfg.AlertThreshold {
		return
	}

	now := s.clock.Now()

	s.mu.Lock()
	if !s.lastAlertTime.IsZero() && now.Sub(s.lastAlertTime) < s.cfg.AlertCooldown {
		s.mu.Unlock()
		return
	}
	s.lastAlertTime = now
	callbacks := make([]*callbackEntry, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	s.recorder.RecordDLQAlert()
	s.log.Info("DLQ alert threshold breached",
		"total_events", metrics.TotalEvents,
		"threshold", s.cfg.AlertThreshold)

	for _, entry := range callbacks {
		s.invokeCallback(ctx, entry, metrics)
	}
}

func (s *Service) invokeCallback(ctx context.Context, entry *callbackEntry, m Metrics) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(fmt.Errorf("panic: %v", r), "alert callback panicked",
				"callback_id", entry.id,
				"stack", string(debug.Stack()))
		}
	}()
	if err := entry.fn(ctx, m); err != nil {
		s.log.Error(err, "alert callback failed", "callback_id", entry.id)
	}
}

// Metrics aggregates every dead-letter job across all queue states. A
// malformed payload is counted but excluded from time-based aggregates.
func (s *Service) Metrics(ctx context.Context) (Metrics, error) {
	m := Metrics{TopFailureReasons: []ReasonCount{}}
	reasons := make(map[string]int)
	today := s.clock.Now().UTC().Format("2006-01-02")

	for _, state := range queue.States {
		jobs, err := s.queue.ListByState(ctx, state)
		if err != nil {
			return Metrics{}, fmt.Errorf("list %s dead-letter jobs: %w", state, err)
		}
		for _, job := range jobs {
			m.TotalEvents++

			var event DeadLetterEvent
			if err := json.Unmarshal(job.Payload, &event); err != nil {
				s.log.Error(err, "skipping malformed dead-letter payload", "job_id", job.ID)
				continue
			}

			reasons[event.FailureReason]++
			if event.FirstFailureTime.UTC().Format("2006-01-02") == today {
				m.EventsToday++
			}
			first := event.FirstFailureTime
			if m.OldestEvent == nil || first.Before(*m.OldestEvent) {
				m.OldestEvent = &first
			}
			if m.NewestEvent == nil || first.After(*m.NewestEvent) {
				m.NewestEvent = &first
			}
		}
	}

	m.TopFailureReasons = topReasons(reasons, 10)
	return m, nil
}
