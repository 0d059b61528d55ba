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

// Package dlq quarantines audit events that exhausted delivery retries. The
// queue preserves every event for forensic analysis; a single worker ages
// events into the archival engine and out of retention; threshold alerts
// fan out to registered callbacks.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"
)

// RetryAttempt is one entry of a delivery retry history.
type RetryAttempt struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// DeadLetterEvent is the quarantine record wrapped around an undeliverable
// audit event. FirstFailureTime never exceeds LastFailureTime, and
// RetryHistory is strictly ascending by attempt.
type DeadLetterEvent struct {
	OriginalEvent    json.RawMessage `json:"originalEvent"`
	FailureReason    string          `json:"failureReason"`
	FailureCount     int             `json:"failureCount"`
	FirstFailureTime time.Time       `json:"firstFailureTime"`
	LastFailureTime  time.Time       `json:"lastFailureTime"`
	OriginalJobID    string          `json:"originalJobId,omitempty"`
	OriginalQueue    string          `json:"originalQueueName,omitempty"`
	RetryHistory     []RetryAttempt  `json:"retryHistory"`
	ErrorStack       string          `json:"errorStack,omitempty"`
	// ArchivedAt is stamped once the archive sink has accepted the event;
	// the worker never hands an event off twice.
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Validate reports the first invariant violation. Used when decoding
// payloads back out of the queue.
func (e *DeadLetterEvent) Validate() error {
	if e.FirstFailureTime.After(e.LastFailureTime) {
		return fmt.Errorf("firstFailureTime %s after lastFailureTime %s",
			e.FirstFailureTime.Format(time.RFC3339), e.LastFailureTime.Format(time.RFC3339))
	}
	for i := 1; i < len(e.RetryHistory); i++ {
		if e.RetryHistory[i].Attempt <= e.RetryHistory[i-1].Attempt {
			return fmt.Errorf("retry history not strictly ascending at index %d", i)
		}
	}
	return nil
}

// ReasonCount pairs a failure reason with its occurrence count.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Metrics is the aggregate view over every quarantined event, across all
// queue states.
type Metrics struct {
	TotalEvents       int           `json:"totalEvents"`
	EventsToday       int           `json:"eventsToday"`
	OldestEvent       *time.Time    `json:"oldestEvent,omitempty"`
	NewestEvent       *time.Time    `json:"newestEvent,omitempty"`
	TopFailureReasons []ReasonCount `json:"topFailureReasons"`
}

// topReasons returns the top n reasons by count descending, ties broken by
// reason ascending for deterministic output.
func topReasons(counts map[string]int, n int) []ReasonCount {
	reasons := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		reasons = append(reasons, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(reasons, func(i, j int) bool {
		if reasons[i].Count != reasons[j].Count {
			return reasons[i].Count > reasons[j].Count
		}
		return reasons[i].Reason < reasons[j].Reason
	})
	if len(reasons) > n {
		reasons = reasons[:n]
	}
	return reasons
}

// CriticalDLQFailureError means an audit event could not be quarantined and
// is being lost. This is the only condition the subsystem treats as loud:
// callers must escalate instead of swallowing it.
type CriticalDLQFailureError struct {
	FailureReason string
	Err           error
}

func (e *CriticalDLQFailureError) Error() string {
	return fmt.Sprintf("critical DLQ failure, audit event lost (original failure: %s): %v", e.FailureReason, e.Err)
}

func (e *CriticalDLQFailureError) Unwrap() error { return e.Err }

// AlertCallback receives the current metrics when the alert threshold is
// breached. Errors and panics are logged and never propagate.
type AlertCallback func(ctx context.Context, m Metrics) error

// ArchiveSink receives aged dead-letter events for long-term storage.
type ArchiveSink interface {
	ArchiveDeadLetter(ctx context.Context, event *DeadLetterEvent) error
}

// MetricsRecorder receives DLQ instrumentation. pkg/metrics implements it.
type MetricsRecorder interface {
	RecordDLQEvent()
	SetDLQDepth(state string, depth float64)
	RecordDLQWorkerAction(action string)
	RecordDLQAlert()
}

type noopRecorder struct{}

func (noopRecorder) RecordDLQEvent()                  {}
func (noopRecorder) SetDLQDepth(string, float64)      {}
func (noopRecorder) RecordDLQWorkerAction(string)     {}
func (noopRecorder) RecordDLQAlert()                  {}

// Config tunes the DLQ service and its worker.
type Config struct {
	// QueueName labels enqueued jobs.
	QueueName string
	// AlertThreshold fires callbacks once total events reach it.
	AlertThreshold int
	// AlertCooldown is the minimum gap between alert rounds.
	AlertCooldown time.Duration
	// ArchiveAfterDays hands events past this age to the archive sink.
	// Zero disables the handoff.
	ArchiveAfterDays int
	// MaxRetentionDays removes events past this age entirely.
	MaxRetentionDays int
	// WorkerInterval is the aging sweep period.
	WorkerInterval time.Duration
	// ErrorStackMaxBytes bounds the stored stack trace.
	ErrorStackMaxBytes int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		QueueName:          "dead-letter",
		AlertThreshold:     10,
		AlertCooldown:      300 * time.Second,
		ArchiveAfterDays:   30,
		MaxRetentionDays:   90,
		WorkerInterval:     60 * time.Second,
		ErrorStackMaxBytes: 4096,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueName == "" {
		c.QueueName = def.QueueName
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = def.AlertThreshold
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = def.AlertCooldown
	}
	if c.MaxRetentionDays <= 0 {
		c.MaxRetentionDays = def.MaxRetentionDays
	}
	if c.WorkerInterval <= 0 {
		c.WorkerInterval = def.WorkerInterval
	}
	if c.ErrorStackMaxBytes <= 0 {
		c.ErrorStackMaxBytes = def.ErrorStackMaxBytes
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
