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

// Package delivery dispatches audit events to destination drivers behind the
// health admission gate. A delivery that exhausts its retries is handed to
// the dead-letter queue with its full attempt history.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/jordigilh/audittrail/pkg/dlq"
	"github.com/jordigilh/audittrail/pkg/health"
)

// Outcome of one Dispatch call.
type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeDenied       Outcome = "denied"
	OutcomeDeadLettered Outcome = "dead-lettered"
)

// Event is one audit event bound for a destination. ID keys the
// singleflight dedup, so concurrent dispatches of the same event to the
// same destination collapse into one delivery.
type Event struct {
	ID      string
	Payload json.RawMessage
}

// Driver is the transport port a destination type implements.
type Driver interface {
	Name() string
	Deliver(ctx context.Context, event Event, destinationID string) error
}

// Result describes what happened to a dispatched event.
type Result struct {
	Outcome  Outcome
	Attempts int
	Duration time.Duration
	// LastError is set for denied and dead-lettered outcomes.
	LastError string
}

// NoDriverError reports a destination with no registered driver.
type NoDriverError struct {
	DestinationID string
}

func (e *NoDriverError) Error() string {
	return fmt.Sprintf("no driver registered for destination %q", e.DestinationID)
}

// MetricsRecorder receives dispatch instrumentation. pkg/metrics implements
// it.
type MetricsRecorder interface {
	RecordDelivery(destinationID, outcome string, seconds float64)
}

type noopRecorder struct{}

func (noopRecorder) RecordDelivery(string, string, float64) {}

// Config tunes the retry loop.
type Config struct {
	// MaxAttempts bounds delivery attempts per dispatch.
	MaxAttempts int
	// AttemptTimeout bounds one driver call.
	AttemptTimeout time.Duration
	// RetryBaseDelay scales the attempt-squared backoff between attempts.
	RetryBaseDelay time.Duration
	// DLQQueueName is recorded as the event's origin on quarantine.
	DLQQueueName string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		AttemptTimeout: 30 * time.Second,
		RetryBaseDelay: 500 * time.Millisecond,
		DLQQueueName:   "delivery",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.DLQQueueName == "" {
		c.DLQQueueName = def.DLQQueueName
	}
	return c
}

// Admitter gates deliveries on destination health. *health.Tracker
// implements it.
type Admitter interface {
	ShouldAllowDelivery(ctx context.Context, destinationID string) (bool, error)
	RecordSuccess(ctx context.Context, destinationID string, responseTimeMs float64) error
	RecordFailure(ctx context.Context, destinationID, errorMessage string) error
}

// Quarantine is the terminal sink for undeliverable events. *dlq.Service
// implements it.
type Quarantine interface {
	AddFailedEvent(ctx context.Context, event json.RawMessage, failure error, opts dlq.AddOptions) error
}

var _ Admitter = (*health.Tracker)(nil)
var _ Quarantine = (*dlq.Service)(nil)

// Dispatcher routes events to registered drivers.
type Dispatcher struct {
	admitter   Admitter
	quarantine Quarantine
	cfg        Config
	clock      clock.Clock
	log        logr.Logger
	recorder   MetricsRecorder

	drivers sync.Map // destinationID -> Driver
	group   singleflight.Group
}

// NewDispatcher wires a dispatcher. A nil recorder disables metrics; a nil
// clock uses real time; a nil quarantine drops exhausted events with an
// error instead of dead-lettering them.
func NewDispatcher(admitter Admitter, quarantine Quarantine, cfg Config, recorder MetricsRecorder, clk clock.Clock, logger logr.Logger) *Dispatcher {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Dispatcher{
		admitter:   admitter,
		quarantine: quarantine,
		cfg:        cfg.withDefaults(),
		clock:      clk,
		log:        logger.WithName("dispatcher"),
		recorder:   recorder,
	}
}

// Register binds a driver to a destination, replacing any previous binding.
func (d *Dispatcher) Register(destinationID string, driver Driver) {
	d.drivers.Store(destinationID, driver)
}

// Unregister removes the destination's driver.
func (d *Dispatcher) Unregister(destinationID string) {
	d.drivers.Delete(destinationID)
}

// HasDriver reports whether the destination has a registered driver.
func (d *Dispatcher) HasDriver(destinationID string) bool {
	_, ok := d.drivers.Load(destinationID)
	return ok
}

// Dispatch delivers one event to one destination. Concurrent calls for the
// same event and destination share a single delivery. The returned error is
// non-nil only for wiring problems (no driver) or a failed DLQ handoff;
// denied and dead-lettered outcomes are reported through the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event, destinationID string) (*Result, error) {
	key := event.ID + ":" + destinationID
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		return d.dispatch(ctx, event, destinationID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, event Event, destinationID string) (*Result, error) {
	v, ok := d.drivers.Load(destinationID)
	if !ok {
		return nil, &NoDriverError{DestinationID: destinationID}
	}
	driver := v.(Driver)
	started := d.clock.Now()

	var history []dlq.RetryAttempt
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		allowed, err := d.admitter.ShouldAllowDelivery(ctx, destinationID)
		if err != nil {
			return nil, fmt.Errorf("admission check for %s: %w", destinationID, err)
		}
		if !allowed {
			if attempt == 1 {
				d.recorder.RecordDelivery(destinationID, string(OutcomeDenied), 0)
				d.log.V(1).Info("delivery denied by admission gate",
					"event_id", event.ID,
					"destination", destinationID)
				return &Result{Outcome: OutcomeDenied, Duration: d.clock.Since(started)}, nil
			}
			// The circuit opened mid-retry. Stop probing and quarantine.
			break
		}

		attemptStart := d.clock.Now()
		err = d.deliverOnce(ctx, driver, event, destinationID)
		latency := d.clock.Since(attemptStart)

		if err == nil {
			if herr := d.admitter.RecordSuccess(ctx, destinationID, float64(latency.Milliseconds())); herr != nil {
				d.log.Error(herr, "failed to record delivery success",
					"destination", destinationID)
			}
			total := d.clock.Since(started)
			d.recorder.RecordDelivery(destinationID, string(OutcomeDelivered), total.Seconds())
			d.log.V(1).Info("event delivered",
				"event_id", event.ID,
				"destination", destinationID,
				"driver", driver.Name(),
				"attempts", attempt,
				"latency_ms", latency.Milliseconds())
			return &Result{Outcome: OutcomeDelivered, Attempts: attempt, Duration: total}, nil
		}

		lastErr = err
		history = append(history, dlq.RetryAttempt{
			Attempt:   attempt,
			Timestamp: attemptStart.UTC(),
			Error:     err.Error(),
		})
		if herr := d.admitter.RecordFailure(ctx, destinationID, err.Error()); herr != nil {
			d.log.Error(herr, "failed to record delivery failure",
				"destination", destinationID)
		}
		d.log.Info("delivery attempt failed",
			"event_id", event.ID,
			"destination", destinationID,
			"attempt", attempt,
			"error", err.Error())

		if attempt < d.cfg.MaxAttempts {
			d.clock.Sleep(time.Duration(attempt*attempt) * d.cfg.RetryBaseDelay)
		}
	}

	total := d.clock.Since(started)
	d.recorder.RecordDelivery(destinationID, string(OutcomeDeadLettered), total.Seconds())

	if d.quarantine == nil {
		return nil, fmt.Errorf("deliver event %s to %s: %w", event.ID, destinationID, lastErr)
	}
	if err := d.quarantine.AddFailedEvent(ctx, event.Payload, lastErr, dlq.AddOptions{
		JobID:        event.ID,
		QueueName:    d.cfg.DLQQueueName,
		RetryHistory: history,
	}); err != nil {
		return nil, fmt.Errorf("quarantine event %s: %w", event.ID, err)
	}
	d.log.Info("event dead-lettered after exhausting delivery attempts",
		"event_id", event.ID,
		"destination", destinationID,
		"attempts", len(history))
	return &Result{
		Outcome:   OutcomeDeadLettered,
		Attempts:  len(history),
		Duration:  total,
		LastError: lastErr.Error(),
	}, nil
}

// deliverOnce runs one driver call under the attempt timeout, converting a
// driver panic into an error so a bad driver cannot kill the dispatcher.
func (d *Dispatcher) deliverOnce(ctx context.Context, driver Driver, event Event, destinationID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver %s panicked: %v", driver.Name(), r)
		}
	}()
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	return driver.Deliver(attemptCtx, event, destinationID)
}
