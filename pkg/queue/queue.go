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

// Package queue provides the durable FIFO job queue the dead-letter service
// sits on: at-least-once claims, per-job metadata, and terminal completed or
// failed states that preserve the job for forensics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// States lists every lifecycle state in a stable order.
var States = []State{StateWaiting, StateActive, StateCompleted, StateFailed}

// Job is one queued unit of work. Payload is opaque to the queue.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// ErrEmpty signals no waiting jobs; workers back off and poll again.
var ErrEmpty = errors.New("queue: no waiting jobs")

// ErrJobNotFound signals a job id with no stored metadata.
var ErrJobNotFound = errors.New("queue: job not found")

// Queue is a durable FIFO queue with at-least-once claim semantics. Jobs
// moved to completed or failed stay inspectable until explicitly removed.
type Queue interface {
	// Enqueue appends a job and returns its id. Arrival order is enqueue
	// order.
	Enqueue(ctx context.Context, name string, payload []byte) (string, error)
	// Claim moves the oldest waiting job to active. Returns ErrEmpty when
	// nothing waits.
	Claim(ctx context.Context) (*Job, error)
	// Complete moves an active job to completed, preserving it.
	Complete(ctx context.Context, jobID string) error
	// Fail moves an active job to failed with a reason, preserving it.
	Fail(ctx context.Context, jobID string, reason string) error
	// Update replaces a job's payload in place, in whichever state holds
	// it.
	Update(ctx context.Context, jobID string, payload []byte) error
	// Remove deletes a job from whichever state holds it.
	Remove(ctx context.Context, jobID string) error
	// ListByState returns jobs in a state, oldest first.
	ListByState(ctx context.Context, state State) ([]*Job, error)
	// Counts returns the queue depth per state.
	Counts(ctx context.Context) (map[State]int64, error)
}
