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
	"errors"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jordigilh/audittrail/pkg/queue"
)

// Worker actions, recorded in metrics and logs.
const (
	actionArchived = "archived"
	actionRemoved  = "removed"
	actionRetained = "retained"
)

const hoursPerDay = 24

// Worker is the single serial DLQ processor: it claims quarantined jobs
// FIFO, ages each against the archive and retention cutoffs, and sweeps
// preserved jobs past retention out of the completed list.
type Worker struct {
	service *Service

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker wires the worker around a service.
func NewWorker(service *Service) *Worker {
	return &Worker{service: service}
}

// Start launches the processing loop. Concurrency is fixed at 1; subsequent
// calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx)
	w.service.log.Info("DLQ worker started",
		"interval", w.service.cfg.WorkerInterval.String(),
		"archive_after_days", w.service.cfg.ArchiveAfterDays,
		"max_retention_days", w.service.cfg.MaxRetentionDays)
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (w *Worker) Stop() {
	if !w.started.Load() {
		return
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	w.service.log.Info("DLQ worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := w.service.clock.NewTicker(w.service.cfg.WorkerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C():
			w.Cycle(ctx)
		}
	}
}

// Cycle runs one full pass: drain waiting jobs, sweep preserved jobs past
// retention, and refresh the depth gauges. Returns how many jobs were
// touched.
func (w *Worker) Cycle(ctx context.Context) int {
	tracer := otel.Tracer("github.com/jordigilh/audittrail/pkg/dlq")
	ctx, span := tracer.Start(ctx, "dlq.WorkerCycle")
	defer span.End()

	processed := 0
	for {
		job, err := w.service.queue.Claim(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			w.service.log.Error(err, "failed to claim dead-letter job")
			break
		}
		w.processJob(ctx, job)
		processed++
	}

	processed += w.sweepCompleted(ctx)
	w.refreshDepth(ctx)
	span.SetAttributes(attribute.Int("processed", processed))
	return processed
}

// processJob ages one claimed job. The archive handoff always precedes
// removal: an event never leaves retention unarchived while a sink is
// configured.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	var event DeadLetterEvent
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		w.service.log.Error(err, "dead-letter payload undecodable, failing job", "job_id", job.ID)
		if err := w.service.queue.Fail(ctx, job.ID, "undecodable payload"); err != nil {
			w.service.log.Error(err, "failed to mark job failed", "job_id", job.ID)
		}
		return
	}

	ageDays := w.service.clock.Since(event.FirstFailureTime).Hours() / hoursPerDay
	action := actionRetained

	switch {
	case float64(w.service.cfg.MaxRetentionDays) < ageDays:
		if err := w.handoff(ctx, job.ID, &event); err != nil {
			w.service.log.Error(err, "archive handoff failed, retaining expired job", "job_id", job.ID)
			if err := w.service.queue.Complete(ctx, job.ID); err != nil {
				w.service.log.Error(err, "failed to complete job", "job_id", job.ID)
			}
			return
		}
		if err := w.service.queue.Remove(ctx, job.ID); err != nil {
			w.service.log.Error(err, "failed to remove expired dead-letter job", "job_id", job.ID)
			return
		}
		action = actionRemoved

	case w.service.cfg.ArchiveAfterDays > 0 && float64(w.service.cfg.ArchiveAfterDays) < ageDays:
		if err := w.handoff(ctx, job.ID, &event); err != nil {
			w.service.log.Error(err, "archive handoff failed, retaining job", "job_id", job.ID)
			if err := w.service.queue.Complete(ctx, job.ID); err != nil {
				w.service.log.Error(err, "failed to complete job", "job_id", job.ID)
			}
			return
		}
		if err := w.service.queue.Complete(ctx, job.ID); err != nil {
			w.service.log.Error(err, "failed to complete archived job", "job_id", job.ID)
			return
		}
		action = actionArchived

	default:
		if err := w.service.queue.Complete(ctx, job.ID); err != nil {
			w.service.log.Error(err, "failed to complete job", "job_id", job.ID)
			return
		}
	}

	w.service.recorder.RecordDLQWorkerAction(action)
	w.service.log.Info("processed dead-letter event",
		"action", action,
		"failure_reason", event.FailureReason,
		"failure_count", event.FailureCount,
		"age_days", int(ageDays),
		"job_id", job.ID)
}

// sweepCompleted ages the preserved jobs in place: a job past the archive
// age goes to the sink exactly once, and only archived (or handoff-disabled)
// jobs past max retention are removed. Events usually complete young and
// cross both cutoffs here, not in processJob.
func (w *Worker) sweepCompleted(ctx context.Context) int {
	jobs, err := w.service.queue.ListByState(ctx, queue.StateCompleted)
	if err != nil {
		w.service.log.Error(err, "failed to list completed dead-letter jobs")
		return 0
	}

	touched := 0
	for _, job := range jobs {
		var event DeadLetterEvent
		if err := json.Unmarshal(job.Payload, &event); err != nil {
			continue
		}
		ageDays := w.service.clock.Since(event.FirstFailureTime).Hours() / hoursPerDay

		if w.service.cfg.ArchiveAfterDays > 0 && float64(w.service.cfg.ArchiveAfterDays) < ageDays &&
			event.ArchivedAt == nil && w.service.archive != nil {
			if err := w.handoff(ctx, job.ID, &event); err != nil {
				w.service.log.Error(err, "archive handoff failed, retaining completed job", "job_id", job.ID)
				continue
			}
			w.service.recorder.RecordDLQWorkerAction(actionArchived)
			w.service.log.Info("processed dead-letter event",
				"action", actionArchived,
				"failure_reason", event.FailureReason,
				"failure_count", event.FailureCount,
				"age_days", int(ageDays),
				"job_id", job.ID)
			touched++
		}

		if ageDays <= float64(w.service.cfg.MaxRetentionDays) {
			continue
		}
		if w.service.archive != nil && w.service.cfg.ArchiveAfterDays > 0 && event.ArchivedAt == nil {
			// Handoff failed above; keep the job until the sink accepts it.
			continue
		}
		if err := w.service.queue.Remove(ctx, job.ID); err != nil {
			w.service.log.Error(err, "failed to remove expired completed job", "job_id", job.ID)
			continue
		}
		w.service.recorder.RecordDLQWorkerAction(actionRemoved)
		w.service.log.Info("processed dead-letter event",
			"action", actionRemoved,
			"failure_reason", event.FailureReason,
			"failure_count", event.FailureCount,
			"job_id", job.ID)
		touched++
	}
	return touched
}

// handoff passes the event to the archive sink once and stamps the
// acceptance in the stored payload. No sink or an already-archived event is
// a no-op.
func (w *Worker) handoff(ctx context.Context, jobID string, event *DeadLetterEvent) error {
	if w.service.archive == nil || event.ArchivedAt != nil {
		return nil
	}
	if err := w.service.archive.ArchiveDeadLetter(ctx, event); err != nil {
		return err
	}
	now := w.service.clock.Now().UTC()
	event.ArchivedAt = &now
	payload, err := json.Marshal(event)
	if err == nil {
		err = w.service.queue.Update(ctx, jobID, payload)
	}
	if err != nil {
		// The sink has the event; a stale payload only risks a duplicate
		// handoff on a later cycle.
		w.service.log.Error(err, "failed to record archive handoff", "job_id", jobID)
	}
	return nil
}

func (w *Worker) refreshDepth(ctx context.Context) {
	counts, err := w.service.queue.Counts(ctx)
	if err != nil {
		w.service.log.Error(err, "failed to read dead-letter queue depth")
		return
	}
	for state, depth := range counts {
		w.service.recorder.SetDLQDepth(string(state), float64(depth))
	}
}
