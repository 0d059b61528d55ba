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

package dlq_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/jordigilh/audittrail/pkg/dlq"
	"github.com/jordigilh/audittrail/pkg/queue"
)

var _ = Describe("Service", func() {
	var (
		ctx     context.Context
		mr      *miniredis.Miniredis
		client  *redis.Client
		clk     *clocktesting.FakeClock
		q       *queue.RedisQueue
		now     time.Time
		service *dlq.Service
	)

	newService := func(cfg dlq.Config, sink dlq.ArchiveSink) *dlq.Service {
		return dlq.NewService(q, cfg, sink, nil, clk, logr.Discard())
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		now = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
		clk = clocktesting.NewFakeClock(now)
		q = queue.NewRedisQueue(client, "audittrail:dlq", clk, logr.Discard())
		service = newService(dlq.DefaultConfig(), nil)
	})

	AfterEach(func() {
		_ = client.Close()
		mr.Close()
	})

	Describe("AddFailedEvent", func() {
		It("constructs the record from the retry history", func() {
			history := []dlq.RetryAttempt{
				{Attempt: 1, Timestamp: now.Add(-2 * time.Hour), Error: "timeout"},
				{Attempt: 2, Timestamp: now.Add(-1 * time.Hour), Error: "timeout"},
			}
			Expect(service.AddFailedEvent(ctx, json.RawMessage(`{"id":"evt-1"}`), errors.New("connection refused"), dlq.AddOptions{
				JobID:        "job-9",
				QueueName:    "delivery",
				RetryHistory: history,
			})).To(Succeed())

			jobs, err := q.ListByState(ctx, queue.StateWaiting)
			Expect(err).ToNot(HaveOccurred())
			Expect(jobs).To(HaveLen(1))

			var event dlq.DeadLetterEvent
			Expect(json.Unmarshal(jobs[0].Payload, &event)).To(Succeed())
			Expect(event.FailureReason).To(Equal("connection refused"))
			Expect(event.FailureCount).To(Equal(2))
			Expect(event.FirstFailureTime).To(BeTemporally("==", history[0].Timestamp))
			Expect(event.LastFailureTime).To(BeTemporally("==", now))
			Expect(event.OriginalJobID).To(Equal("job-9"))
			Expect(event.OriginalQueue).To(Equal("delivery"))
			Expect(event.Validate()).To(Succeed())
		})

		It("defaults firstFailureTime to now without retry history", func() {
			Expect(service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New("boom"), dlq.AddOptions{})).To(Succeed())

			jobs, err := q.ListByState(ctx, queue.StateWaiting)
			Expect(err).ToNot(HaveOccurred())
			var event dlq.DeadLetterEvent
			Expect(json.Unmarshal(jobs[0].Payload, &event)).To(Succeed())
			Expect(event.FirstFailureTime).To(BeTemporally("==", now))
			Expect(event.FailureCount).To(BeZero())
		})

		It("raises CriticalDLQFailure when the enqueue fails", func() {
			mr.Close() // sever the queue backend

			err := service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New("boom"), dlq.AddOptions{})
			var critical *dlq.CriticalDLQFailureError
			Expect(errors.As(err, &critical)).To(BeTrue())
			Expect(critical.FailureReason).To(Equal("boom"))
		})
	})

	Describe("alerting", func() {
		It("fires callbacks at the threshold, honors the cooldown, and fires again after it", func() {
			cfg := dlq.DefaultConfig()
			cfg.AlertThreshold = 2
			service = newService(cfg, nil)

			var calls []dlq.Metrics
			deregister := service.RegisterAlertCallback(func(_ context.Context, m dlq.Metrics) error {
				calls = append(calls, m)
				return nil
			})
			defer deregister()

			Expect(service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New("e1"), dlq.AddOptions{})).To(Succeed())
			Expect(calls).To(BeEmpty())

			Expect(service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New("e2"), dlq.AddOptions{})).To(Succeed())
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].TotalEvents).To(Equal(2))

			// Inside the cooldown: no callback.
			clk.SetTime(now.Add(100 * time.Second))
			Expect(service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New("e3"), dlq.AddOptions{})).To(Succeed())
			Expect(calls).To(HaveLen(1))

			// Past the cooldown: fires again.
			clk.SetTime(now.Add(301 * time.Second))
			Expect(service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New("e4"), dlq.AddOptions{})).To(Succeed())
			Expect(calls).To(HaveLen(2))
			Expect(calls[1].TotalEvents).To(Equal(4))
		})

		It("runs callbacks in registration order and isolates failures and panics", func() {
			cfg := dlq.DefaultConfig()
			cfg.AlertThreshold = 1
			service = newService(cfg, nil)

			var order []string
			service.RegisterAlertCallback(func(context.Context, dlq.Metrics) error {
				order = append(order, "first")
				return errors.New("sink down")
			})
			service.RegisterAlertCallback(func(context.Context, dlq.Metrics) error {
				order = append(order, "second")
				panic("broken sink")
			})
			service.RegisterAlertCallback(func(context.Context, dlq.Metrics) error {
				order = append(order, "third")
				return nil
			})

			Expect(service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New("boom"), dlq.AddOptions{})).To(Succeed())
			Expect(order).To(Equal([]string{"first", "second", "third"}))
		})

		It("stops invoking a deregistered callback", func() {
			cfg := dlq.DefaultConfig()
			cfg.AlertThreshold = 1
			cfg.AlertCooldown = time.Nanosecond
			service = newService(cfg, nil)

			calls := 0
			deregister := service.RegisterAlertCallback(func(context.Context, dlq.Metrics) error {
				calls++
				return nil
			})

			Expect(service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New("e1"), dlq.AddOptions{})).To(Succeed())
			Expect(calls).To(Equal(1))

			deregister()
			clk.SetTime(now.Add(time.Second))
			Expect(service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New("e2"), dlq.AddOptions{})).To(Succeed())
			Expect(calls).To(Equal(1))
		})
	})

	Describe("Metrics", func() {
		add := func(reason string, firstFailure time.Time) {
			history := []dlq.RetryAttempt{{Attempt: 1, Timestamp: firstFailure, Error: reason}}
			Expect(service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New(reason), dlq.AddOptions{
				RetryHistory: history,
			})).To(Succeed())
		}

		It("aggregates totals, today's count, bounds, and top reasons", func() {
			add("timeout", now.Add(-30*time.Minute))
			add("timeout", now.Add(-20*time.Minute))
			add("refused", now.AddDate(0, 0, -2))

			m, err := service.Metrics(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(m.TotalEvents).To(Equal(3))
			Expect(m.EventsToday).To(Equal(2))
			Expect(m.OldestEvent).ToNot(BeNil())
			Expect(*m.OldestEvent).To(BeTemporally("==", now.AddDate(0, 0, -2)))
			Expect(*m.NewestEvent).To(BeTemporally("==", now.Add(-20*time.Minute)))
			Expect(m.TopFailureReasons).To(HaveLen(2))
			Expect(m.TopFailureReasons[0]).To(Equal(dlq.ReasonCount{Reason: "timeout", Count: 2}))
			Expect(m.TopFailureReasons[1]).To(Equal(dlq.ReasonCount{Reason: "refused", Count: 1}))
		})

		It("counts jobs across every queue state", func() {
			add("timeout", now.Add(-time.Hour))
			add("timeout", now.Add(-time.Hour))

			job, err := q.Claim(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(q.Complete(ctx, job.ID)).To(Succeed())

			m, err := service.Metrics(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(m.TotalEvents).To(Equal(2))
		})
	})
})

// recordingSink captures archive handoffs.
type recordingSink struct {
	events []*dlq.DeadLetterEvent
	err    error
}

func (s *recordingSink) ArchiveDeadLetter(_ context.Context, event *dlq.DeadLetterEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

var _ = Describe("Worker", func() {
	var (
		ctx     context.Context
		mr      *miniredis.Miniredis
		client  *redis.Client
		clk     *clocktesting.FakeClock
		q       *queue.RedisQueue
		now     time.Time
		sink    *recordingSink
		service *dlq.Service
		worker  *dlq.Worker
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		now = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
		clk = clocktesting.NewFakeClock(now)
		q = queue.NewRedisQueue(client, "audittrail:dlq", clk, logr.Discard())
		sink = &recordingSink{}

		cfg := dlq.DefaultConfig()
		cfg.ArchiveAfterDays = 30
		cfg.MaxRetentionDays = 90
		service = dlq.NewService(q, cfg, sink, nil, clk, logr.Discard())
		worker = dlq.NewWorker(service)
	})

	AfterEach(func() {
		_ = client.Close()
		mr.Close()
	})

	addAged := func(reason string, ageDays int) {
		history := []dlq.RetryAttempt{{
			Attempt:   1,
			Timestamp: now.AddDate(0, 0, -ageDays),
			Error:     reason,
		}}
		Expect(service.AddFailedEvent(ctx, json.RawMessage(`{}`), errors.New(reason), dlq.AddOptions{
			RetryHistory: history,
		})).To(Succeed())
	}

	It("retains young events, archives aged ones, and removes expired ones", func() {
		addAged("young", 1)
		addAged("aged", 45)
		addAged("expired", 120)

		processed := worker.Cycle(ctx)
		Expect(processed).To(Equal(3))

		// Aged and expired events both went through the sink; expired is
		// archived before it is removed.
		Expect(sink.events).To(HaveLen(2))
		Expect(sink.events[0].FailureReason).To(Equal("aged"))
		Expect(sink.events[1].FailureReason).To(Equal("expired"))

		// Young and aged are preserved as completed; expired is gone.
		completed, err := q.ListByState(ctx, queue.StateCompleted)
		Expect(err).ToNot(HaveOccurred())
		Expect(completed).To(HaveLen(2))

		counts, err := q.Counts(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(counts[queue.StateWaiting]).To(BeZero())
		Expect(counts[queue.StateActive]).To(BeZero())
	})

	It("retains the job when the archive handoff fails", func() {
		sink.err = errors.New("archive store down")
		addAged("aged", 45)

		worker.Cycle(ctx)

		completed, err := q.ListByState(ctx, queue.StateCompleted)
		Expect(err).ToNot(HaveOccurred())
		Expect(completed).To(HaveLen(1))
		Expect(sink.events).To(BeEmpty())
	})

	It("archives a preserved job once it ages past the archive line", func() {
		// The common lifecycle: the event is quarantined fresh, completed
		// young on the next cycle, and crosses every cutoff while preserved.
		addAged("fresh", 0)
		worker.Cycle(ctx)
		Expect(sink.events).To(BeEmpty())

		clk.SetTime(now.AddDate(0, 0, 45))
		worker.Cycle(ctx)

		Expect(sink.events).To(HaveLen(1))
		Expect(sink.events[0].FailureReason).To(Equal("fresh"))
		completed, err := q.ListByState(ctx, queue.StateCompleted)
		Expect(err).ToNot(HaveOccurred())
		Expect(completed).To(HaveLen(1))

		// The handoff is stamped into the stored payload and never repeats.
		var stored dlq.DeadLetterEvent
		Expect(json.Unmarshal(completed[0].Payload, &stored)).To(Succeed())
		Expect(stored.ArchivedAt).ToNot(BeNil())

		clk.SetTime(now.AddDate(0, 0, 100))
		worker.Cycle(ctx)

		Expect(sink.events).To(HaveLen(1))
		completed, err = q.ListByState(ctx, queue.StateCompleted)
		Expect(err).ToNot(HaveOccurred())
		Expect(completed).To(BeEmpty())
	})

	It("never removes a preserved job the sink has not accepted", func() {
		addAged("fresh", 0)
		worker.Cycle(ctx)

		sink.err = errors.New("archive store down")
		clk.SetTime(now.AddDate(0, 0, 100))
		worker.Cycle(ctx)

		completed, err := q.ListByState(ctx, queue.StateCompleted)
		Expect(err).ToNot(HaveOccurred())
		Expect(completed).To(HaveLen(1))

		// The next cycle after the sink recovers archives and removes it.
		sink.err = nil
		worker.Cycle(ctx)
		Expect(sink.events).To(HaveLen(1))
		completed, err = q.ListByState(ctx, queue.StateCompleted)
		Expect(err).ToNot(HaveOccurred())
		Expect(completed).To(BeEmpty())
	})

	It("sweeps preserved jobs out once they pass retention", func() {
		addAged("aged", 45)
		worker.Cycle(ctx)

		completed, err := q.ListByState(ctx, queue.StateCompleted)
		Expect(err).ToNot(HaveOccurred())
		Expect(completed).To(HaveLen(1))

		// 50 more days: the preserved job crosses the 90-day retention line.
		clk.SetTime(now.AddDate(0, 0, 50))
		worker.Cycle(ctx)

		completed, err = q.ListByState(ctx, queue.StateCompleted)
		Expect(err).ToNot(HaveOccurred())
		Expect(completed).To(BeEmpty())
	})

	It("runs no cycles after Stop", func() {
		worker.Start(ctx)
		worker.Stop()

		addAged("late", 1)
		clk.Step(5 * time.Minute)

		waiting, err := q.ListByState(ctx, queue.StateWaiting)
		Expect(err).ToNot(HaveOccurred())
		Expect(waiting).To(HaveLen(1))
	})
})
