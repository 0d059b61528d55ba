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

package health_test

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/jordigilh/audittrail/pkg/health"
)

var _ = Describe("Circuit breaker", func() {
	var (
		ctx     context.Context
		store   *health.InMemoryStore
		clk     *clocktesting.FakeClock
		tracker *health.Tracker
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = health.NewInMemoryStore()
		clk = clocktesting.NewFakeClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
		tracker = health.NewTracker(store, store, health.DefaultConfig(), nil, clk, logr.Discard())
	})

	get := func(id string) *health.DestinationHealth {
		h, err := store.FindByDestinationID(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		return h
	}

	fail := func(id string, n int) {
		for i := 0; i < n; i++ {
			Expect(tracker.RecordFailure(ctx, id, "timeout")).To(Succeed())
		}
	}

	It("allows delivery to an untracked destination", func() {
		allowed, err := tracker.ShouldAllowDelivery(ctx, "never-seen")
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeTrue())
	})

	It("opens after 5 consecutive failures and denies delivery", func() {
		fail("d1", 5)

		h := get("d1")
		Expect(h.CircuitState).To(Equal(health.CircuitOpen))
		Expect(h.CircuitOpenedAt).ToNot(BeNil())

		allowed, err := tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeFalse())
	})

	It("stays closed below the threshold", func() {
		fail("d1", 4)
		Expect(get("d1").CircuitState).To(Equal(health.CircuitClosed))

		allowed, _ := tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(allowed).To(BeTrue())
	})

	It("recovers through half-open after the timeout", func() {
		fail("d1", 5)
		allowed, _ := tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(allowed).To(BeFalse())

		clk.Step(300*time.Second + time.Millisecond)

		allowed, err := tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeTrue())
		Expect(get("d1").CircuitState).To(Equal(health.CircuitHalfOpen))

		Expect(tracker.RecordSuccess(ctx, "d1", 42)).To(Succeed())
		h := get("d1")
		Expect(h.CircuitState).To(Equal(health.CircuitClosed))
		Expect(h.CircuitOpenedAt).To(BeNil())
	})

	It("denies delivery before the timeout elapses", func() {
		fail("d1", 5)
		clk.Step(299 * time.Second)

		allowed, _ := tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(allowed).To(BeFalse())
		Expect(get("d1").CircuitState).To(Equal(health.CircuitOpen))
	})

	It("re-opens from half-open on a failed probe with a fresh window", func() {
		fail("d1", 5)
		openedFirst := get("d1").CircuitOpenedAt

		clk.Step(301 * time.Second)
		allowed, _ := tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(allowed).To(BeTrue())

		Expect(tracker.RecordFailure(ctx, "d1", "still down")).To(Succeed())
		h := get("d1")
		Expect(h.CircuitState).To(Equal(health.CircuitOpen))
		Expect(h.CircuitOpenedAt.After(*openedFirst)).To(BeTrue())

		// The fresh window denies again until another timeout passes.
		allowed, _ = tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(allowed).To(BeFalse())
	})

	It("caps concurrent half-open probes at the configured limit", func() {
		cfg := health.DefaultConfig()
		cfg.HalfOpenMaxAttempts = 2
		tracker = health.NewTracker(store, store, cfg, nil, clk, logr.Discard())

		fail("d1", 5)
		clk.Step(301 * time.Second)

		first, _ := tracker.ShouldAllowDelivery(ctx, "d1")
		second, _ := tracker.ShouldAllowDelivery(ctx, "d1")
		third, _ := tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(first).To(BeTrue())
		Expect(second).To(BeTrue())
		Expect(third).To(BeFalse())

		// A probe outcome frees the breaker: success closes it entirely.
		Expect(tracker.RecordSuccess(ctx, "d1", 10)).To(Succeed())
		allowed, _ := tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(allowed).To(BeTrue())
	})

	It("denies everything once the destination is disabled, regardless of circuit state", func() {
		fail("d1", 10)
		Expect(get("d1").Status).To(Equal(health.StatusDisabled))

		allowed, _ := tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(allowed).To(BeFalse())

		// Even a lapsed circuit timeout cannot override disabled.
		clk.Step(600 * time.Second)
		allowed, _ = tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(allowed).To(BeFalse())
		Expect(get("d1").CircuitState).To(Equal(health.CircuitOpen))
	})

	It("fails open when the health store is unavailable", func() {
		broken := &failingStore{err: errors.New("connection reset")}
		tracker = health.NewTracker(broken, nil, health.DefaultConfig(), nil, clk, logr.Discard())

		allowed, err := tracker.ShouldAllowDelivery(ctx, "d1")
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeTrue())
	})

	Describe("TransitionToHalfOpen", func() {
		It("moves an expired open circuit exactly once", func() {
			fail("d1", 5)
			clk.Step(301 * time.Second)

			moved, err := tracker.TransitionToHalfOpen(ctx, "d1")
			Expect(err).ToNot(HaveOccurred())
			Expect(moved).To(BeTrue())
			Expect(get("d1").CircuitState).To(Equal(health.CircuitHalfOpen))

			moved, err = tracker.TransitionToHalfOpen(ctx, "d1")
			Expect(err).ToNot(HaveOccurred())
			Expect(moved).To(BeFalse())
		})

		It("leaves unexpired circuits alone", func() {
			fail("d1", 5)
			clk.Step(10 * time.Second)

			moved, err := tracker.TransitionToHalfOpen(ctx, "d1")
			Expect(err).ToNot(HaveOccurred())
			Expect(moved).To(BeFalse())
			Expect(get("d1").CircuitState).To(Equal(health.CircuitOpen))
		})
	})

	Describe("store-level circuit updates", func() {
		It("is idempotent for repeated identical updates", func() {
			Expect(tracker.RecordFailure(ctx, "d1", "x")).To(Succeed())
			openedAt := clk.Now().UTC()

			Expect(store.UpdateCircuitBreakerState(ctx, "d1", health.CircuitOpen, &openedAt)).To(Succeed())
			first := get("d1")
			Expect(store.UpdateCircuitBreakerState(ctx, "d1", health.CircuitOpen, &openedAt)).To(Succeed())
			second := get("d1")

			Expect(second).To(Equal(first))
		})
	})
})
