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
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/jordigilh/audittrail/pkg/health"
)

var _ = Describe("Tracker", func() {
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

	Describe("RecordSuccess", func() {
		It("initializes a fresh destination as healthy", func() {
			Expect(tracker.RecordSuccess(ctx, "d1", 120)).To(Succeed())

			h := get("d1")
			Expect(h.Status).To(Equal(health.StatusHealthy))
			Expect(h.ConsecutiveSuccesses).To(Equal(1))
			Expect(h.ConsecutiveFailures).To(BeZero())
			Expect(h.TotalDeliveries).To(Equal(int64(1)))
			Expect(h.TotalFailures).To(BeZero())
			Expect(h.LastSuccessAt).ToNot(BeNil())
			Expect(h.CircuitState).To(Equal(health.CircuitClosed))
			Expect(h.CircuitOpenedAt).To(BeNil())
		})

		It("folds response times into the moving average with alpha 0.2", func() {
			Expect(tracker.RecordSuccess(ctx, "d1", 100)).To(Succeed())
			Expect(get("d1").AverageResponseTimeMs).To(BeNumerically("~", 100, 1e-9))

			Expect(tracker.RecordSuccess(ctx, "d1", 200)).To(Succeed())
			Expect(get("d1").AverageResponseTimeMs).To(BeNumerically("~", 120, 1e-9))

			Expect(tracker.RecordSuccess(ctx, "d1", 100)).To(Succeed())
			Expect(get("d1").AverageResponseTimeMs).To(BeNumerically("~", 116, 1e-9))
		})

		It("clears the failure streak", func() {
			Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())
			Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())
			Expect(get("d1").ConsecutiveFailures).To(Equal(2))

			Expect(tracker.RecordSuccess(ctx, "d1", 50)).To(Succeed())
			h := get("d1")
			Expect(h.ConsecutiveFailures).To(BeZero())
			Expect(h.ConsecutiveSuccesses).To(Equal(1))
			Expect(h.Status).To(Equal(health.StatusHealthy))
		})
	})

	Describe("RecordFailure", func() {
		It("tracks the failure streak and totals", func() {
			Expect(tracker.RecordFailure(ctx, "d1", "connection refused")).To(Succeed())

			h := get("d1")
			Expect(h.ConsecutiveFailures).To(Equal(1))
			Expect(h.ConsecutiveSuccesses).To(BeZero())
			Expect(h.TotalFailures).To(Equal(int64(1)))
			Expect(h.TotalDeliveries).To(Equal(int64(1)))
			Expect(h.LastError).To(Equal("connection refused"))
			Expect(h.LastFailureAt).ToNot(BeNil())
		})

		It("bounds the stored error message to 1 KiB", func() {
			long := strings.Repeat("x", 4096)
			Expect(tracker.RecordFailure(ctx, "d1", long)).To(Succeed())
			Expect(len(get("d1").LastError)).To(Equal(1024))
		})

		It("marks the destination degraded at 3 consecutive failures", func() {
			for i := 0; i < 3; i++ {
				Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())
			}
			Expect(get("d1").Status).To(Equal(health.StatusDegraded))
		})

		It("marks the destination unhealthy at 5 consecutive failures", func() {
			for i := 0; i < 5; i++ {
				Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())
			}
			Expect(get("d1").Status).To(Equal(health.StatusUnhealthy))
		})

		It("degrades on a low success rate once 20 deliveries accumulated", func() {
			for i := 0; i < 18; i++ {
				Expect(tracker.RecordSuccess(ctx, "d1", 10)).To(Succeed())
			}
			Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())
			Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())

			h := get("d1")
			Expect(h.TotalDeliveries).To(Equal(int64(20)))
			Expect(h.SuccessRate()).To(BeNumerically("==", 90))
			Expect(h.ConsecutiveFailures).To(Equal(2))
			Expect(h.Status).To(Equal(health.StatusDegraded))
		})

		It("stays healthy below 20 deliveries even with a poor rate", func() {
			Expect(tracker.RecordSuccess(ctx, "d1", 10)).To(Succeed())
			Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())
			Expect(tracker.RecordSuccess(ctx, "d1", 10)).To(Succeed())

			h := get("d1")
			Expect(h.SuccessRate()).To(BeNumerically("<", 95))
			Expect(h.Status).To(Equal(health.StatusHealthy))
		})
	})

	Describe("failure streak invariant", func() {
		It("holds consecutiveFailures == 0 iff the last outcome was success", func() {
			ops := []bool{true, false, false, true, false, true, true, false}
			for _, success := range ops {
				if success {
					Expect(tracker.RecordSuccess(ctx, "d1", 10)).To(Succeed())
				} else {
					Expect(tracker.RecordFailure(ctx, "d1", "err")).To(Succeed())
				}
				h := get("d1")
				if success {
					Expect(h.ConsecutiveFailures).To(BeZero())
				} else {
					Expect(h.ConsecutiveFailures).To(BeNumerically(">", 0))
				}
			}
		})
	})

	Describe("disable threshold", func() {
		It("disables the destination after 10 consecutive failures with the canonical reason and actor", func() {
			for i := 0; i < 10; i++ {
				Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())
			}

			h := get("d1")
			Expect(h.Status).To(Equal(health.StatusDisabled))
			Expect(h.DisabledAt).ToNot(BeNil())
			Expect(h.DisabledReason).To(Equal("Exceeded failure threshold"))

			rec, ok := store.DisableRecordFor("d1")
			Expect(ok).To(BeTrue())
			Expect(rec.Disabled).To(BeTrue())
			Expect(rec.Reason).To(Equal("Exceeded failure threshold"))
			Expect(rec.Actor).To(Equal("health-monitor"))
		})

		It("keeps disabled terminal across later successes", func() {
			for i := 0; i < 10; i++ {
				Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())
			}
			Expect(tracker.RecordSuccess(ctx, "d1", 10)).To(Succeed())
			Expect(get("d1").Status).To(Equal(health.StatusDisabled))
		})

		It("clears disabled only through an explicit re-enable", func() {
			for i := 0; i < 10; i++ {
				Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())
			}
			Expect(tracker.ReEnable(ctx, "d1", "ops-oncall")).To(Succeed())

			h := get("d1")
			Expect(h.Status).ToNot(Equal(health.StatusDisabled))
			Expect(h.DisabledAt).To(BeNil())
			Expect(h.DisabledReason).To(BeEmpty())
			Expect(h.CircuitState).To(Equal(health.CircuitClosed))

			rec, _ := store.DisableRecordFor("d1")
			Expect(rec.Disabled).To(BeFalse())
			Expect(rec.Actor).To(Equal("ops-oncall"))
		})
	})

	Describe("per-destination serialization", func() {
		It("never loses counter updates under concurrent recording", func() {
			const workers = 8
			const perWorker = 25

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					defer GinkgoRecover()
					for i := 0; i < perWorker; i++ {
						if n%2 == 0 {
							Expect(tracker.RecordSuccess(ctx, "d1", 10)).To(Succeed())
						} else {
							Expect(tracker.RecordFailure(ctx, "d1", "err")).To(Succeed())
						}
					}
				}(w)
			}
			wg.Wait()

			h := get("d1")
			Expect(h.TotalDeliveries).To(Equal(int64(workers * perWorker)))
			Expect(h.TotalFailures).To(Equal(int64(workers / 2 * perWorker)))
		})

		It("keeps destinations independent", func() {
			Expect(tracker.RecordFailure(ctx, "d1", "err")).To(Succeed())
			Expect(tracker.RecordSuccess(ctx, "d2", 10)).To(Succeed())

			Expect(get("d1").ConsecutiveFailures).To(Equal(1))
			Expect(get("d2").ConsecutiveFailures).To(BeZero())
		})
	})
})
