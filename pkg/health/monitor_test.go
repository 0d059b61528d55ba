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
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/jordigilh/audittrail/pkg/health"
)

var _ = Describe("Health monitor", func() {
	var (
		ctx      context.Context
		store    *health.InMemoryStore
		clk      *clocktesting.FakeClock
		tracker  *health.Tracker
		recorder *countingRecorder
		monitor  *health.Monitor
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = health.NewInMemoryStore()
		clk = clocktesting.NewFakeClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
		recorder = &countingRecorder{}
		tracker = health.NewTracker(store, store, health.DefaultConfig(), recorder, clk, logr.Discard())
		monitor = health.NewMonitor(tracker, store, recorder, clk, logr.Discard())
	})

	openCircuit := func(id string) {
		for i := 0; i < 5; i++ {
			Expect(tracker.RecordFailure(ctx, id, "timeout")).To(Succeed())
		}
	}

	Describe("Sweep", func() {
		It("moves expired open circuits to half-open", func() {
			openCircuit("d1")
			openCircuit("d2")
			clk.Step(301 * time.Second)

			Expect(monitor.Sweep(ctx)).To(Equal(2))

			for _, id := range []string{"d1", "d2"} {
				h, err := store.FindByDestinationID(ctx, id)
				Expect(err).ToNot(HaveOccurred())
				Expect(h.CircuitState).To(Equal(health.CircuitHalfOpen))
			}
		})

		It("leaves unexpired circuits open", func() {
			openCircuit("d1")
			clk.Step(30 * time.Second)

			Expect(monitor.Sweep(ctx)).To(BeZero())

			h, err := store.FindByDestinationID(ctx, "d1")
			Expect(err).ToNot(HaveOccurred())
			Expect(h.CircuitState).To(Equal(health.CircuitOpen))
		})

		It("transitions each destination exactly once across repeated sweeps", func() {
			openCircuit("d1")
			clk.Step(301 * time.Second)

			Expect(monitor.Sweep(ctx)).To(Equal(1))
			Expect(monitor.Sweep(ctx)).To(BeZero())
		})

		It("skips disabled destinations", func() {
			for i := 0; i < 10; i++ {
				Expect(tracker.RecordFailure(ctx, "d1", "timeout")).To(Succeed())
			}
			clk.Step(301 * time.Second)

			Expect(monitor.Sweep(ctx)).To(BeZero())
		})
	})

	Describe("loop lifecycle", func() {
		It("sweeps on every tick", func() {
			openCircuit("d1")
			monitor.Start(ctx)
			defer monitor.Stop()

			Eventually(clk.HasWaiters, time.Second, 5*time.Millisecond).Should(BeTrue(),
				"monitor loop should be waiting on its ticker")

			clk.Step(300 * time.Second)
			Eventually(recorder.sweepCount, time.Second, 5*time.Millisecond).Should(Equal(1))

			clk.Step(300 * time.Second)
			Eventually(recorder.sweepCount, time.Second, 5*time.Millisecond).Should(Equal(2))
		})

		It("runs no sweeps after Stop", func() {
			monitor.Start(ctx)
			Eventually(clk.HasWaiters, time.Second, 5*time.Millisecond).Should(BeTrue())

			monitor.Stop()
			base := recorder.sweepCount()

			clk.Step(600 * time.Second)
			Consistently(recorder.sweepCount, 100*time.Millisecond, 10*time.Millisecond).Should(Equal(base))
		})

		It("tolerates repeated Stop calls", func() {
			monitor.Start(ctx)
			Eventually(clk.HasWaiters, time.Second, 5*time.Millisecond).Should(BeTrue())
			monitor.Stop()
			Expect(monitor.Stop).ToNot(Panic())
		})

		It("exits when the context is cancelled", func() {
			loopCtx, cancel := context.WithCancel(ctx)
			monitor.Start(loopCtx)
			Eventually(clk.HasWaiters, time.Second, 5*time.Millisecond).Should(BeTrue())

			cancel()
			clk.Step(600 * time.Second)
			Consistently(recorder.sweepCount, 100*time.Millisecond, 10*time.Millisecond).Should(BeZero())
		})
	})
})
