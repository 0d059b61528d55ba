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

package alerting_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/audittrail/pkg/alerting"
	"github.com/jordigilh/audittrail/pkg/dlq"
	"github.com/jordigilh/audittrail/pkg/shared/circuitbreaker"
)

var _ = Describe("WebhookNotifier", func() {
	var (
		ctx      context.Context
		received []dlq.Metrics
		status   int
		server   *httptest.Server
	)

	BeforeEach(func() {
		ctx = context.Background()
		received = nil
		status = http.StatusOK
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var m dlq.Metrics
			Expect(json.NewDecoder(r.Body).Decode(&m)).To(Succeed())
			received = append(received, m)
			w.WriteHeader(status)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	It("posts the metrics snapshot as JSON", func() {
		notifier := alerting.NewWebhookNotifier(server.URL, server.Client())
		Expect(notifier.Notify(ctx, dlq.Metrics{TotalEvents: 12, EventsToday: 3})).To(Succeed())
		Expect(received).To(HaveLen(1))
		Expect(received[0].TotalEvents).To(Equal(12))
	})

	It("treats non-2xx responses as failures", func() {
		status = http.StatusBadGateway
		notifier := alerting.NewWebhookNotifier(server.URL, server.Client())
		err := notifier.Notify(ctx, dlq.Metrics{TotalEvents: 1})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("502"))
	})
})

var _ = Describe("Callback", func() {
	It("trips the breaker after consecutive sink failures and drops alerts while open", func() {
		notifier := &failingNotifier{err: errors.New("sink down")}
		breakers := circuitbreaker.NewManager(logr.Discard())
		callback := alerting.Callback(notifier, breakers, nil, logr.Discard())

		for i := 0; i < 3; i++ {
			Expect(callback(context.Background(), dlq.Metrics{})).To(HaveOccurred())
		}
		Expect(notifier.calls).To(Equal(3))

		// Breaker open: the sink is no longer invoked.
		Expect(callback(context.Background(), dlq.Metrics{})).To(HaveOccurred())
		Expect(notifier.calls).To(Equal(3))
	})

	It("passes metrics through to a healthy sink", func() {
		notifier := &failingNotifier{}
		breakers := circuitbreaker.NewManager(logr.Discard())
		callback := alerting.Callback(notifier, breakers, nil, logr.Discard())

		Expect(callback(context.Background(), dlq.Metrics{TotalEvents: 7})).To(Succeed())
		Expect(notifier.calls).To(Equal(1))
		Expect(notifier.last.TotalEvents).To(Equal(7))
	})
})

type failingNotifier struct {
	err   error
	calls int
	last  dlq.Metrics
}

func (n *failingNotifier) Name() string { return "test-sink" }

func (n *failingNotifier) Notify(_ context.Context, m dlq.Metrics) error {
	n.calls++
	n.last = m
	return n.err
}

var _ = Describe("CredentialResolver", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, "org-A"), []byte("hook-a\n"), 0o600)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "org-B"), []byte("hook-b"), 0o600)).To(Succeed())
	})

	It("loads credentials eagerly and trims whitespace", func() {
		resolver, err := alerting.NewCredentialResolver(dir, logr.Discard())
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = resolver.Close() }()

		Expect(resolver.Count()).To(Equal(2))
		secret, ok := resolver.Lookup("org-A")
		Expect(ok).To(BeTrue())
		Expect(secret).To(Equal("hook-a"))

		_, ok = resolver.Lookup("org-C")
		Expect(ok).To(BeFalse())
	})

	It("fails on a missing directory", func() {
		_, err := alerting.NewCredentialResolver(filepath.Join(dir, "missing"), logr.Discard())
		Expect(err).To(HaveOccurred())
	})

	It("picks up new credential files while watching", func() {
		resolver, err := alerting.NewCredentialResolver(dir, logr.Discard())
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		Expect(resolver.StartWatching(ctx)).To(Succeed())
		defer func() { _ = resolver.Close() }()

		Expect(os.WriteFile(filepath.Join(dir, "org-C"), []byte("hook-c"), 0o600)).To(Succeed())

		Eventually(func() bool {
			_, ok := resolver.Lookup("org-C")
			return ok
		}, 2*time.Second, 10*time.Millisecond).Should(BeTrue())
	})
})
