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

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/audittrail/pkg/archival"
	"github.com/jordigilh/audittrail/pkg/audit"
	"github.com/jordigilh/audittrail/pkg/config"
)

var _ = Describe("Load", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	write := func(content string) string {
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	It("loads a full configuration with env substitution", func() {
		GinkgoT().Setenv("TEST_DATABASE_URL", "postgres://audit:secret@db:5432/audit")
		GinkgoT().Setenv("TEST_SLACK_HOOK", "https://hooks.slack.example/T000/B000")

		cfg, err := config.Load(write(`
server:
  host: 0.0.0.0
  port: 9090
  shutdown_timeout: 45s
database:
  url: ${TEST_DATABASE_URL}
  auto_migrate: true
redis:
  address: redis:6379
  db: 2
health:
  circuit_breaker_threshold: 3
  circuit_breaker_timeout: 2m
dlq:
  alert_threshold: 25
  alert_cooldown: 10m
archival:
  format: jsonl
  compression: deflate
  compression_level: 6
  verify_integrity: true
  policies:
    - name: standard-90
      data_classification: internal
      archive_after_days: 90
      delete_after_days: 365
      enabled: true
alerting:
  slack_webhook_url: ${TEST_SLACK_HOOK}
logging:
  level: debug
  development: true
`))
		Expect(err).ToNot(HaveOccurred())

		Expect(cfg.Server.Addr()).To(Equal("0.0.0.0:9090"))
		Expect(cfg.Server.ShutdownTimeout.Std()).To(Equal(45 * time.Second))
		Expect(cfg.Database.URL).To(Equal("postgres://audit:secret@db:5432/audit"))
		Expect(cfg.Database.AutoMigrate).To(BeTrue())
		Expect(cfg.Redis.DB).To(Equal(2))
		Expect(cfg.Health.CircuitBreakerThreshold).To(Equal(3))
		Expect(cfg.Health.CircuitBreakerTimeout.Std()).To(Equal(2 * time.Minute))
		Expect(cfg.DLQ.AlertThreshold).To(Equal(25))
		Expect(cfg.Archival.Format).To(Equal("jsonl"))
		Expect(cfg.Archival.Policies).To(HaveLen(1))
		Expect(*cfg.Archival.Policies[0].DeleteAfterDays).To(Equal(365))
		Expect(cfg.Alerting.SlackWebhookURL).To(Equal("https://hooks.slack.example/T000/B000"))
		Expect(cfg.Logging.Level).To(Equal("debug"))
	})

	It("applies defaults to a minimal file", func() {
		cfg, err := config.Load(write(`
database:
  url: postgres://localhost/audit
`))
		Expect(err).ToNot(HaveOccurred())

		Expect(cfg.Server.Port).To(Equal(8080))
		Expect(cfg.Redis.Address).To(Equal("localhost:6379"))
		Expect(cfg.Health.DisableThreshold).To(Equal(10))
		Expect(cfg.Health.MonitorInterval.Std()).To(Equal(300 * time.Second))
		Expect(cfg.DLQ.AlertThreshold).To(Equal(10))
		Expect(cfg.DLQ.MaxRetentionDays).To(Equal(90))
		Expect(cfg.Archival.Format).To(Equal("json"))
		Expect(cfg.Archival.Compression).To(Equal("gzip"))
		Expect(*cfg.Archival.CompressionLevel).To(Equal(6))
		Expect(cfg.Logging.Level).To(Equal("info"))
	})

	It("keeps an explicit compression level of zero", func() {
		cfg, err := config.Load(write(`
database:
  url: postgres://localhost/audit
archival:
  compression: gzip
  compression_level: 0
`))
		Expect(err).ToNot(HaveOccurred())
		Expect(*cfg.Archival.CompressionLevel).To(Equal(0))
	})

	It("yields a compression level the archive codec accepts", func() {
		cfg, err := config.Load(write(`
database:
  url: postgres://localhost/audit
archival:
  compression: gzip
`))
		Expect(err).ToNot(HaveOccurred())

		engine := archival.NewEngine(
			archival.NewInMemoryAuditLog(),
			archival.NewInMemoryArchiveStore(),
			archival.NewInMemoryPolicyStore(),
			archival.Config{
				Format:               cfg.Archival.Format,
				CompressionAlgorithm: cfg.Archival.Compression,
				CompressionLevel:     cfg.Archival.CompressionLevel,
				VerifyIntegrity:      cfg.Archival.VerifyIntegrity,
				BatchSize:            cfg.Archival.BatchSize,
			}, nil, nil, logr.Discard())

		result, err := engine.CreateArchive(context.Background(), []*audit.Record{{
			ID:             "rec-1",
			Timestamp:      time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
			OrganizationID: "org-1",
			Action:         "user.login",
		}}, archival.CreateRequest{RetentionPolicy: "standard", DataClassification: "internal"})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.RecordCount).To(Equal(1))
	})

	It("substitutes an unset env reference with an empty string", func() {
		_, err := config.Load(write(`
database:
  url: ${DEFINITELY_NOT_SET_ANYWHERE}
`))
		// The required tag catches the now-empty URL.
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("URL"))
	})

	It("fails on a missing file", func() {
		_, err := config.Load(filepath.Join(dir, "absent.yaml"))
		Expect(err).To(HaveOccurred())
	})

	It("rejects malformed YAML", func() {
		_, err := config.Load(write("database: [unclosed"))
		Expect(err).To(HaveOccurred())
	})

	It("rejects an out-of-range port", func() {
		_, err := config.Load(write(`
server:
  port: 70000
database:
  url: postgres://localhost/audit
`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unknown log level", func() {
		_, err := config.Load(write(`
database:
  url: postgres://localhost/audit
logging:
  level: verbose
`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a bad duration string", func() {
		_, err := config.Load(write(`
database:
  url: postgres://localhost/audit
dlq:
  alert_cooldown: soon
`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a policy that deletes before it archives", func() {
		_, err := config.Load(write(`
database:
  url: postgres://localhost/audit
archival:
  policies:
    - name: broken
      data_classification: internal
      archive_after_days: 90
      delete_after_days: 30
      enabled: true
`))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("delete_after_days"))
	})

	It("rejects a compression level outside the gzip range", func() {
		_, err := config.Load(write(`
database:
  url: postgres://localhost/audit
archival:
  compression: gzip
  compression_level: 12
`))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("compression_level"))
	})

	It("rejects a degraded threshold above the unhealthy threshold", func() {
		_, err := config.Load(write(`
database:
  url: postgres://localhost/audit
health:
  degraded_threshold: 8
  unhealthy_threshold: 5
`))
		Expect(err).To(HaveOccurred())
	})
})
