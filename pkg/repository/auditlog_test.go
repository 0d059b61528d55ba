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

package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/audittrail/pkg/archival"
	"github.com/jordigilh/audittrail/pkg/audit"
	"github.com/jordigilh/audittrail/pkg/repository"
)

var auditCols = []string{
	"id", "timestamp", "principal_id", "organization_id", "action",
	"data_classification", "retention_policy", "archived_at", "extras",
}

var _ = Describe("AuditLogRepository", func() {
	var (
		ctx  context.Context
		db   *sqlx.DB
		mock sqlmock.Sqlmock
		repo *repository.AuditLogRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		db = sqlx.NewDb(raw, "sqlmock")
		repo = repository.NewAuditLogRepository(db)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.ExpectClose()
		Expect(db.Close()).To(Succeed())
	})

	Describe("Insert", func() {
		It("writes the batch inside one transaction", func() {
			ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
			mock.ExpectBegin()
			mock.ExpectExec(`INSERT INTO audit_log`).
				WithArgs("rec-1", ts, "user-1", "org-A", "document.read",
					"internal", "standard", sqlmock.AnyArg(), []byte(`{"custom":"x"}`)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`INSERT INTO audit_log`).
				WithArgs("rec-2", ts, "user-1", "org-A", "document.write",
					"internal", "standard", sqlmock.AnyArg(), []byte(`{}`)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			Expect(repo.Insert(ctx, []*audit.Record{
				{
					ID: "rec-1", Timestamp: ts, PrincipalID: "user-1",
					OrganizationID: "org-A", Action: "document.read",
					DataClassification: "internal", RetentionPolicy: "standard",
					Extras: map[string]json.RawMessage{"custom": json.RawMessage(`"x"`)},
				},
				{
					ID: "rec-2", Timestamp: ts, PrincipalID: "user-1",
					OrganizationID: "org-A", Action: "document.write",
					DataClassification: "internal", RetentionPolicy: "standard",
				},
			})).To(Succeed())
		})

		It("rolls back when one record fails", func() {
			ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
			mock.ExpectBegin()
			mock.ExpectExec(`INSERT INTO audit_log`).
				WillReturnError(errors.New("duplicate key"))
			mock.ExpectRollback()

			err := repo.Insert(ctx, []*audit.Record{
				{ID: "rec-1", Timestamp: ts, OrganizationID: "org-A", Action: "document.read"},
			})
			Expect(err).To(HaveOccurred())
		})

		It("is a no-op for an empty batch", func() {
			Expect(repo.Insert(ctx, nil)).To(Succeed())
		})
	})

	Describe("Select", func() {
		It("builds the retention sweep filter", func() {
			cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
			ts := cutoff.Add(-24 * time.Hour)
			mock.ExpectQuery(`SELECT .+ FROM audit_log WHERE data_classification = \$1 AND retention_policy = \$2 AND archived_at IS NULL AND timestamp < \$3 ORDER BY timestamp LIMIT \$4`).
				WithArgs("internal", "standard", cutoff, 1000).
				WillReturnRows(sqlmock.NewRows(auditCols).AddRow(
					"rec-1", ts, "user-1", "org-A", "document.read",
					"internal", "standard", nil, []byte(`{"traceId":"t-1"}`)))

			records, err := repo.Select(ctx, archival.AuditLogFilter{
				DataClassification: "internal",
				RetentionPolicy:    "standard",
				NotArchived:        true,
				Before:             cutoff,
				Limit:              1000,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ArchivedAt).To(BeNil())
			Expect(records[0].Extras).To(HaveKey("traceId"))
		})
	})

	It("stamps archived records with the archive time", func() {
		at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		mock.ExpectExec(`UPDATE audit_log SET archived_at = \$2 WHERE id = ANY\(\$1\)`).
			WithArgs(`{"rec-1","rec-2"}`, at).
			WillReturnResult(sqlmock.NewResult(0, 2))

		Expect(repo.MarkArchived(ctx, []string{"rec-1", "rec-2"}, at)).To(Succeed())
	})

	It("reports how many expired records a sweep deleted", func() {
		cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		mock.ExpectExec(`DELETE FROM audit_log\s+WHERE retention_policy = \$1 AND data_classification = \$2 AND timestamp < \$3`).
			WithArgs("standard", "internal", cutoff).
			WillReturnResult(sqlmock.NewResult(0, 17))

		n, err := repo.DeleteOlderThan(ctx, "standard", "internal", cutoff)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(17)))
	})

	It("counts surviving records for deletion verification", func() {
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_log WHERE id = ANY\(\$1\)`).
			WithArgs(`{"rec-1","rec-2"}`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

		n, err := repo.CountByIDs(ctx, []string{"rec-1", "rec-2"})
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeZero())
	})
})
