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
	"encoding/base64"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/audittrail/pkg/archival"
	"github.com/jordigilh/audittrail/pkg/repository"
)

var archiveCols = []string{
	"id", "data", "data_encoding", "metadata", "created_at",
	"retrieved_count", "last_retrieved_at",
}

var _ = Describe("ArchiveRepository", func() {
	var (
		ctx  context.Context
		db   *sqlx.DB
		mock sqlmock.Sqlmock
		repo *repository.ArchiveRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		db = sqlx.NewDb(raw, "sqlmock")
		repo = repository.NewArchiveRepository(db)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.ExpectClose()
		Expect(db.Close()).To(Succeed())
	})

	It("inserts a raw payload with its metadata as JSON", func() {
		created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		mock.ExpectExec(`INSERT INTO audit_archives`).
			WithArgs("archive-1748772000000-abcd1234", []byte("compressed"), "raw",
				sqlmock.AnyArg(), created, 0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(repo.Insert(ctx, &archival.Archive{
			ID:        "archive-1748772000000-abcd1234",
			Data:      []byte("compressed"),
			CreatedAt: created,
			Metadata: archival.Metadata{
				RecordCount:     10,
				RetentionPolicy: "standard",
			},
		})).To(Succeed())
	})

	It("decodes a base64-encoded legacy payload on read", func() {
		payload := []byte("legacy archive bytes")
		encoded := []byte(base64.StdEncoding.EncodeToString(payload))
		created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

		mock.ExpectQuery(`SELECT .+ FROM audit_archives WHERE id = \$1`).
			WithArgs("archive-legacy").
			WillReturnRows(sqlmock.NewRows(archiveCols).AddRow(
				"archive-legacy", encoded, "base64",
				[]byte(`{"recordCount":3,"config":{"Format":"json"}}`),
				created, 2, created))

		a, err := repo.Get(ctx, "archive-legacy")
		Expect(err).ToNot(HaveOccurred())
		Expect(a.Data).To(Equal(payload))
		Expect(a.Metadata.RecordCount).To(Equal(3))
		Expect(a.RetrievedCount).To(Equal(2))
	})

	It("maps a missing archive to archival.ErrArchiveNotFound", func() {
		mock.ExpectQuery(`SELECT .+ FROM audit_archives WHERE id = \$1`).
			WithArgs("archive-missing").
			WillReturnRows(sqlmock.NewRows(archiveCols))

		_, err := repo.Get(ctx, "archive-missing")
		Expect(err).To(MatchError(archival.ErrArchiveNotFound))
	})

	It("filters by classification through the JSONB metadata", func() {
		created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		mock.ExpectQuery(`SELECT .+ FROM audit_archives WHERE metadata->>'dataClassification' = ANY\(\$1\) ORDER BY created_at LIMIT \$2`).
			WithArgs(`{"confidential"}`, 5).
			WillReturnRows(sqlmock.NewRows(archiveCols).AddRow(
				"archive-1", []byte("x"), "raw", []byte(`{"recordCount":1}`),
				created, 0, nil))

		archives, err := repo.Select(ctx, archival.ArchiveFilter{
			DataClassifications: []string{"confidential"},
			Limit:               5,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(archives).To(HaveLen(1))
	})

	It("increments retrieval statistics in a single statement", func() {
		at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		mock.ExpectExec(`UPDATE audit_archives\s+SET retrieved_count = retrieved_count \+ 1`).
			WithArgs("archive-1", at).
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(repo.RecordRetrieval(ctx, "archive-1", at)).To(Succeed())
	})

	It("reports how many archives a delete removed", func() {
		mock.ExpectExec(`DELETE FROM audit_archives WHERE id = ANY\(\$1\)`).
			WithArgs(`{"archive-1","archive-2"}`).
			WillReturnResult(sqlmock.NewResult(0, 2))

		n, err := repo.DeleteByIDs(ctx, []string{"archive-1", "archive-2"})
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(2)))
	})
})

var _ = Describe("PolicyRepository", func() {
	var (
		ctx  context.Context
		db   *sqlx.DB
		mock sqlmock.Sqlmock
		repo *repository.PolicyRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		db = sqlx.NewDb(raw, "sqlmock")
		repo = repository.NewPolicyRepository(db)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.ExpectClose()
		Expect(db.Close()).To(Succeed())
	})

	It("rejects an invalid policy before touching the database", func() {
		thirty := 30
		err := repo.Insert(ctx, &archival.RetentionPolicy{
			PolicyName:         "broken",
			DataClassification: "internal",
			ArchiveAfterDays:   90,
			DeleteAfterDays:    &thirty,
		})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("deleteAfterDays"))
	})

	It("upserts a valid policy by name", func() {
		year := 365
		mock.ExpectExec(`INSERT INTO retention_policies .+ ON CONFLICT \(policy_name\) DO UPDATE SET`).
			WithArgs("standard-90", "internal", 90, sqlmock.AnyArg(), true).
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(repo.Insert(ctx, &archival.RetentionPolicy{
			PolicyName:         "standard-90",
			DataClassification: "internal",
			ArchiveAfterDays:   90,
			DeleteAfterDays:    &year,
			IsActive:           true,
		})).To(Succeed())
	})

	It("lists active policies with nullable delete ages", func() {
		mock.ExpectQuery(`SELECT .+ FROM retention_policies WHERE is_active ORDER BY policy_name`).
			WillReturnRows(sqlmock.NewRows([]string{
				"policy_name", "data_classification", "archive_after_days",
				"delete_after_days", "is_active",
			}).
				AddRow("keep-forever", "restricted", 30, nil, true).
				AddRow("standard-90", "internal", 90, int64(365), true))

		policies, err := repo.ListActive(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(policies).To(HaveLen(2))
		Expect(policies[0].DeleteAfterDays).To(BeNil())
		Expect(*policies[1].DeleteAfterDays).To(Equal(365))
	})

	It("maps a missing policy to archival.ErrPolicyNotFound", func() {
		mock.ExpectQuery(`SELECT .+ FROM retention_policies WHERE policy_name = \$1`).
			WithArgs("absent").
			WillReturnRows(sqlmock.NewRows([]string{"policy_name"}))

		_, err := repo.FindByName(ctx, "absent")
		Expect(err).To(MatchError(archival.ErrPolicyNotFound))
	})
})
