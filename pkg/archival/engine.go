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

package archival

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/jordigilh/audittrail/pkg/audit"
)

// Engine runs the archival pipeline over the three storage ports.
type Engine struct {
	auditLog AuditLogStore
	archives ArchiveStore
	policies PolicyStore
	cfg      Config
	clock    clock.PassiveClock
	log      logr.Logger
	recorder MetricsRecorder
	tracer   trace.Tracer
}

// NewEngine wires an engine. A nil recorder disables metrics; a nil clock
// uses real time.
func NewEngine(auditLog AuditLogStore, archives ArchiveStore, policies PolicyStore, cfg Config, recorder MetricsRecorder, clk clock.PassiveClock, logger logr.Logger) *Engine {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		auditLog: auditLog,
		archives: archives,
		policies: policies,
		cfg:      cfg.withDefaults(),
		clock:    clk,
		log:      logger.WithName("archival"),
		recorder: recorder,
		tracer:   otel.Tracer("github.com/jordigilh/audittrail/pkg/archival"),
	}
}

// CreateRequest carries the archive-level metadata for a new batch.
type CreateRequest struct {
	RetentionPolicy    string
	DataClassification string
	DateRange          *DateRange
}

// ArchiveResult reports one completed archive creation.
type ArchiveResult struct {
	ArchiveID          string        `json:"archiveId"`
	RecordCount        int           `json:"recordCount"`
	OriginalSize       int64         `json:"originalSize"`
	CompressedSize     int64         `json:"compressedSize"`
	CompressionRatio   float64       `json:"compressionRatio"`
	ChecksumOriginal   string        `json:"checksumOriginal"`
	ChecksumCompressed string        `json:"checksumCompressed"`
	VerificationStatus string        `json:"verificationStatus"`
	CreatedAt          time.Time     `json:"createdAt"`
	ProcessingTime     time.Duration `json:"processingTime"`
}

// CreateArchive serializes, checksums, compresses, persists, and optionally
// verifies one batch of records. A failed verification still returns the
// result; the caller decides what to do with a failed archive.
func (e *Engine) CreateArchive(ctx context.Context, records []*audit.Record, req CreateRequest) (*ArchiveResult, error) {
	ctx, span := e.tracer.Start(ctx, "archival.CreateArchive",
		trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	started := e.clock.Now()
	result, err := e.createArchive(ctx, records, req, started)
	elapsed := e.clock.Since(started)

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
	}
	e.recorder.RecordArchiveOperation("create", status, elapsed.Seconds())
	if result != nil {
		result.ProcessingTime = elapsed
	}
	return result, err
}

func (e *Engine) createArchive(ctx context.Context, records []*audit.Record, req CreateRequest, started time.Time) (*ArchiveResult, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	serialized, err := serializeRecords(records, e.cfg.Format)
	if err != nil {
		return nil, err
	}
	originalSize := int64(len(serialized))
	checksumOriginal := checksum(serialized)

	compressed, err := compressData(serialized, e.cfg.CompressionAlgorithm, *e.cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}
	compressedSize := int64(len(compressed))
	checksumCompressed := checksum(compressed)

	now := started.UTC()
	archive := &Archive{
		ID: NewArchiveID(now),
		Metadata: Metadata{
			RecordCount:        len(records),
			OriginalSize:       originalSize,
			CompressedSize:     compressedSize,
			CompressionRatio:   float64(compressedSize) / float64(originalSize),
			ChecksumOriginal:   checksumOriginal,
			ChecksumCompressed: checksumCompressed,
			RetentionPolicy:    req.RetentionPolicy,
			DataClassification: req.DataClassification,
			DateRange:          req.DateRange,
			Config:             e.cfg,
			CreatedAt:          now,
		},
		Data:      compressed,
		CreatedAt: now,
	}

	if err := e.archives.Insert(ctx, archive); err != nil {
		return nil, fmt.Errorf("persist archive %s: %w", archive.ID, err)
	}

	verification := VerificationSkipped
	if e.cfg.VerifyIntegrity {
		verification = VerificationVerified
		if err := e.verifyArchive(ctx, archive.ID, checksumOriginal, checksumCompressed); err != nil {
			verification = VerificationFailed
			e.log.Error(err, "archive failed integrity verification", "archive_id", archive.ID)
		}
	}

	e.recorder.AddArchiveBytes("original", float64(originalSize))
	e.recorder.AddArchiveBytes("compressed", float64(compressedSize))
	e.recorder.AddArchivedRecords(float64(len(records)))

	e.log.Info("archive created",
		"archive_id", archive.ID,
		"records", len(records),
		"original_size", originalSize,
		"compressed_size", compressedSize,
		"verification", verification)

	return &ArchiveResult{
		ArchiveID:          archive.ID,
		RecordCount:        len(records),
		OriginalSize:       originalSize,
		CompressedSize:     compressedSize,
		CompressionRatio:   archive.Metadata.CompressionRatio,
		ChecksumOriginal:   checksumOriginal,
		ChecksumCompressed: checksumCompressed,
		VerificationStatus: verification,
		CreatedAt:          now,
	}, nil
}

// verifyArchive re-reads the stored archive and recomputes both checksums
// through decompression.
func (e *Engine) verifyArchive(ctx context.Context, archiveID, wantOriginal, wantCompressed string) error {
	stored, err := e.archives.Get(ctx, archiveID)
	if err != nil {
		return fmt.Errorf("reload archive for verification: %w", err)
	}
	if got := checksum(stored.Data); got != wantCompressed {
		return fmt.Errorf("compressed checksum mismatch: want %s, got %s", wantCompressed, got)
	}
	decompressed, err := decompressData(stored.Data, stored.Metadata.Config.CompressionAlgorithm)
	if err != nil {
		return fmt.Errorf("decompress for verification: %w", err)
	}
	if got := checksum(decompressed); got != wantOriginal {
		return fmt.Errorf("original checksum mismatch: want %s, got %s", wantOriginal, got)
	}
	return nil
}

// BatchSummary aggregates the records swept by one retention run.
type BatchSummary struct {
	ByClassification map[string]int `json:"byClassification"`
	ByAction         map[string]int `json:"byAction"`
}

// PolicyRunResult reports the outcome for one retention policy. Err is set
// when the policy failed; failures never abort sibling policies.
type PolicyRunResult struct {
	PolicyName      string         `json:"policyName"`
	RecordsArchived int            `json:"recordsArchived"`
	RecordsDeleted  int64          `json:"recordsDeleted"`
	ArchiveID       string         `json:"archiveId,omitempty"`
	Summary         *BatchSummary  `json:"summary,omitempty"`
	DryRun          bool           `json:"dryRun"`
	Err             error          `json:"-"`
}

// ArchiveByRetentionPolicies sweeps every active policy: records past the
// archive age move into a new archive, and records past the delete age leave
// the live store. Dry runs perform the full selection and report would-be
// counts without mutating anything.
func (e *Engine) ArchiveByRetentionPolicies(ctx context.Context, dryRun bool) ([]PolicyRunResult, error) {
	ctx, span := e.tracer.Start(ctx, "archival.ArchiveByRetentionPolicies",
		trace.WithAttributes(attribute.Bool("dry_run", dryRun)))
	defer span.End()

	started := e.clock.Now()
	policies, err := e.policies.ListActive(ctx)
	if err != nil {
		e.recorder.RecordArchiveOperation("retention", "error", e.clock.Since(started).Seconds())
		return nil, fmt.Errorf("list active retention policies: %w", err)
	}

	results := make([]PolicyRunResult, 0, len(policies))
	for _, policy := range policies {
		result := e.runPolicy(ctx, policy, dryRun)
		if result.Err != nil {
			e.log.Error(result.Err, "retention policy processing failed; continuing",
				"policy", policy.PolicyName)
		}
		results = append(results, result)
	}

	e.recorder.RecordArchiveOperation("retention", "success", e.clock.Since(started).Seconds())
	return results, nil
}

func (e *Engine) runPolicy(ctx context.Context, policy *RetentionPolicy, dryRun bool) PolicyRunResult {
	result := PolicyRunResult{PolicyName: policy.PolicyName, DryRun: dryRun}

	now := e.clock.Now().UTC()
	cutoff := now.AddDate(0, 0, -policy.ArchiveAfterDays)

	records, err := e.auditLog.Select(ctx, AuditLogFilter{
		DataClassification: policy.DataClassification,
		RetentionPolicy:    policy.PolicyName,
		NotArchived:        true,
		Before:             cutoff,
		Limit:              e.cfg.BatchSize,
	})
	if err != nil {
		result.Err = fmt.Errorf("select records for policy %s: %w", policy.PolicyName, err)
		return result
	}
	if len(records) == 0 {
		return result
	}

	summary := &BatchSummary{
		ByClassification: make(map[string]int),
		ByAction:         make(map[string]int),
	}
	for _, record := range records {
		summary.ByClassification[record.DataClassification]++
		summary.ByAction[record.Action]++
	}
	result.Summary = summary
	result.RecordsArchived = len(records)

	if dryRun {
		if policy.DeleteAfterDays != nil {
			// The archive step has not run, so the would-be delete count is
			// approximated by the same selection with the delete cutoff.
			deleteCutoff := now.AddDate(0, 0, -*policy.DeleteAfterDays)
			aged, err := e.auditLog.Select(ctx, AuditLogFilter{
				DataClassification: policy.DataClassification,
				RetentionPolicy:    policy.PolicyName,
				Before:             deleteCutoff,
			})
			if err != nil {
				result.Err = fmt.Errorf("dry-run delete selection for policy %s: %w", policy.PolicyName, err)
				return result
			}
			result.RecordsDeleted = int64(len(aged))
		}
		return result
	}

	archiveResult, err := e.CreateArchive(ctx, records, CreateRequest{
		RetentionPolicy:    policy.PolicyName,
		DataClassification: policy.DataClassification,
		DateRange:          recordDateRange(records),
	})
	if err != nil {
		result.Err = fmt.Errorf("create archive for policy %s: %w", policy.PolicyName, err)
		return result
	}
	result.ArchiveID = archiveResult.ArchiveID

	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	if err := e.auditLog.MarkArchived(ctx, ids, now); err != nil {
		result.Err = fmt.Errorf("mark records archived for policy %s: %w", policy.PolicyName, err)
		return result
	}

	if policy.DeleteAfterDays != nil {
		deleteCutoff := now.AddDate(0, 0, -*policy.DeleteAfterDays)
		deleted, err := e.auditLog.DeleteOlderThan(ctx, policy.PolicyName, policy.DataClassification, deleteCutoff)
		if err != nil {
			result.Err = fmt.Errorf("delete aged records for policy %s: %w", policy.PolicyName, err)
			return result
		}
		result.RecordsDeleted = deleted
	}

	e.log.Info("retention policy processed",
		"policy", policy.PolicyName,
		"archived", result.RecordsArchived,
		"deleted", result.RecordsDeleted,
		"archive_id", result.ArchiveID)
	return result
}

// recordDateRange computes the min/max timestamp window of a batch.
func recordDateRange(records []*audit.Record) *DateRange {
	if len(records) == 0 {
		return nil
	}
	dr := &DateRange{Start: records[0].Timestamp, End: records[0].Timestamp}
	for _, record := range records[1:] {
		if record.Timestamp.Before(dr.Start) {
			dr.Start = record.Timestamp
		}
		if record.Timestamp.After(dr.End) {
			dr.End = record.Timestamp
		}
	}
	return dr
}

// RetrievalRequest filters archives and, in memory, the records inside them.
type RetrievalRequest struct {
	ArchiveID           string     `json:"archiveId,omitempty"`
	DateRange           *DateRange `json:"dateRange,omitempty"`
	DataClassifications []string   `json:"dataClassifications,omitempty"`
	RetentionPolicies   []string   `json:"retentionPolicies,omitempty"`
	PrincipalID         string     `json:"principalId,omitempty"`
	Actions             []string   `json:"actions,omitempty"`
	Limit               int        `json:"limit,omitempty"`
	Offset              int        `json:"offset,omitempty"`
}

// RetrievedArchive pairs an archive's metadata with the records that passed
// the in-memory filters.
type RetrievedArchive struct {
	ArchiveID string          `json:"archiveId"`
	Metadata  Metadata        `json:"metadata"`
	Records   []*audit.Record `json:"records"`
}

// RetrievalResult is the compliance read response.
type RetrievalResult struct {
	RequestID     string             `json:"requestId"`
	RetrievedAt   time.Time          `json:"retrievedAt"`
	RecordCount   int                `json:"recordCount"`
	TotalSize     int64              `json:"totalSize"`
	RetrievalTime time.Duration      `json:"retrievalTime"`
	Archives      []RetrievedArchive `json:"archives"`
}

// RetrieveArchivedData decompresses matching archives using the algorithm
// and format recorded in each archive's metadata and applies record-level
// filters in memory. Every archive that yields at least one record has its
// retrieval statistics bumped.
func (e *Engine) RetrieveArchivedData(ctx context.Context, req RetrievalRequest) (*RetrievalResult, error) {
	ctx, span := e.tracer.Start(ctx, "archival.RetrieveArchivedData")
	defer span.End()

	started := e.clock.Now()
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	candidates, err := e.archives.Select(ctx, ArchiveFilter{
		ArchiveID:           req.ArchiveID,
		DateRange:           req.DateRange,
		DataClassifications: req.DataClassifications,
		RetentionPolicies:   req.RetentionPolicies,
		Limit:               limit,
		Offset:              req.Offset,
	})
	if err != nil {
		e.recorder.RecordArchiveOperation("retrieve", "error", e.clock.Since(started).Seconds())
		return nil, fmt.Errorf("select archives: %w", err)
	}

	result := &RetrievalResult{
		RequestID:   uuid.NewString(),
		RetrievedAt: started.UTC(),
		Archives:    make([]RetrievedArchive, 0, len(candidates)),
	}

	for _, archive := range candidates {
		decompressed, err := decompressData(archive.Data, archive.Metadata.Config.CompressionAlgorithm)
		if err != nil {
			e.recorder.RecordArchiveOperation("retrieve", "error", e.clock.Since(started).Seconds())
			return nil, fmt.Errorf("decompress archive %s: %w", archive.ID, err)
		}
		records, err := deserializeRecords(decompressed, archive.Metadata.Config.Format)
		if err != nil {
			e.recorder.RecordArchiveOperation("retrieve", "error", e.clock.Since(started).Seconds())
			return nil, fmt.Errorf("deserialize archive %s: %w", archive.ID, err)
		}

		filtered := filterRecords(records, req)
		if len(filtered) == 0 {
			continue
		}

		if err := e.archives.RecordRetrieval(ctx, archive.ID, started.UTC()); err != nil {
			// Statistics are best effort; the compliance read still succeeds.
			e.log.Error(err, "failed to bump retrieval statistics", "archive_id", archive.ID)
		}

		result.Archives = append(result.Archives, RetrievedArchive{
			ArchiveID: archive.ID,
			Metadata:  archive.Metadata,
			Records:   filtered,
		})
		result.RecordCount += len(filtered)
		result.TotalSize += archive.Metadata.CompressedSize
	}

	result.RetrievalTime = e.clock.Since(started)
	e.recorder.RecordArchiveOperation("retrieve", "success", result.RetrievalTime.Seconds())
	return result, nil
}

func filterRecords(records []*audit.Record, req RetrievalRequest) []*audit.Record {
	actions := toSet(req.Actions)
	classifications := toSet(req.DataClassifications)

	filtered := make([]*audit.Record, 0, len(records))
	for _, record := range records {
		if req.PrincipalID != "" && record.PrincipalID != req.PrincipalID {
			continue
		}
		if len(actions) > 0 {
			if _, ok := actions[record.Action]; !ok {
				continue
			}
		}
		if len(classifications) > 0 {
			if _, ok := classifications[record.DataClassification]; !ok {
				continue
			}
		}
		if req.DateRange != nil && !req.DateRange.Contains(record.Timestamp) {
			continue
		}
		filtered = append(filtered, record)
	}
	return filtered
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// DeletionCriteria selects live records for compliance-grade removal.
type DeletionCriteria struct {
	PrincipalID         string     `json:"principalId,omitempty"`
	OrganizationID      string     `json:"organizationId,omitempty"`
	DateRange           *DateRange `json:"dateRange,omitempty"`
	DataClassifications []string   `json:"dataClassifications,omitempty"`
	RetentionPolicies   []string   `json:"retentionPolicies,omitempty"`
	VerifyDeletion      bool       `json:"verifyDeletion,omitempty"`
}

// Deletion outcomes.
const (
	DeletionSkipped  = "skipped"
	DeletionDeleted  = "deleted"
	DeletionVerified = "verified"
	DeletionFailed   = "failed"
)

// DeletionResult reports a secure deletion.
type DeletionResult struct {
	RecordsDeleted   int64  `json:"recordsDeleted"`
	Status           string `json:"status"`
	RemainingRecords int64  `json:"remainingRecords,omitempty"`
}

// SecureDelete removes live records matching the criteria and optionally
// verifies none remain.
func (e *Engine) SecureDelete(ctx context.Context, criteria DeletionCriteria) (*DeletionResult, error) {
	ctx, span := e.tracer.Start(ctx, "archival.SecureDelete")
	defer span.End()

	started := e.clock.Now()
	records, err := e.auditLog.Select(ctx, AuditLogFilter{
		PrincipalID:         criteria.PrincipalID,
		OrganizationID:      criteria.OrganizationID,
		DateRange:           criteria.DateRange,
		DataClassifications: criteria.DataClassifications,
		RetentionPolicies:   criteria.RetentionPolicies,
	})
	if err != nil {
		e.recorder.RecordArchiveOperation("secure_delete", "error", e.clock.Since(started).Seconds())
		return nil, fmt.Errorf("select records for deletion: %w", err)
	}
	if len(records) == 0 {
		e.recorder.RecordArchiveOperation("secure_delete", "success", e.clock.Since(started).Seconds())
		return &DeletionResult{Status: DeletionSkipped}, nil
	}

	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	deleted, err := e.auditLog.DeleteByIDs(ctx, ids)
	if err != nil {
		e.recorder.RecordArchiveOperation("secure_delete", "error", e.clock.Since(started).Seconds())
		return nil, fmt.Errorf("delete records: %w", err)
	}

	result := &DeletionResult{RecordsDeleted: deleted, Status: DeletionDeleted}
	if criteria.VerifyDeletion {
		remaining, err := e.auditLog.CountByIDs(ctx, ids)
		if err != nil {
			e.recorder.RecordArchiveOperation("secure_delete", "error", e.clock.Since(started).Seconds())
			return nil, fmt.Errorf("verify deletion: %w", err)
		}
		if remaining == 0 {
			result.Status = DeletionVerified
		} else {
			result.Status = DeletionFailed
			result.RemainingRecords = remaining
		}
	}

	e.recorder.RecordArchiveOperation("secure_delete", "success", e.clock.Since(started).Seconds())
	e.log.Info("secure deletion complete",
		"deleted", result.RecordsDeleted,
		"status", result.Status)
	return result, nil
}

// ValidationResult reports an integrity sweep over every stored archive.
type ValidationResult struct {
	TotalArchives     int      `json:"totalArchives"`
	ValidArchives     int      `json:"validArchives"`
	CorruptedArchives int      `json:"corruptedArchives"`
	CorruptedIDs      []string `json:"corruptedIds,omitempty"`
}

// ValidateAllArchives recomputes both checksums for every archive through
// decompression. Any failure marks the archive corrupted; the sweep never
// short-circuits.
func (e *Engine) ValidateAllArchives(ctx context.Context) (*ValidationResult, error) {
	ctx, span := e.tracer.Start(ctx, "archival.ValidateAllArchives")
	defer span.End()

	started := e.clock.Now()
	archives, err := e.archives.List(ctx)
	if err != nil {
		e.recorder.RecordArchiveOperation("validate", "error", e.clock.Since(started).Seconds())
		return nil, fmt.Errorf("list archives: %w", err)
	}

	result := &ValidationResult{TotalArchives: len(archives)}
	for _, archive := range archives {
		if err := e.validateStored(archive); err != nil {
			e.log.Error(err, "archive corrupted", "archive_id", archive.ID)
			result.CorruptedArchives++
			result.CorruptedIDs = append(result.CorruptedIDs, archive.ID)
			continue
		}
		result.ValidArchives++
	}

	e.recorder.RecordArchiveOperation("validate", "success", e.clock.Since(started).Seconds())
	e.log.Info("archive integrity sweep complete",
		"total", result.TotalArchives,
		"corrupted", result.CorruptedArchives)
	return result, nil
}

func (e *Engine) validateStored(archive *Archive) error {
	if got := checksum(archive.Data); got != archive.Metadata.ChecksumCompressed {
		return fmt.Errorf("compressed checksum mismatch for %s", archive.ID)
	}
	decompressed, err := decompressData(archive.Data, archive.Metadata.Config.CompressionAlgorithm)
	if err != nil {
		return fmt.Errorf("decompress %s: %w", archive.ID, err)
	}
	if got := checksum(decompressed); got != archive.Metadata.ChecksumOriginal {
		return fmt.Errorf("original checksum mismatch for %s", archive.ID)
	}
	return nil
}

// CleanupResult reports a cleanup pass over aged archives.
type CleanupResult struct {
	ArchivesDeleted int   `json:"archivesDeleted"`
	SpaceFreed      int64 `json:"spaceFreed"`
	DryRun          bool  `json:"dryRun"`
}

// CleanupOldArchives deletes archives past the delete age of the policy
// recorded in their metadata. Policies without a delete age retain archives
// forever. Dry runs report would-be deletions without mutating anything.
func (e *Engine) CleanupOldArchives(ctx context.Context, dryRun bool) (*CleanupResult, error) {
	ctx, span := e.tracer.Start(ctx, "archival.CleanupOldArchives",
		trace.WithAttributes(attribute.Bool("dry_run", dryRun)))
	defer span.End()

	started := e.clock.Now()
	policies, err := e.policies.ListActive(ctx)
	if err != nil {
		e.recorder.RecordArchiveOperation("cleanup", "error", e.clock.Since(started).Seconds())
		return nil, fmt.Errorf("list active retention policies: %w", err)
	}

	now := e.clock.Now().UTC()
	result := &CleanupResult{DryRun: dryRun}
	var doomed []string

	for _, policy := range policies {
		if policy.DeleteAfterDays == nil {
			continue
		}
		cutoff := now.AddDate(0, 0, -*policy.DeleteAfterDays)

		archives, err := e.archives.Select(ctx, ArchiveFilter{
			RetentionPolicies: []string{policy.PolicyName},
		})
		if err != nil {
			e.log.Error(err, "cleanup selection failed; continuing", "policy", policy.PolicyName)
			continue
		}
		for _, archive := range archives {
			if !archive.CreatedAt.Before(cutoff) {
				continue
			}
			doomed = append(doomed, archive.ID)
			result.ArchivesDeleted++
			result.SpaceFreed += archive.Metadata.CompressedSize
		}
	}

	if !dryRun && len(doomed) > 0 {
		if _, err := e.archives.DeleteByIDs(ctx, doomed); err != nil {
			e.recorder.RecordArchiveOperation("cleanup", "error", e.clock.Since(started).Seconds())
			return nil, fmt.Errorf("delete aged archives: %w", err)
		}
	}

	e.recorder.RecordArchiveOperation("cleanup", "success", e.clock.Since(started).Seconds())
	e.log.Info("archive cleanup complete",
		"deleted", result.ArchivesDeleted,
		"space_freed", result.SpaceFreed,
		"dry_run", dryRun)
	return result, nil
}
