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

// Package archival moves aged audit records out of the live store into
// compressed, checksummed archives driven by retention policies, and serves
// compliance retrieval, secure deletion, integrity validation, and cleanup
// over them. The engine talks to storage exclusively through ports so the
// PostgreSQL and in-memory implementations are interchangeable.
package archival

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/audittrail/pkg/audit"
)

// Serialization formats and compression algorithms recorded in archive
// metadata. Retrieval always decodes per the recorded values, never the
// current configuration.
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"

	CompressionGzip    = "gzip"
	CompressionDeflate = "deflate"
	CompressionNone    = "none"
)

// Verification outcomes for archive creation.
const (
	VerificationVerified = "verified"
	VerificationFailed   = "failed"
	VerificationSkipped  = "skipped"
)

// Config selects the serialization and compression applied to new archives.
type Config struct {
	// Format is json (single array) or jsonl (one object per line).
	Format string
	// CompressionAlgorithm is gzip, deflate, or none.
	CompressionAlgorithm string
	// CompressionLevel is 0-9 on the flate scale; 0 stores without
	// compression. Nil means the default level 6.
	CompressionLevel *int
	// VerifyIntegrity re-reads the stored archive after creation and
	// recomputes both checksums.
	VerifyIntegrity bool
	// BatchSize caps records per retention-driven archive. Zero means
	// unbounded.
	BatchSize int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Format:               FormatJSONL,
		CompressionAlgorithm: CompressionGzip,
		CompressionLevel:     defaultCompressionLevel(),
		VerifyIntegrity:      true,
	}
}

func defaultCompressionLevel() *int {
	level := 6
	return &level
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Format == "" {
		c.Format = def.Format
	}
	if c.CompressionAlgorithm == "" {
		c.CompressionAlgorithm = def.CompressionAlgorithm
	}
	if c.CompressionLevel == nil {
		c.CompressionLevel = def.CompressionLevel
	}
	return c
}

// DateRange is an inclusive time window.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Intersects reports whether two ranges overlap. A zero bound on either side
// is treated as unbounded.
func (r DateRange) Intersects(other DateRange) bool {
	if !r.End.IsZero() && !other.Start.IsZero() && r.End.Before(other.Start) {
		return false
	}
	if !r.Start.IsZero() && !other.End.IsZero() && other.End.Before(r.Start) {
		return false
	}
	return true
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Metadata describes one archive. Immutable once written.
type Metadata struct {
	RecordCount        int        `json:"recordCount"`
	OriginalSize       int64      `json:"originalSize"`
	CompressedSize     int64      `json:"compressedSize"`
	CompressionRatio   float64    `json:"compressionRatio"`
	ChecksumOriginal   string     `json:"checksumOriginal"`
	ChecksumCompressed string     `json:"checksumCompressed"`
	RetentionPolicy    string     `json:"retentionPolicy"`
	DataClassification string     `json:"dataClassification"`
	DateRange          *DateRange `json:"dateRange,omitempty"`
	Config             Config     `json:"config"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Archive is one stored batch of compressed audit records. Only the
// retrieval statistics mutate after creation.
type Archive struct {
	ID              string
	Metadata        Metadata
	Data            []byte
	CreatedAt       time.Time
	RetrievedCount  int
	LastRetrievedAt *time.Time
}

// NewArchiveID builds the canonical id: archive-<ms-since-epoch>-<8-hex>.
func NewArchiveID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("archive-%d-%s", now.UnixMilli(), random)
}

// RetentionPolicy maps a data classification to archive and delete ages.
type RetentionPolicy struct {
	PolicyName         string `json:"policyName"`
	DataClassification string `json:"dataClassification"`
	ArchiveAfterDays   int    `json:"archiveAfterDays"`
	DeleteAfterDays    *int   `json:"deleteAfterDays,omitempty"`
	IsActive           bool   `json:"isActive"`
}

// Validate rejects malformed policies at ingestion. A delete age below the
// archive age would let records be deleted before they are archived.
func (p *RetentionPolicy) Validate() error {
	if p.PolicyName == "" {
		return errors.New("retention policy missing name")
	}
	if p.DataClassification == "" {
		return fmt.Errorf("retention policy %s missing data classification", p.PolicyName)
	}
	if p.ArchiveAfterDays < 0 {
		return fmt.Errorf("retention policy %s: archiveAfterDays must be >= 0", p.PolicyName)
	}
	if p.DeleteAfterDays != nil && *p.DeleteAfterDays < p.ArchiveAfterDays {
		return fmt.Errorf("retention policy %s: deleteAfterDays %d below archiveAfterDays %d",
			p.PolicyName, *p.DeleteAfterDays, p.ArchiveAfterDays)
	}
	return nil
}

// ErrNoRecords rejects archive creation with an empty batch.
var ErrNoRecords = errors.New("archival: no records to archive")

// ErrArchiveNotFound is returned by stores for unknown archive ids.
var ErrArchiveNotFound = errors.New("archival: archive not found")

// ErrPolicyNotFound is returned by stores for unknown policy names.
var ErrPolicyNotFound = errors.New("archival: retention policy not found")

// UnsupportedFormatError is fatal to the operation that hit it.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported archive format %q", e.Format)
}

// UnsupportedCompressionError is fatal to the operation that hit it.
type UnsupportedCompressionError struct {
	Algorithm string
}

func (e *UnsupportedCompressionError) Error() string {
	return fmt.Sprintf("unsupported compression algorithm %q", e.Algorithm)
}

// AuditLogFilter selects live audit records.
type AuditLogFilter struct {
	DataClassification  string
	RetentionPolicy     string
	PrincipalID         string
	OrganizationID      string
	NotArchived         bool
	Before              time.Time
	DateRange           *DateRange
	DataClassifications []string
	RetentionPolicies   []string
	Limit               int
}

// AuditLogStore is the live audit log port.
type AuditLogStore interface {
	Insert(ctx context.Context, records []*audit.Record) error
	Select(ctx context.Context, filter AuditLogFilter) ([]*audit.Record, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
	// DeleteOlderThan removes live records for one policy and classification
	// past the cutoff, returning how many went away.
	DeleteOlderThan(ctx context.Context, policy, classification string, cutoff time.Time) (int64, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	CountByIDs(ctx context.Context, ids []string) (int64, error)
}

// ArchiveFilter selects stored archives.
type ArchiveFilter struct {
	ArchiveID           string
	DateRange           *DateRange
	DataClassifications []string
	RetentionPolicies   []string
	Limit               int
	Offset              int
}

// ArchiveStore is the archive table port. Insert must reject duplicate ids;
// RecordRetrieval must be a monotonic increment safe under concurrency.
type ArchiveStore interface {
	Insert(ctx context.Context, archive *Archive) error
	Get(ctx context.Context, archiveID string) (*Archive, error)
	Select(ctx context.Context, filter ArchiveFilter) ([]*Archive, error)
	List(ctx context.Context) ([]*Archive, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	RecordRetrieval(ctx context.Context, archiveID string, at time.Time) error
}

// PolicyStore is the retention policy table port. Insert validates the
// policy before persisting.
type PolicyStore interface {
	ListActive(ctx context.Context) ([]*RetentionPolicy, error)
	Insert(ctx context.Context, policy *RetentionPolicy) error
	FindByName(ctx context.Context, name string) (*RetentionPolicy, error)
}

// MetricsRecorder receives archival instrumentation. pkg/metrics implements
// it; tests pass nil for a no-op.
type MetricsRecorder interface {
	RecordArchiveOperation(operation, status string, seconds float64)
	AddArchiveBytes(kind string, n float64)
	AddArchivedRecords(n float64)
}

type noopRecorder struct{}

func (noopRecorder) RecordArchiveOperation(string, string, float64) {}
func (noopRecorder) AddArchiveBytes(string, float64)                {}
func (noopRecorder) AddArchivedRecords(float64)                     {}
