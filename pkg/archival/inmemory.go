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
	"sort"
	"sync"
	"time"

	"github.com/jordigilh/audittrail/pkg/audit"
)

// InMemoryAuditLog is a map-backed AuditLogStore for tests and local
// development.
type InMemoryAuditLog struct {
	mu      sync.RWMutex
	records map[string]*audit.Record
}

// NewInMemoryAuditLog returns an empty live store.
func NewInMemoryAuditLog() *InMemoryAuditLog {
	return &InMemoryAuditLog{records: make(map[string]*audit.Record)}
}

// Insert stores copies of the records, rejecting duplicate ids.
func (s *InMemoryAuditLog) Insert(_ context.Context, records []*audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		if _, exists := s.records[record.ID]; exists {
			return fmt.Errorf("audit record %s already exists", record.ID)
		}
		copied := *record
		s.records[record.ID] = &copied
	}
	return nil
}

// Select returns records matching every set filter field, ordered by
// timestamp ascending for deterministic batches.
func (s *InMemoryAuditLog) Select(_ context.Context, filter AuditLogFilter) ([]*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	classifications := toSet(filter.DataClassifications)
	policies := toSet(filter.RetentionPolicies)

	var out []*audit.Record
	for _, record := range s.records {
		if filter.DataClassification != "" && record.DataClassification != filter.DataClassification {
			continue
		}
		if filter.RetentionPolicy != "" && record.RetentionPolicy != filter.RetentionPolicy {
			continue
		}
		if filter.PrincipalID != "" && record.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.OrganizationID != "" && record.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.NotArchived && record.ArchivedAt != nil {
			continue
		}
		if !filter.Before.IsZero() && !record.Timestamp.Before(filter.Before) {
			continue
		}
		if filter.DateRange != nil && !filter.DateRange.Contains(record.Timestamp) {
			continue
		}
		if len(classifications) > 0 {
			if _, ok := classifications[record.DataClassification]; !ok {
				continue
			}
		}
		if len(policies) > 0 {
			if _, ok := policies[record.RetentionPolicy]; !ok {
				continue
			}
		}
		copied := *record
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// MarkArchived stamps the archive time on the given ids.
func (s *InMemoryAuditLog) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		record, ok := s.records[id]
		if !ok {
			return fmt.Errorf("mark archived: record %s not found", id)
		}
		stamped := at
		record.ArchivedAt = &stamped
	}
	return nil
}

// DeleteOlderThan removes records for the policy and classification with a
// timestamp before cutoff.
func (s *InMemoryAuditLog) DeleteOlderThan(_ context.Context, policy, classification string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, record := range s.records {
		if record.RetentionPolicy != policy || record.DataClassification != classification {
			continue
		}
		if record.Timestamp.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteByIDs removes the given records.
func (s *InMemoryAuditLog) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountByIDs reports how many of the given ids still exist.
func (s *InMemoryAuditLog) CountByIDs(_ context.Context, ids []string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			count++
		}
	}
	return count, nil
}

// Len reports the live record count. Test helper.
func (s *InMemoryAuditLog) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// InMemoryArchiveStore is a map-backed ArchiveStore for tests and local
// development.
type InMemoryArchiveStore struct {
	mu       sync.RWMutex
	archives map[string]*Archive
}

// NewInMemoryArchiveStore returns an empty archive store.
func NewInMemoryArchiveStore() *InMemoryArchiveStore {
	return &InMemoryArchiveStore{archives: make(map[string]*Archive)}
}

func cloneArchive(a *Archive) *Archive {
	copied := *a
	copied.Data = append([]byte(nil), a.Data...)
	if a.LastRetrievedAt != nil {
		t := *a.LastRetrievedAt
		copied.LastRetrievedAt = &t
	}
	return &copied
}

// Insert stores a copy of the archive, rejecting duplicate ids.
func (s *InMemoryArchiveStore) Insert(_ context.Context, archive *Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.archives[archive.ID]; exists {
		return fmt.Errorf("archive %s already exists", archive.ID)
	}
	s.archives[archive.ID] = cloneArchive(archive)
	return nil
}

// Get returns a copy of the archive or ErrArchiveNotFound.
func (s *InMemoryArchiveStore) Get(_ context.Context, archiveID string) (*Archive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	archive, ok := s.archives[archiveID]
	if !ok {
		return nil, fmt.Errorf("get archive %s: %w", archiveID, ErrArchiveNotFound)
	}
	return cloneArchive(archive), nil
}

// Select returns archives matching every set filter field, ordered by
// creation time ascending, paginated by limit and offset.
func (s *InMemoryArchiveStore) Select(_ context.Context, filter ArchiveFilter) ([]*Archive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	classifications := toSet(filter.DataClassifications)
	policies := toSet(filter.RetentionPolicies)

	var out []*Archive
	for _, archive := range s.archives {
		if filter.ArchiveID != "" && archive.ID != filter.ArchiveID {
			continue
		}
		if len(classifications) > 0 {
			if _, ok := classifications[archive.Metadata.DataClassification]; !ok {
				continue
			}
		}
		if len(policies) > 0 {
			if _, ok := policies[archive.Metadata.RetentionPolicy]; !ok {
				continue
			}
		}
		if filter.DateRange != nil {
			if archive.Metadata.DateRange == nil || !filter.DateRange.Intersects(*archive.Metadata.DateRange) {
				continue
			}
		}
		out = append(out, cloneArchive(archive))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// List returns every stored archive.
func (s *InMemoryArchiveStore) List(_ context.Context) ([]*Archive, error) {
	return s.Select(context.Background(), ArchiveFilter{})
}

// DeleteByIDs removes the given archives.
func (s *InMemoryArchiveStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, id := range ids {
		if _, ok := s.archives[id]; ok {
			delete(s.archives, id)
			deleted++
		}
	}
	return deleted, nil
}

// RecordRetrieval bumps the retrieval statistics. Monotonic: the count only
// grows.
func (s *InMemoryArchiveStore) RecordRetrieval(_ context.Context, archiveID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	archive, ok := s.archives[archiveID]
	if !ok {
		return fmt.Errorf("record retrieval for %s: %w", archiveID, ErrArchiveNotFound)
	}
	archive.RetrievedCount++
	stamped := at
	archive.LastRetrievedAt = &stamped
	return nil
}

// Corrupt flips bytes in a stored archive's payload. Test helper for the
// integrity sweep.
func (s *InMemoryArchiveStore) Corrupt(archiveID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	archive, ok := s.archives[archiveID]
	if !ok {
		return fmt.Errorf("corrupt %s: %w", archiveID, ErrArchiveNotFound)
	}
	if len(archive.Data) == 0 {
		return fmt.Errorf("corrupt %s: empty payload", archiveID)
	}
	archive.Data[len(archive.Data)/2] ^= 0xFF
	return nil
}

// InMemoryPolicyStore is a map-backed PolicyStore for tests and local
// development.
type InMemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*RetentionPolicy
}

// NewInMemoryPolicyStore returns an empty policy store.
func NewInMemoryPolicyStore() *InMemoryPolicyStore {
	return &InMemoryPolicyStore{policies: make(map[string]*RetentionPolicy)}
}

// Insert validates and stores a copy of the policy.
func (s *InMemoryPolicyStore) Insert(_ context.Context, policy *RetentionPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[policy.PolicyName]; exists {
		return fmt.Errorf("retention policy %s already exists", policy.PolicyName)
	}
	copied := *policy
	if policy.DeleteAfterDays != nil {
		days := *policy.DeleteAfterDays
		copied.DeleteAfterDays = &days
	}
	s.policies[policy.PolicyName] = &copied
	return nil
}

// ListActive returns active policies ordered by name.
func (s *InMemoryPolicyStore) ListActive(_ context.Context) ([]*RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RetentionPolicy
	for _, policy := range s.policies {
		if !policy.IsActive {
			continue
		}
		copied := *policy
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyName < out[j].PolicyName })
	return out, nil
}

// FindByName returns the policy or ErrPolicyNotFound.
func (s *InMemoryPolicyStore) FindByName(_ context.Context, name string) (*RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[name]
	if !ok {
		return nil, fmt.Errorf("find retention policy %s: %w", name, ErrPolicyNotFound)
	}
	copied := *policy
	return &copied, nil
}
