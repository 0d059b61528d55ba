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

// Package audit defines the audit record payload shared by the ingestion,
// archival, and delivery layers.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is a single audit event as stored in the live audit log. Producers
// attach arbitrary forward-compat fields; those are preserved verbatim in
// Extras across marshal/unmarshal so archived payloads survive round trips
// without loss.
type Record struct {
	ID                 string
	Timestamp          time.Time
	PrincipalID        string
	OrganizationID     string
	Action             string
	DataClassification string
	RetentionPolicy    string
	ArchivedAt         *time.Time

	// Extras holds fields outside the tagged set, keyed by their original
	// JSON name. Values keep their raw encoding.
	Extras map[string]json.RawMessage
}

// knownKeys are the JSON names owned by the tagged fields. Anything else
// round-trips through Extras.
var knownKeys = map[string]struct{}{
	"id":                 {},
	"timestamp":          {},
	"principalId":        {},
	"organizationId":     {},
	"action":             {},
	"dataClassification": {},
	"retentionPolicy":    {},
	"archivedAt":         {},
}

// MarshalJSON flattens Extras into the same object as the tagged fields.
// Map-based marshalling keeps key order deterministic, which the archival
// checksums depend on.
func (r Record) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, 8+len(r.Extras))
	put := func(key string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal field %q: %w", key, err)
		}
		obj[key] = b
		return nil
	}
	if err := put("id", r.ID); err != nil {
		return nil, err
	}
	if err := put("timestamp", r.Timestamp); err != nil {
		return nil, err
	}
	if err := put("principalId", r.PrincipalID); err != nil {
		return nil, err
	}
	if err := put("organizationId", r.OrganizationID); err != nil {
		return nil, err
	}
	if err := put("action", r.Action); err != nil {
		return nil, err
	}
	if err := put("dataClassification", r.DataClassification); err != nil {
		return nil, err
	}
	if err := put("retentionPolicy", r.RetentionPolicy); err != nil {
		return nil, err
	}
	if r.ArchivedAt != nil {
		if err := put("archivedAt", r.ArchivedAt); err != nil {
			return nil, err
		}
	}
	for k, v := range r.Extras {
		if _, owned := knownKeys[k]; owned {
			continue
		}
		obj[k] = v
	}
	return json.Marshal(obj)
}

// UnmarshalJSON splits the object back into tagged fields and Extras.
func (r *Record) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("unmarshal audit record: %w", err)
	}
	take := func(key string, dst interface{}) error {
		raw, ok := obj[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("unmarshal field %q: %w", key, err)
		}
		return nil
	}
	if err := take("id", &r.ID); err != nil {
		return err
	}
	if err := take("timestamp", &r.Timestamp); err != nil {
		return err
	}
	if err := take("principalId", &r.PrincipalID); err != nil {
		return err
	}
	if err := take("organizationId", &r.OrganizationID); err != nil {
		return err
	}
	if err := take("action", &r.Action); err != nil {
		return err
	}
	if err := take("dataClassification", &r.DataClassification); err != nil {
		return err
	}
	if err := take("retentionPolicy", &r.RetentionPolicy); err != nil {
		return err
	}
	if err := take("archivedAt", &r.ArchivedAt); err != nil {
		return err
	}
	var extras map[string]json.RawMessage
	for k, v := range obj {
		if _, owned := knownKeys[k]; owned {
			continue
		}
		if extras == nil {
			extras = make(map[string]json.RawMessage)
		}
		extras[k] = v
	}
	r.Extras = extras
	return nil
}

// Validate reports the first structural problem with the record. Ingestion
// rejects invalid records before they reach the live store.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("audit record missing id")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("audit record %s missing timestamp", r.ID)
	}
	if r.OrganizationID == "" {
		return fmt.Errorf("audit record %s missing organizationId", r.ID)
	}
	if r.Action == "" {
		return fmt.Errorf("audit record %s missing action", r.ID)
	}
	return nil
}
