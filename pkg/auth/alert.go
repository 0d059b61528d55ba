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

package auth

import "encoding/json"

// Alert is the access-control view of a destination alert. Internal fields
// are stripped before the alert leaves the trust boundary unless the caller
// may configure thresholds.
type Alert struct {
	ID               string                     `json:"id"`
	OrganizationID   string                     `json:"organizationId"`
	DepartmentID     string                     `json:"departmentId,omitempty"`
	TeamID           string                     `json:"teamId,omitempty"`
	Severity         string                     `json:"severity"`
	Title            string                     `json:"title"`
	Body             string                     `json:"body,omitempty"`
	Labels           map[string]string          `json:"labels,omitempty"`
	InternalMetadata map[string]json.RawMessage `json:"internalMetadata,omitempty"`
	SystemDetails    map[string]json.RawMessage `json:"systemDetails,omitempty"`
}

// AccessScope returns the alert's location in the tenant hierarchy.
func (a *Alert) AccessScope() Scope {
	return Scope{
		OrganizationID: a.OrganizationID,
		DepartmentID:   a.DepartmentID,
		TeamID:         a.TeamID,
	}
}

// CanAccessAlert combines the organization check with hierarchy narrowing.
func (u *UserContext) CanAccessAlert(alert *Alert) bool {
	if alert == nil {
		return false
	}
	return u.CanAccessResource(alert.AccessScope())
}

// SanitizeAlert returns a copy safe to show the caller. Organization
// mismatch returns nil even though route guards should have denied earlier.
// internalMetadata and systemDetails survive only for callers holding
// configure_thresholds.
func (u *UserContext) SanitizeAlert(alert *Alert) *Alert {
	if alert == nil {
		return nil
	}
	if !u.CanAccessOrganization(alert.OrganizationID) {
		return nil
	}
	sanitized := *alert
	if !u.HasPermission(PermissionConfigureThresholds) {
		sanitized.InternalMetadata = nil
		sanitized.SystemDetails = nil
	}
	return &sanitized
}
