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

// Package auth enforces tenant isolation and role-based permissions for
// every operation on alerts, destinations, configs, and archives. The
// organization boundary is absolute: no operation crosses it.
package auth

import "strings"

// Permission is a single grantable capability.
type Permission string

const (
	PermissionView                     Permission = "view"
	PermissionAcknowledge              Permission = "acknowledge"
	PermissionResolve                  Permission = "resolve"
	PermissionConfigureThresholds      Permission = "configure_thresholds"
	PermissionManageMaintenanceWindows Permission = "manage_maintenance_windows"
	PermissionSuppress                 Permission = "suppress"
	PermissionEscalate                 Permission = "escalate"
)

// Role is a named permission tier. Custom permissions may extend a role's
// base set but never reduce it.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
	RoleOwner    Role = "owner"
)

// rolePermissions is cumulative: each tier includes everything below it.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {PermissionView},
	RoleOperator: {
		PermissionView,
		PermissionAcknowledge,
	},
	RoleAdmin: {
		PermissionView,
		PermissionAcknowledge,
		PermissionResolve,
		PermissionConfigureThresholds,
		PermissionManageMaintenanceWindows,
		PermissionSuppress,
	},
	RoleOwner: {
		PermissionView,
		PermissionAcknowledge,
		PermissionResolve,
		PermissionConfigureThresholds,
		PermissionManageMaintenanceWindows,
		PermissionSuppress,
		PermissionEscalate,
	},
}

// EffectivePermissions returns base(role) ∪ custom. Unknown roles yield only
// the custom grants.
func EffectivePermissions(role Role, custom ...Permission) map[Permission]struct{} {
	base := rolePermissions[role]
	set := make(map[Permission]struct{}, len(base)+len(custom))
	for _, p := range base {
		set[p] = struct{}{}
	}
	for _, p := range custom {
		set[p] = struct{}{}
	}
	return set
}

// UserContext carries the caller identity every operation is checked
// against. Department and team are optional narrowing scopes inside the
// organization.
type UserContext struct {
	UserID         string
	OrganizationID string
	Role           Role
	Permissions    map[Permission]struct{}
	DepartmentID   string
	TeamID         string
}

// NewUserContext builds a context with the role's base permissions plus any
// custom grants. Unknown roles are rejected.
func NewUserContext(userID, organizationID string, role Role, custom ...Permission) (*UserContext, error) {
	if _, known := rolePermissions[role]; !known {
		return nil, &InvalidRoleError{Role: role}
	}
	return &UserContext{
		UserID:         userID,
		OrganizationID: organizationID,
		Role:           role,
		Permissions:    EffectivePermissions(role, custom...),
	}, nil
}

// HasPermission reports set membership in the effective permissions.
func (u *UserContext) HasPermission(p Permission) bool {
	if u == nil {
		return false
	}
	_, ok := u.Permissions[p]
	return ok
}

// CanAccessOrganization is a strict equality check. No wildcard tenants.
func (u *UserContext) CanAccessOrganization(organizationID string) bool {
	if u == nil || u.OrganizationID == "" {
		return false
	}
	return u.OrganizationID == organizationID
}

// Scope locates a resource in the tenant hierarchy. Empty department/team
// mean the resource is visible to the whole organization.
type Scope struct {
	OrganizationID string
	DepartmentID   string
	TeamID         string
}

// CanAccessResource applies strict narrowing: the organization must match,
// and department/team must match unless either side leaves them unset.
func (u *UserContext) CanAccessResource(resource Scope) bool {
	if !u.CanAccessOrganization(resource.OrganizationID) {
		return false
	}
	if u.DepartmentID != "" && resource.DepartmentID != "" && u.DepartmentID != resource.DepartmentID {
		return false
	}
	if u.TeamID != "" && resource.TeamID != "" && u.TeamID != resource.TeamID {
		return false
	}
	return true
}

// Operation names an action a caller may request. The set is closed;
// anything else is an invalid operation.
type Operation string

const (
	OperationViewAlerts               Operation = "view_alerts"
	OperationAcknowledgeAlert         Operation = "acknowledge_alert"
	OperationResolveAlert             Operation = "resolve_alert"
	OperationEscalateAlert            Operation = "escalate_alert"
	OperationSuppressAlert            Operation = "suppress_alert"
	OperationConfigureThresholds      Operation = "configure_thresholds"
	OperationManageMaintenanceWindows Operation = "manage_maintenance_windows"
	OperationViewArchives             Operation = "view_archives"
	OperationCreateArchive            Operation = "create_archive"
	OperationDeleteArchive            Operation = "delete_archive"
	OperationValidateArchives         Operation = "validate_archives"
	OperationRunRetention             Operation = "run_retention"
	OperationViewDLQMetrics           Operation = "view_dlq_metrics"
	OperationViewDestinationHealth    Operation = "view_destination_health"
	OperationProbeAdmission           Operation = "probe_admission"
)

var operationPermissions = map[Operation]Permission{
	OperationViewAlerts:               PermissionView,
	OperationAcknowledgeAlert:         PermissionAcknowledge,
	OperationResolveAlert:             PermissionResolve,
	OperationEscalateAlert:            PermissionEscalate,
	OperationSuppressAlert:            PermissionSuppress,
	OperationConfigureThresholds:      PermissionConfigureThresholds,
	OperationManageMaintenanceWindows: PermissionManageMaintenanceWindows,
	OperationViewArchives:             PermissionView,
	OperationCreateArchive:            PermissionConfigureThresholds,
	OperationDeleteArchive:            PermissionConfigureThresholds,
	OperationValidateArchives:         PermissionView,
	OperationRunRetention:             PermissionConfigureThresholds,
	OperationViewDLQMetrics:           PermissionView,
	OperationViewDestinationHealth:    PermissionView,
	OperationProbeAdmission:           PermissionView,
}

// Deny reasons surfaced to callers. Exact strings are part of the contract.
const (
	ReasonInvalidOperation        = "Invalid operation"
	ReasonInsufficientPermissions = "Insufficient permissions"
	ReasonResourceDenied          = "Access denied to resource"
)

// Decision is an allow/deny verdict with a caller-safe reason.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the zero-reason allowed decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a denied decision with the given reason.
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// ValidateOperation checks, in order: the operation is known, the caller
// holds its required permission, and the caller can reach the resource
// scope when one is given.
func (u *UserContext) ValidateOperation(op Operation, resource *Scope) Decision {
	required, known := operationPermissions[op]
	if !known {
		return Deny(ReasonInvalidOperation)
	}
	if !u.HasPermission(required) {
		return Deny(ReasonInsufficientPermissions)
	}
	if resource != nil && !u.CanAccessResource(*resource) {
		return Deny(ReasonResourceDenied)
	}
	return Allow()
}

// PreventCrossOrganizationAccess returns a typed error carrying both
// organization ids when the caller's tenant does not match. Callers use it
// as the last line of defense before touching tenant-scoped rows.
func (u *UserContext) PreventCrossOrganizationAccess(organizationID string) error {
	if u.CanAccessOrganization(organizationID) {
		return nil
	}
	var userOrg string
	if u != nil {
		userOrg = u.OrganizationID
	}
	return &CrossOrgAccessDeniedError{
		UserOrganizationID:     userOrg,
		ResourceOrganizationID: organizationID,
	}
}

// ParsePermissions splits a comma-separated permission list, trimming
// whitespace and dropping empties. Used by the HTTP user-context middleware.
func ParsePermissions(list string) []Permission {
	if list == "" {
		return nil
	}
	parts := strings.Split(list, ",")
	perms := make([]Permission, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			perms = append(perms, Permission(trimmed))
		}
	}
	return perms
}
