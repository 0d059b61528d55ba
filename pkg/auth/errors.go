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

import (
	"errors"
	"fmt"
)

// ErrInsufficientPermissions is returned where a boolean decision is not
// enough and the caller needs a matchable error.
var ErrInsufficientPermissions = errors.New("insufficient permissions")

// CrossOrgAccessDeniedError reports an attempted tenant boundary crossing.
// The message carries both ids; payload contents are never included.
type CrossOrgAccessDeniedError struct {
	UserOrganizationID     string
	ResourceOrganizationID string
}

func (e *CrossOrgAccessDeniedError) Error() string {
	return fmt.Sprintf("cross-organization access denied: user organization %q cannot access resource organization %q",
		e.UserOrganizationID, e.ResourceOrganizationID)
}

// InvalidRoleError reports a user context constructed with an unknown role.
type InvalidRoleError struct {
	Role Role
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("invalid role %q", e.Role)
}
