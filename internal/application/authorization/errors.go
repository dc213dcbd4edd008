package authorization

import (
	"github.com/liana/backend/internal/domain/shared"
)

var errRequiresApproval = shared.NewDomainError(shared.CodeActionRequiresApproval,
	"This custom action requires an approval")

// ApprovalRequiredError denies a trigger that must go through an approval request.
// It matches shared.IsForbidden.
type ApprovalRequiredError struct {
	// RoleIDsAllowedToApprove lists the roles that may approve the request.
	RoleIDsAllowedToApprove []int64
}

func (e *ApprovalRequiredError) Error() string {
	return errRequiresApproval.Message
}

func (e *ApprovalRequiredError) Unwrap() error {
	return errRequiresApproval
}

// ErrorData is added to the JSON:API error so the UI can open the approval request
func (e *ApprovalRequiredError) ErrorData() map[string]any {
	roles := e.RoleIDsAllowedToApprove
	if roles == nil {
		roles = []int64{}
	}
	return map[string]any{"roleIdsAllowedToApprove": roles}
}
