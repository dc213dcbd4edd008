// Package authorization decides whether a user may run an operation on a collection.
// Decisions come from a Client; the Service turns them into typed errors and checks
// that bulk requests only target records inside the user's scope.
package authorization

import (
	"context"

	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/storage"
)

// Client answers permission questions. A denial is returned as a Forbidden domain
// error (or an *ApprovalRequiredError); any other error means the question could
// not be answered.
type Client interface {
	CanBrowse(ctx context.Context, user identity.User, collection, segmentQuery string) error
	CanRead(ctx context.Context, user identity.User, collection string) error
	CanAdd(ctx context.Context, user identity.User, collection string) error
	CanEdit(ctx context.Context, user identity.User, collection string) error
	CanDelete(ctx context.Context, user identity.User, collection string) error
	CanExport(ctx context.Context, user identity.User, collection string) error
	CanRetrieveChart(ctx context.Context, user identity.User, chart map[string]any) error
	// CanTriggerCustomAction checks the trigger rules of an action against the
	// targeted records. target.Filter already includes the user's scope.
	CanTriggerCustomAction(ctx context.Context, user identity.User, collection, action string, target storage.Query) error
	// CanApproveCustomAction checks the approval rules of an action requested by requesterID.
	CanApproveCustomAction(ctx context.Context, user identity.User, collection, action string, target storage.Query, requesterID int64) error
}
