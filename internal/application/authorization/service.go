package authorization

import (
	"context"
	"fmt"

	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/domain/storage"
	"github.com/liana/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// ScopeProvider resolves the scope filter of a user on a collection
type ScopeProvider interface {
	GetScopeForUser(ctx context.Context, user identity.User, collection string) (*filter.Node, error)
}

// Service asserts permissions. Denials are returned unchanged (403); failures to
// decide are wrapped as internal errors (500) so an outage never looks like a denial.
type Service struct {
	client   Client
	scopes   ScopeProvider
	counter  storage.Counter
	registry *schema.Registry
	logger   *zap.Logger
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger
func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates an authorization service
func NewService(client Client, scopes ScopeProvider, counter storage.Counter, registry *schema.Registry, opts ...ServiceOption) *Service {
	s := &Service{
		client:   client,
		scopes:   scopes,
		counter:  counter,
		registry: registry,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AssertCanBrowse checks the browse right, and the segment query when one is given
func (s *Service) AssertCanBrowse(ctx context.Context, user identity.User, collection, segmentQuery string) error {
	return s.assert(ctx, "browse", user, collection, func(ctx context.Context) error {
		return s.client.CanBrowse(ctx, user, collection, segmentQuery)
	})
}

// AssertCanRead checks the read right
func (s *Service) AssertCanRead(ctx context.Context, user identity.User, collection string) error {
	return s.assert(ctx, "read", user, collection, func(ctx context.Context) error {
		return s.client.CanRead(ctx, user, collection)
	})
}

// AssertCanAdd checks the add right
func (s *Service) AssertCanAdd(ctx context.Context, user identity.User, collection string) error {
	return s.assert(ctx, "add", user, collection, func(ctx context.Context) error {
		return s.client.CanAdd(ctx, user, collection)
	})
}

// AssertCanEdit checks the edit right
func (s *Service) AssertCanEdit(ctx context.Context, user identity.User, collection string) error {
	return s.assert(ctx, "edit", user, collection, func(ctx context.Context) error {
		return s.client.CanEdit(ctx, user, collection)
	})
}

// AssertCanDelete checks the delete right
func (s *Service) AssertCanDelete(ctx context.Context, user identity.User, collection string) error {
	return s.assert(ctx, "delete", user, collection, func(ctx context.Context) error {
		return s.client.CanDelete(ctx, user, collection)
	})
}

// AssertCanExport checks the export right
func (s *Service) AssertCanExport(ctx context.Context, user identity.User, collection string) error {
	return s.assert(ctx, "export", user, collection, func(ctx context.Context) error {
		return s.client.CanExport(ctx, user, collection)
	})
}

// AssertCanRetrieveChart checks that the user may compute the chart
func (s *Service) AssertCanRetrieveChart(ctx context.Context, user identity.User, chart map[string]any) error {
	collection, _ := chart["collection"].(string)
	return s.assert(ctx, "chart", user, collection, func(ctx context.Context) error {
		return s.client.CanRetrieveChart(ctx, user, chart)
	})
}

// AssertCanTriggerCustomAction checks that the user may run the action on the selected records.
// An *ApprovalRequiredError is returned when the run must be approved first.
func (s *Service) AssertCanTriggerCustomAction(ctx context.Context, user identity.User, collection, action string, bulk BulkRequest) error {
	target, err := s.SelectionQuery(ctx, user, collection, bulk)
	if err != nil {
		return err
	}
	return s.assert(ctx, "trigger_action", user, collection, func(ctx context.Context) error {
		return s.client.CanTriggerCustomAction(ctx, user, collection, action, target)
	})
}

// AssertCanApproveCustomAction checks that the user may approve a run requested by requesterID
func (s *Service) AssertCanApproveCustomAction(ctx context.Context, user identity.User, collection, action string, bulk BulkRequest, requesterID int64) error {
	target, err := s.SelectionQuery(ctx, user, collection, bulk)
	if err != nil {
		return err
	}
	return s.assert(ctx, "approve_action", user, collection, func(ctx context.Context) error {
		return s.client.CanApproveCustomAction(ctx, user, collection, action, target, requesterID)
	})
}

func (s *Service) assert(ctx context.Context, operation string, user identity.User, collection string, check func(context.Context) error) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "authorization", operation,
		telemetry.WithAttribute("collection", collection),
		telemetry.WithAttribute("user_id", user.ID))
	defer span.End()

	err := check(ctx)
	switch {
	case err == nil:
		return nil
	case shared.IsForbidden(err):
		s.logger.Debug("Permission denied",
			zap.String("operation", operation),
			zap.String("collection", collection),
			zap.Int64("user_id", user.ID),
			zap.Error(err))
		return err
	default:
		telemetry.RecordError(span, err)
		s.logger.Error("Permission check failed",
			zap.String("operation", operation),
			zap.String("collection", collection),
			zap.Error(err))
		return shared.NewInternalError(err)
	}
}

// EnsureRecordIDsInScope rejects with 400 a request targeting ids outside the user's
// scope. The targeted ids are counted under the scope: every id is visible exactly
// when the count equals the number of distinct ids. Select-all requests are not
// checked since their ids are resolved under the scope.
func (s *Service) EnsureRecordIDsInScope(ctx context.Context, user identity.User, collectionName string, bulk BulkRequest) error {
	if bulk.AllRecords {
		return nil
	}
	ids := distinct(bulk.IDs)
	if len(ids) == 0 {
		return nil
	}

	ctx, span := telemetry.StartServiceSpan(ctx, "authorization", "ensure_ids_in_scope",
		telemetry.WithAttribute("collection", collectionName),
		telemetry.WithAttribute("ids", len(ids)))
	defer span.End()

	count, err := s.countInScope(ctx, user, collectionName, ids)
	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.Warn("Record scope check failed",
			zap.String("collection", collectionName),
			zap.Error(err))
		return shared.NewBadRequestError("Unable to verify that the records are in scope").WithCause(err)
	}
	if count != int64(len(ids)) {
		s.logger.Info("Request targets records outside of the user scope",
			zap.String("collection", collectionName),
			zap.Int64("user_id", user.ID),
			zap.Int("targeted", len(ids)),
			zap.Int64("in_scope", count))
		return shared.NewBadRequestError("Some of the targeted records are not in the scope of the user")
	}
	return nil
}

func (s *Service) countInScope(ctx context.Context, user identity.User, collectionName string, ids []string) (int64, error) {
	c, ok := s.registry.Get(collectionName)
	if !ok {
		return 0, fmt.Errorf("unknown collection %q", collectionName)
	}
	byIDs, err := storage.IDsFilter(c, ids)
	if err != nil {
		return 0, err
	}
	scope, err := s.scopes.GetScopeForUser(ctx, user, collectionName)
	if err != nil {
		return 0, err
	}
	return s.counter.Count(ctx, c, storage.Query{Filter: filter.And(byIDs, scope)})
}

// SelectionQuery returns the query matching exactly the records a bulk request targets,
// restricted by the user's scope.
func (s *Service) SelectionQuery(ctx context.Context, user identity.User, collectionName string, bulk BulkRequest) (storage.Query, error) {
	c, ok := s.registry.Get(collectionName)
	if !ok {
		return storage.Query{}, shared.NewNotFoundError(fmt.Sprintf("Collection %q not found", collectionName))
	}
	scope, err := s.scopes.GetScopeForUser(ctx, user, collectionName)
	if err != nil {
		return storage.Query{}, shared.NewInternalError(err)
	}

	if !bulk.AllRecords {
		byIDs, err := storage.IDsFilter(c, distinct(bulk.IDs))
		if err != nil {
			return storage.Query{}, err
		}
		if byIDs == nil {
			byIDs = filter.NewCondition(c.IDField(), filter.OperatorIn, []any{})
		}
		return storage.Query{Filter: filter.And(byIDs, scope)}, nil
	}

	custom, err := filter.Parse(bulk.Filters)
	if err != nil {
		return storage.Query{}, err
	}
	excluded, err := storage.ExcludeIDsFilter(c, distinct(bulk.ExcludedIDs))
	if err != nil {
		return storage.Query{}, err
	}

	q := storage.Query{
		Search:         bulk.Search,
		SearchExtended: bulk.SearchExtended,
		SegmentQuery:   bulk.SegmentQuery,
	}
	var segmentFilter *filter.Node
	if bulk.Segment != "" {
		if segment, ok := c.SegmentByName(bulk.Segment); ok {
			segmentFilter = segment.Filter
			if segment.Query != "" && q.SegmentQuery == "" {
				q.SegmentQuery = segment.Query
			}
		}
	}
	q.Filter = filter.And(custom, segmentFilter, scope, excluded)
	return q, nil
}

func distinct(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
