package authorization

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/permission"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/domain/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ForestClient evaluates the role based permissions configured on the control plane.
// Permissions are cached for a TTL; a denial is checked again once against freshly
// fetched permissions so that a right granted in the UI applies immediately.
type ForestClient struct {
	source   permission.Source
	counter  storage.Counter
	registry *schema.Registry
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger

	group      singleflight.Group
	mu         sync.RWMutex
	env        *environmentSnapshot
	renderings map[string]renderingSnapshot
}

var _ Client = (*ForestClient)(nil)

type environmentSnapshot struct {
	env       *permission.Environment
	roles     map[int64]int64
	fetchedAt time.Time
}

// roleOf prefers the role known to the control plane over the one in the token
func (s *environmentSnapshot) roleOf(user identity.User) int64 {
	if role, ok := s.roles[user.ID]; ok {
		return role
	}
	return user.RoleID
}

type renderingSnapshot struct {
	rendering *permission.Rendering
	fetchedAt time.Time
}

// ForestClientOption configures a ForestClient
type ForestClientOption func(*ForestClient)

// WithPermissionsTTL sets how long fetched permissions are trusted
func WithPermissionsTTL(ttl time.Duration) ForestClientOption {
	return func(c *ForestClient) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPermissionsClock replaces time.Now
func WithPermissionsClock(now func() time.Time) ForestClientOption {
	return func(c *ForestClient) {
		c.now = now
	}
}

// WithForestClientLogger sets the logger
func WithForestClientLogger(logger *zap.Logger) ForestClientOption {
	return func(c *ForestClient) {
		c.logger = logger
	}
}

// NewForestClient creates a permission client reading from source. The counter
// evaluates the record conditions of custom action rules.
func NewForestClient(source permission.Source, counter storage.Counter, registry *schema.Registry, opts ...ForestClientOption) *ForestClient {
	c := &ForestClient{
		source:     source,
		counter:    counter,
		registry:   registry,
		ttl:        permission.DefaultTTL,
		now:        time.Now,
		logger:     zap.NewNop(),
		renderings: make(map[string]renderingSnapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ForestClient) CanBrowse(ctx context.Context, user identity.User, collection, segmentQuery string) error {
	if err := c.collectionRight(ctx, user, collection, "browse", func(r permission.CollectionRights) permission.RoleSet {
		return r.Browse
	}); err != nil {
		return err
	}
	if segmentQuery == "" || user.CanManageAll() {
		return nil
	}

	allowed, err := c.checkRendering(ctx, user, func(r *permission.Rendering) bool {
		return r.AllowsSegmentQuery(collection, segmentQuery)
	})
	if err != nil {
		return err
	}
	if !allowed {
		return shared.NewForbiddenError(fmt.Sprintf("You don't have permission to execute this segment query on %s", collection))
	}
	return nil
}

func (c *ForestClient) CanRead(ctx context.Context, user identity.User, collection string) error {
	return c.collectionRight(ctx, user, collection, "read", func(r permission.CollectionRights) permission.RoleSet {
		return r.Read
	})
}

func (c *ForestClient) CanAdd(ctx context.Context, user identity.User, collection string) error {
	return c.collectionRight(ctx, user, collection, "add", func(r permission.CollectionRights) permission.RoleSet {
		return r.Add
	})
}

func (c *ForestClient) CanEdit(ctx context.Context, user identity.User, collection string) error {
	return c.collectionRight(ctx, user, collection, "edit", func(r permission.CollectionRights) permission.RoleSet {
		return r.Edit
	})
}

func (c *ForestClient) CanDelete(ctx context.Context, user identity.User, collection string) error {
	return c.collectionRight(ctx, user, collection, "delete", func(r permission.CollectionRights) permission.RoleSet {
		return r.Delete
	})
}

func (c *ForestClient) CanExport(ctx context.Context, user identity.User, collection string) error {
	return c.collectionRight(ctx, user, collection, "export", func(r permission.CollectionRights) permission.RoleSet {
		return r.Export
	})
}

// CanRetrieveChart allows admins, developers and editors any chart. Other users
// may only retrieve the charts of their rendering.
func (c *ForestClient) CanRetrieveChart(ctx context.Context, user identity.User, chart map[string]any) error {
	if user.CanManageAll() {
		return nil
	}
	allowed, err := c.checkRendering(ctx, user, func(r *permission.Rendering) bool {
		return r.AllowsChart(chart)
	})
	if err != nil {
		return err
	}
	if !allowed {
		return shared.NewForbiddenError("You don't have permission to access this chart")
	}
	return nil
}

func (c *ForestClient) CanTriggerCustomAction(ctx context.Context, user identity.User, collection, action string, target storage.Query) error {
	coll, ok := c.registry.Get(collection)
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}

	var approvers []int64
	var needsApproval bool
	allowed, err := c.checkEnvironment(ctx, func(snap *environmentSnapshot) (bool, error) {
		rights, ok := snap.env.Action(collection, action)
		if !ok {
			return false, nil
		}
		role := snap.roleOf(user)
		if !rights.Trigger.Allows(role) {
			return false, nil
		}
		if ok, err := c.allMatch(ctx, coll, target, rights.TriggerConditions.For(role)); err != nil || !ok {
			return false, err
		}

		needsApproval = false
		if !rights.ApprovalRequired.Allows(role) {
			return true, nil
		}
		needsApproval = true
		if cond := rights.ApprovalRequiredConditions.For(role); cond != nil {
			n, err := c.count(ctx, coll, target, cond)
			if err != nil {
				return false, err
			}
			needsApproval = n > 0
		}
		if needsApproval {
			roles, err := c.approvers(ctx, coll, target, rights)
			if err != nil {
				return false, err
			}
			approvers = roles
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !allowed {
		return shared.NewForbiddenError(fmt.Sprintf("You don't have permission to trigger the action %q on %s", action, collection))
	}
	if needsApproval {
		return &ApprovalRequiredError{RoleIDsAllowedToApprove: approvers}
	}
	return nil
}

func (c *ForestClient) CanApproveCustomAction(ctx context.Context, user identity.User, collection, action string, target storage.Query, requesterID int64) error {
	coll, ok := c.registry.Get(collection)
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}

	allowed, err := c.checkEnvironment(ctx, func(snap *environmentSnapshot) (bool, error) {
		rights, ok := snap.env.Action(collection, action)
		if !ok {
			return false, nil
		}
		role := snap.roleOf(user)
		if !rights.UserApproval.Allows(role) {
			return false, nil
		}
		if requesterID == user.ID && !rights.SelfApproval.Allows(role) {
			return false, nil
		}
		return c.allMatch(ctx, coll, target, rights.UserApprovalConditions.For(role))
	})
	if err != nil {
		return err
	}
	if !allowed {
		return shared.NewForbiddenError(fmt.Sprintf("You don't have permission to approve the action %q on %s", action, collection))
	}
	return nil
}

// approvers lists the roles allowed to approve every targeted record
func (c *ForestClient) approvers(ctx context.Context, coll *schema.Collection, target storage.Query, rights permission.ActionRights) ([]int64, error) {
	roles := make([]int64, 0, len(rights.UserApproval.Roles))
	for _, role := range rights.UserApproval.Roles {
		ok, err := c.allMatch(ctx, coll, target, rights.UserApprovalConditions.For(role))
		if err != nil {
			return nil, err
		}
		if ok {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

// allMatch reports whether every targeted record matches the condition
func (c *ForestClient) allMatch(ctx context.Context, coll *schema.Collection, target storage.Query, cond *filter.Node) (bool, error) {
	if cond == nil {
		return true, nil
	}
	total, err := c.count(ctx, coll, target, nil)
	if err != nil {
		return false, err
	}
	matching, err := c.count(ctx, coll, target, cond)
	if err != nil {
		return false, err
	}
	return matching == total, nil
}

func (c *ForestClient) count(ctx context.Context, coll *schema.Collection, target storage.Query, cond *filter.Node) (int64, error) {
	q := target
	q.Filter = filter.And(target.Filter, cond)
	n, err := c.counter.Count(ctx, coll, q)
	if err != nil {
		return 0, fmt.Errorf("count records for action condition: %w", err)
	}
	return n, nil
}

func (c *ForestClient) collectionRight(ctx context.Context, user identity.User, collection, name string, right func(permission.CollectionRights) permission.RoleSet) error {
	allowed, err := c.checkEnvironment(ctx, func(snap *environmentSnapshot) (bool, error) {
		return right(snap.env.Collection(collection).Rights).Allows(snap.roleOf(user)), nil
	})
	if err != nil {
		return err
	}
	if !allowed {
		return shared.NewForbiddenError(fmt.Sprintf("You don't have permission to %s this collection: %s", name, collection))
	}
	return nil
}

// checkEnvironment runs check on cached permissions, then once more on fresh ones after a denial
func (c *ForestClient) checkEnvironment(ctx context.Context, check func(*environmentSnapshot) (bool, error)) (bool, error) {
	snap, err := c.environment(ctx, false)
	if err != nil {
		return false, err
	}
	allowed, err := check(snap)
	if err != nil || allowed {
		return allowed, err
	}

	snap, err = c.environment(ctx, true)
	if err != nil {
		return false, err
	}
	return check(snap)
}

func (c *ForestClient) checkRendering(ctx context.Context, user identity.User, check func(*permission.Rendering) bool) (bool, error) {
	renderingID := user.RenderingIDString()
	if renderingID == "" {
		return false, fmt.Errorf("user %d has no rendering id", user.ID)
	}
	r, err := c.rendering(ctx, renderingID, false)
	if err != nil {
		return false, err
	}
	if check(r) {
		return true, nil
	}
	r, err = c.rendering(ctx, renderingID, true)
	if err != nil {
		return false, err
	}
	return check(r), nil
}

func (c *ForestClient) environment(ctx context.Context, refresh bool) (*environmentSnapshot, error) {
	if !refresh {
		c.mu.RLock()
		snap := c.env
		c.mu.RUnlock()
		if snap != nil && c.now().Sub(snap.fetchedAt) < c.ttl {
			return snap, nil
		}
	}

	v, err, _ := c.group.Do("environment", func() (any, error) {
		var (
			env   *permission.Environment
			users []permission.User
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			env, err = c.source.EnvironmentPermissions(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			users, err = c.source.Users(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("fetch permissions: %w", err)
		}
		if env == nil {
			env = &permission.Environment{}
		}

		snap := &environmentSnapshot{
			env:       env,
			roles:     make(map[int64]int64, len(users)),
			fetchedAt: c.now(),
		}
		for _, u := range users {
			snap.roles[u.ID] = u.RoleID
		}
		c.mu.Lock()
		c.env = snap
		c.mu.Unlock()

		c.logger.Debug("Permissions fetched",
			zap.Int("collections", len(env.Collections)),
			zap.Int("users", len(users)))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*environmentSnapshot), nil
}

func (c *ForestClient) rendering(ctx context.Context, renderingID string, refresh bool) (*permission.Rendering, error) {
	if !refresh {
		c.mu.RLock()
		snap, ok := c.renderings[renderingID]
		c.mu.RUnlock()
		if ok && c.now().Sub(snap.fetchedAt) < c.ttl {
			return snap.rendering, nil
		}
	}

	v, err, _ := c.group.Do("rendering:"+renderingID, func() (any, error) {
		r, err := c.source.RenderingPermissions(ctx, renderingID)
		if err != nil {
			return nil, fmt.Errorf("fetch permissions of rendering %s: %w", renderingID, err)
		}
		c.mu.Lock()
		c.renderings[renderingID] = renderingSnapshot{rendering: r, fetchedAt: c.now()}
		c.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*permission.Rendering), nil
}

// Invalidate drops every cached permission
func (c *ForestClient) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.env = nil
	c.renderings = make(map[string]renderingSnapshot)
}
