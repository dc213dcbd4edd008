// Package permission models the role based rights configured on the control plane:
// collection CRUD rights, custom action trigger and approval rules, and the
// per-rendering allow-lists of segments and charts.
package permission

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/liana/backend/internal/domain/filter"
)

// DefaultTTL is how long fetched permissions are trusted
const DefaultTTL = 900 * time.Second

// RoleSet lists the roles granted a right. Everyone is set when the control plane
// sends a plain boolean instead of a role list.
type RoleSet struct {
	Everyone bool
	Roles    []int64
}

// Allows reports whether the role holds the right
func (s RoleSet) Allows(roleID int64) bool {
	return s.Everyone || slices.Contains(s.Roles, roleID)
}

// UnmarshalJSON accepts `true`, `false` or `{"roles":[...]}`
func (s *RoleSet) UnmarshalJSON(data []byte) error {
	var everyone bool
	if err := json.Unmarshal(data, &everyone); err == nil {
		*s = RoleSet{Everyone: everyone}
		return nil
	}
	var wire struct {
		Roles []int64 `json:"roles"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*s = RoleSet{Roles: wire.Roles}
	return nil
}

// CollectionRights are the CRUD rights on one collection
type CollectionRights struct {
	Browse RoleSet `json:"browseEnabled"`
	Read   RoleSet `json:"readEnabled"`
	Add    RoleSet `json:"addEnabled"`
	Edit   RoleSet `json:"editEnabled"`
	Delete RoleSet `json:"deleteEnabled"`
	Export RoleSet `json:"exportEnabled"`
}

// RoleCondition restricts a right to records matching a filter, for one role
type RoleCondition struct {
	RoleID int64        `json:"roleId"`
	Filter *filter.Node `json:"-"`
}

// UnmarshalJSON parses the condition filter with the filter package
func (c *RoleCondition) UnmarshalJSON(data []byte) error {
	var wire struct {
		RoleID int64           `json:"roleId"`
		Filter json.RawMessage `json:"filter"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	node, err := filter.Parse(string(wire.Filter))
	if err != nil {
		return err
	}
	*c = RoleCondition{RoleID: wire.RoleID, Filter: node}
	return nil
}

// Conditions holds at most one condition per role
type Conditions []RoleCondition

// For returns the condition of a role, or nil
func (cs Conditions) For(roleID int64) *filter.Node {
	for _, c := range cs {
		if c.RoleID == roleID {
			return c.Filter
		}
	}
	return nil
}

// ActionRights are the rules of one custom action
type ActionRights struct {
	Trigger                    RoleSet    `json:"triggerEnabled"`
	TriggerConditions          Conditions `json:"triggerConditions"`
	ApprovalRequired           RoleSet    `json:"approvalRequired"`
	ApprovalRequiredConditions Conditions `json:"approvalRequiredConditions"`
	UserApproval               RoleSet    `json:"userApprovalEnabled"`
	UserApprovalConditions     Conditions `json:"userApprovalConditions"`
	SelfApproval               RoleSet    `json:"selfApprovalEnabled"`
}

// Collection groups the rights of a collection and of its actions, keyed by action name
type Collection struct {
	Rights  CollectionRights        `json:"collection"`
	Actions map[string]ActionRights `json:"actions"`
}

// Environment holds the rights of every collection
type Environment struct {
	Collections map[string]Collection `json:"collections"`
}

// Collection returns the rights of a collection. Unknown collections grant nothing.
func (e *Environment) Collection(name string) Collection {
	if e == nil {
		return Collection{}
	}
	return e.Collections[name]
}

// Action returns the rules of a custom action and whether it is configured
func (e *Environment) Action(collection, action string) (ActionRights, bool) {
	a, ok := e.Collection(collection).Actions[action]
	return a, ok
}

// User is a user of the environment as the control plane knows it
type User struct {
	ID              int64  `json:"id"`
	Email           string `json:"email"`
	RoleID          int64  `json:"roleId"`
	PermissionLevel string `json:"permissionLevel"`
}

// Segment is a segment visible in a rendering
type Segment struct {
	ID    int64  `json:"id"`
	Query string `json:"query"`
}

// RenderingCollection holds what a rendering shows of one collection
type RenderingCollection struct {
	Segments []Segment `json:"segments"`
}

// Rendering holds the allow-lists of one rendering
type Rendering struct {
	Collections map[string]RenderingCollection `json:"collections"`
	// Stats are the chart definitions users without elevated levels may retrieve.
	Stats []map[string]any `json:"stats"`
}

// AllowsSegmentQuery reports whether a live query is one of the collection's segments
func (r *Rendering) AllowsSegmentQuery(collection, query string) bool {
	if r == nil {
		return false
	}
	want := NormalizeQuery(query)
	for _, s := range r.Collections[collection].Segments {
		if s.Query != "" && NormalizeQuery(s.Query) == want {
			return true
		}
	}
	return false
}

// AllowsChart reports whether a chart request is one of the rendering's charts
func (r *Rendering) AllowsChart(chart map[string]any) bool {
	if r == nil {
		return false
	}
	want, err := CanonicalChart(chart)
	if err != nil {
		return false
	}
	for _, s := range r.Stats {
		got, err := CanonicalChart(s)
		if err == nil && got == want {
			return true
		}
	}
	return false
}

// Source reads permissions from the control plane
type Source interface {
	EnvironmentPermissions(ctx context.Context) (*Environment, error)
	Users(ctx context.Context) ([]User, error)
	RenderingPermissions(ctx context.Context, renderingID string) (*Rendering, error)
}
