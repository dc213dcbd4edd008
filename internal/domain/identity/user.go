package identity

import "strconv"

// PermissionLevel is the user's level on the project
type PermissionLevel string

const (
	PermissionLevelAdmin     PermissionLevel = "admin"
	PermissionLevelDeveloper PermissionLevel = "developer"
	PermissionLevelEditor    PermissionLevel = "editor"
	PermissionLevelUser      PermissionLevel = "user"
)

// User is the admin UI user a request acts on behalf of.
// It is decoded from the authentication token and never persisted here.
type User struct {
	ID              int64             `json:"id"`
	Email           string            `json:"email"`
	FirstName       string            `json:"firstName"`
	LastName        string            `json:"lastName"`
	Team            string            `json:"team"`
	RenderingID     int64             `json:"renderingId"`
	RoleID          int64             `json:"roleId"`
	PermissionLevel PermissionLevel   `json:"permissionLevel"`
	Tags            map[string]string `json:"tags"`
	Timezone        string            `json:"timezone"`
}

// IDString returns the user id as used in dynamic scope tables
func (u User) IDString() string {
	return strconv.FormatInt(u.ID, 10)
}

// RenderingIDString returns the rendering id as sent to the control plane
func (u User) RenderingIDString() string {
	if u.RenderingID == 0 {
		return ""
	}
	return strconv.FormatInt(u.RenderingID, 10)
}

// CanManageAll reports whether the user bypasses chart and segment allow-lists
func (u User) CanManageAll() bool {
	switch u.PermissionLevel {
	case PermissionLevelAdmin, PermissionLevelDeveloper, PermissionLevelEditor:
		return true
	default:
		return false
	}
}
