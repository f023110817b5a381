// Package rbac holds the workspace roles and what each may do.
package rbac

import "slices"

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	// ActionWrite covers page mutations, space create/update and uploads.
	ActionWrite Action = "write"
	// ActionAdmin covers purging the trash, deleting spaces and reindexing.
	ActionAdmin Action = "admin"
)

// Each role inherits the grants of the one before it.
var ladder = []struct {
	role  Role
	grant Action
}{
	{RoleViewer, ActionRead},
	{RoleCommenter, ActionComment},
	{RoleEditor, ActionWrite},
	{RoleAdmin, ActionAdmin},
}

// Can reports whether role may perform action. Unknown roles may do nothing.
func Can(role Role, action Action) bool {
	granted := make([]Action, 0, len(ladder))
	for _, rung := range ladder {
		granted = append(granted, rung.grant)
		if rung.role == role {
			return slices.Contains(granted, action)
		}
	}
	return false
}

// Normalize maps stored role strings onto a known role, defaulting to viewer.
func Normalize(role string) Role {
	for _, rung := range ladder {
		if string(rung.role) == role {
			return rung.role
		}
	}
	return RoleViewer
}
