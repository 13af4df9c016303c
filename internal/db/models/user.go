package models

import "slices"

// Permissions understood by the blocklist.
const (
	PermissionSubmit  = "Blocklist:Submit"
	PermissionSignoff = "Blocklist:Signoff"
	PermissionAll     = "*:*"
)

// User is an actor of the submission workflow.
type User struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	Permissions []string `json:"permissions"`
}

// Has reports whether the user holds perm.
func (u *User) Has(perm string) bool {
	if u == nil {
		return false
	}
	return slices.Contains(u.Permissions, perm) || slices.Contains(u.Permissions, PermissionAll)
}
