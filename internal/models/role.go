package models

// Role is asserted by the identity provider in the access token.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// CanModerate reports whether the role may delete other users' messages.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleModerator
}
