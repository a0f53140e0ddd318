package models

type UserRole string

const (
	UserRoleUser      UserRole = "user"
	UserRoleModerator UserRole = "moderator"
	UserRoleAdmin     UserRole = "admin"
)

// Caller is the authenticated identity attached to a request.
type Caller struct {
	UserID string
	Role   UserRole
}

type Post struct {
	ID       string
	OwnerID  string
	Category string
}
