package staging

import "fmt"

// Role is the part a connected user plays in a world session.
type Role string

const (
	RoleDM        Role = "dm"
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleDM, RolePlayer, RoleSpectator:
		return true
	}
	return false
}

// Actor identifies who is calling a service operation.
type Actor struct {
	UserID   string
	ClientID string
	Role     Role
}

// IsDM reports whether the actor may make DM decisions.
func (a Actor) IsDM() bool { return a.Role == RoleDM }

func requireDM(a Actor, op string) error {
	if !a.IsDM() {
		return fmt.Errorf("%w: %s requires the dm role (user %q is %q)", ErrUnauthorized, op, a.UserID, a.Role)
	}
	return nil
}
