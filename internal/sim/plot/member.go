package plot

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Role int

const (
	RoleCoop Role = iota
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "OWNER"
	case RoleCoop:
		return "COOP"
	default:
		return fmt.Sprintf("ROLE(%d)", int(r))
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OWNER":
		return RoleOwner, nil
	case "COOP", "":
		return RoleCoop, nil
	default:
		return RoleCoop, fmt.Errorf("unknown role %q", s)
	}
}

// Member is a value; copies handed out by a Plot never alias its state.
type Member struct {
	Identity uuid.UUID
	Name     string
	Role     Role
}

func (m Member) IsOwner() bool { return m.Role == RoleOwner }
