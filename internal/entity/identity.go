package entity

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// ParseRole accepts BUYER, CLIENT (legacy name for buyers) and SELLER.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUYER", "CLIENT":
		return RoleBuyer, nil
	case "SELLER":
		return RoleSeller, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrAuth, s)
	}
}

// Identity is the authenticated caller, passed explicitly to every orchestrator call.
type Identity struct {
	UserID string
	Role   Role
}

func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" {
		return fmt.Errorf("%w: missing user id", ErrAuth)
	}
	if i.Role != RoleBuyer && i.Role != RoleSeller {
		return fmt.Errorf("%w: unknown role %q", ErrAuth, i.Role)
	}
	return nil
}
