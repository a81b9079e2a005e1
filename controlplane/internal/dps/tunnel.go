package dps

import (
	"fmt"
	"net/netip"

	"github.com/dove-platform/dgw/common/go/xerror"
)

// Role is the agent role a tunnel is registered with.
type Role uint8

const (
	RoleExternal Role = 1
	RoleVLAN     Role = 2
)

func (m Role) String() string {
	switch m {
	case RoleExternal:
		return "external"
	case RoleVLAN:
		return "vlan"
	default:
		return fmt.Sprintf("role(%d)", uint8(m))
	}
}

// ParseRole parses the textual form of a role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "external":
		return RoleExternal, nil
	case "vlan":
		return RoleVLAN, nil
	default:
		return 0, fmt.Errorf("%w: unknown tunnel role %q", xerror.ErrConfiguration, s)
	}
}

func (m Role) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*m = role
	return nil
}

// TunnelInfo describes a tunnel registration.
type TunnelInfo struct {
	Role      Role
	VNID      uint32
	OverlayIP netip.Addr
}
