package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the type of a graph entity.
type Kind uint8

// Entity kinds.
const (
	KindUser Kind = iota + 1
	KindGroup
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "user":
		return KindUser, nil
	case "group":
		return KindGroup, nil
	default:
		return 0, fmt.Errorf("%w: unknown member kind %q", ErrValidation, s)
	}
}

// Ref identifies a graph entity. Names are unique within an entity
// type, so a user and a group may share a name; the kind disambiguates.
type Ref struct {
	Kind Kind
	Name string
}

// UserRef returns a Ref for the named user.
func UserRef(name string) Ref {
	return Ref{Kind: KindUser, Name: name}
}

// GroupRef returns a Ref for the named group.
func GroupRef(name string) Ref {
	return Ref{Kind: KindGroup, Name: name}
}

// String returns "kind:name".
func (r Ref) String() string {
	return r.Kind.String() + ":" + r.Name
}

// ParseRef parses a "kind:name" reference.
func ParseRef(s string) (Ref, error) {
	kindStr, name, found := strings.Cut(s, ":")
	if !found || name == "" {
		return Ref{}, fmt.Errorf("%w: malformed entity reference %q", ErrValidation, s)
	}
	kind, err := ParseKind(kindStr)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Kind: kind, Name: name}, nil
}

// MarshalJSON encodes the ref as "kind:name".
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a "kind:name" string.
func (r *Ref) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseRef(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Role is the role a member holds within a group.
type Role string

// Membership roles.
const (
	RoleMember    Role = "member"
	RoleOwner     Role = "owner"
	RoleNpAudited Role = "np-audited"
)

// ParseRole parses a membership role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleMember, RoleOwner, RoleNpAudited:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
	}
}

// User is a user entity. Users are always leaves of the containment
// graph; they can be members of groups but never contain anything.
type User struct {
	Name      string    `json:"name"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// Group is a group entity. Groups may contain users and other groups.
type Group struct {
	Name      string    `json:"name"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// Membership is a directed containment edge from a member (user or
// group) to the group that contains it.
type Membership struct {
	Member    Ref       `json:"member"`
	Group     string    `json:"group"`
	Role      Role      `json:"role"`
	GrantedAt time.Time `json:"grantedAt"`
}

// Grant attaches a permission with an argument pattern to a group. All
// current and future members of the group, direct or transitive,
// inherit it.
type Grant struct {
	Group      string    `json:"group"`
	Permission string    `json:"permission"`
	ArgPattern string    `json:"argPattern"`
	Condition  string    `json:"condition,omitempty"`
	GrantedAt  time.Time `json:"grantedAt"`
}

// key identifies a grant within its group.
func (g Grant) key() string {
	return g.Permission + "\x00" + g.ArgPattern
}

// grantKey builds a grant lookup key.
func grantKey(permission, argPattern string) string {
	return permission + "\x00" + argPattern
}
