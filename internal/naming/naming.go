// Package naming validates and normalizes entity, permission, and
// argument names before they reach the graph store.
package naming

import (
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/text/unicode/norm"
)

// Validation errors.
var (
	// ErrInvalidName indicates that an entity name violates the naming syntax.
	ErrInvalidName = errors.New("invalid entity name")

	// ErrInvalidPermission indicates that a permission name violates the
	// permission syntax.
	ErrInvalidPermission = errors.New("invalid permission name")

	// ErrInvalidArgument indicates a malformed permission argument.
	ErrInvalidArgument = errors.New("invalid permission argument")
)

var (
	// nameRegex matches user and group names: letters and digits in
	// any script, underscores, dots, dashes, plus signs, at signs.
	// Names are NFC-normalized before matching, so the Unicode classes
	// see precomposed forms.
	nameRegex = regexp.MustCompile(`^[@\-\.\+_\p{L}\p{N}]+$`)

	// permissionRegex matches dotted lowercase permission names such
	// as "ssh.access".
	permissionRegex = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

	// argumentRegex matches permission arguments and argument patterns:
	// printable characters excluding whitespace.
	argumentRegex = regexp.MustCompile(`^\S*$`)
)

// MaxNameLength bounds entity and permission names.
const MaxNameLength = 128

// NormalizeName NFC-normalizes a name so that visually identical names
// compare equal regardless of the Unicode composition the caller used.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// ValidateEntityName checks a user or group name against the naming syntax
// and returns the normalized form.
func ValidateEntityName(name string) (string, error) {
	name = NormalizeName(name)
	if name == "" || len(name) > MaxNameLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !nameRegex.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// ValidatePermissionName checks a permission name against the dotted
// permission syntax and returns the normalized form.
func ValidatePermissionName(name string) (string, error) {
	name = NormalizeName(name)
	if name == "" || len(name) > MaxNameLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, name)
	}
	if !permissionRegex.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, name)
	}
	return name, nil
}

// ValidateArgument checks a permission argument or argument pattern.
// Empty arguments are allowed: an unparameterized grant has an empty
// pattern and matches only an empty query argument.
func ValidateArgument(arg string) (string, error) {
	arg = NormalizeName(arg)
	if !argumentRegex.MatchString(arg) {
		return "", fmt.Errorf("%w: %q", ErrInvalidArgument, arg)
	}
	return arg, nil
}
