package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCategories(t *testing.T) {
	t.Parallel()

	valErr := NewValidationError("AddUser", "alice", ErrDuplicate)
	assert.True(t, IsValidation(valErr))
	assert.False(t, IsNotFound(valErr))
	assert.ErrorIs(t, valErr, ErrDuplicate)
	assert.Equal(t, CategoryValidation, CategoryOf(valErr))
	assert.Contains(t, valErr.Error(), "AddUser")
	assert.Contains(t, valErr.Error(), "alice")

	nfErr := NewNotFoundError("RemoveGrant", "group eng")
	assert.True(t, IsNotFound(nfErr))
	assert.Equal(t, CategoryNotFound, CategoryOf(nfErr))

	intErr := NewInternalError("AddMembership", "eng", ErrCeilingExceeded)
	assert.True(t, IsInternal(intErr))
	assert.ErrorIs(t, intErr, ErrCeilingExceeded)
	assert.Equal(t, CategoryInternal, CategoryOf(intErr))
}

func TestCategoryOf_UncategorizedDefaultsToInternal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CategoryInternal, CategoryOf(errors.New("boom")))
}

func TestParseKindAndRole(t *testing.T) {
	t.Parallel()

	k, err := ParseKind("user")
	assert.NoError(t, err)
	assert.Equal(t, KindUser, k)

	k, err = ParseKind("group")
	assert.NoError(t, err)
	assert.Equal(t, KindGroup, k)

	_, err = ParseKind("robot")
	assert.ErrorIs(t, err, ErrValidation)

	r, err := ParseRole("np-audited")
	assert.NoError(t, err)
	assert.Equal(t, RoleNpAudited, r)

	_, err = ParseRole("admin")
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, "user:alice", UserRef("alice").String())
	assert.Equal(t, "group:eng", GroupRef("eng").String())
}
