package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEntityName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "alice"},
		{name: "email style", input: "alice@example.com"},
		{name: "group with dashes", input: "team-infra"},
		{name: "dots and underscores", input: "svc_account.prod"},
		{name: "non-ascii letters", input: "café"},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace", input: "alice smith", wantErr: true},
		{name: "slash", input: "team/infra", wantErr: true},
		{name: "too long", input: strings.Repeat("a", MaxNameLength+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ValidateEntityName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, got)
		})
	}
}

func TestValidateEntityName_Normalizes(t *testing.T) {
	t.Parallel()

	// "é" as combining sequence (U+0065 U+0301) must normalize to the
	// precomposed U+00E9 so both spellings name the same entity.
	combining := "café"
	precomposed := "café"

	got, err := ValidateEntityName(combining)
	require.NoError(t, err)
	assert.Equal(t, precomposed, got)
}

func TestValidatePermissionName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "single segment", input: "sudo"},
		{name: "dotted", input: "ssh.access"},
		{name: "deeply dotted", input: "db.cluster.failover"},
		{name: "uppercase rejected", input: "SSH.Access", wantErr: true},
		{name: "trailing dot", input: "ssh.", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ValidatePermissionName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPermission)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateArgument(t *testing.T) {
	t.Parallel()

	_, err := ValidateArgument("db-prod")
	assert.NoError(t, err)

	_, err = ValidateArgument("")
	assert.NoError(t, err)

	_, err = ValidateArgument("db prod")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
