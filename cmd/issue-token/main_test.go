package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disposms/backend/internal/domain"
)

func TestParseRole(t *testing.T) {
	role, err := parseRole("super")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSuper, role)

	_, err = parseRole("root")
	assert.Error(t, err)
}
