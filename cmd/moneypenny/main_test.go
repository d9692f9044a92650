package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mi6-platform/moneypenny/internal/backend"
)

func TestBuildBackendMemory(t *testing.T) {
	be, err := buildBackend(Config{Backend: BackendConfig{Mode: "memory"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &backend.Memory{}, be)
}

func TestBuildBackendRejectsUnknownMode(t *testing.T) {
	_, err := buildBackend(Config{Backend: BackendConfig{Mode: "docker"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"docker"`)
}
