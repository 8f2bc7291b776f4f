package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "videorelay dev\n", out.String())
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX", "0")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--port", "3000"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_MAX")
}
