package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeRejectsMissingConfig(t *testing.T) {
	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: redis\n"), 0o644))

	_, err := execute(t, "serve", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
