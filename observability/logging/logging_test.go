package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithFileWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.log")
	logger := SetupWithFile("cdm", "test", FileOptions{Path: path, MaxSizeMB: 1})
	logger.Info("hello", "key", "value")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestSetupDefaultsToStdoutOnly(t *testing.T) {
	logger := Setup("cdm", "test")
	require.NotNil(t, logger)
}
