package netparams

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesNetworksAndFindLooksUpByName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	content := "networks:\n  - name: mainnet\n    babylon_start_epoch: 12000\n  - name: testnet\n    babylon_start_epoch: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	params, err := Load(path)
	require.NoError(t, err)
	require.Len(t, params.Networks, 2)

	mainnet, ok := params.Find("mainnet")
	require.True(t, ok)
	require.Equal(t, uint64(12000), mainnet.BabylonStartEpoch)

	_, ok = params.Find("unknown")
	require.False(t, ok)
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}
