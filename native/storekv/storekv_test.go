package storekv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/native/interest"
	"nhbchain/native/lending"
	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
)

func TestSaveAndLoadPoolSnapshotRoundTrips(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "protocol.db"))
	require.NoError(t, err)
	defer store.Close()

	pool := lending.New(lending.Config{
		Underlying:        asset.XRD,
		InterestModel:     interest.Default,
		InterestParams:    interest.DefaultParams(interest.Default),
		FlashloanFeeRatio: decimal.FromBps(10),
	})
	_, err = pool.AddLiquidity(0, nil, decimal.New(1000))
	require.NoError(t, err)
	_, _, err = pool.BorrowVariable(0, nil, decimal.New(100))
	require.NoError(t, err)

	snap := pool.Snapshot()
	require.NoError(t, store.SaveSnapshot("pool:"+asset.XRD.String(), snap))

	var loaded lending.Snapshot
	require.NoError(t, store.LoadSnapshot("pool:"+asset.XRD.String(), &loaded))

	restored := lending.Restore(loaded)
	require.Equal(t, pool.Vault.String(), restored.Vault.String())
	require.Equal(t, pool.LoanIndex.String(), restored.LoanIndex.String())
	require.Equal(t, pool.VariableShareQuantity.String(), restored.VariableShareQuantity.String())
}

func TestLoadSnapshotReportsNotFound(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "protocol.db"))
	require.NoError(t, err)
	defer store.Close()

	var loaded lending.Snapshot
	err = store.LoadSnapshot("missing", &loaded)
	require.ErrorIs(t, err, ErrNotFound)
}
