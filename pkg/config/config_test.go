package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/native/interest"
)

func TestLoadWritesDefaultWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), cfg.CDM.CloseFactorBps)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.CDM.CloseFactorBps, reloaded.CDM.CloseFactorBps)
	require.Equal(t, cfg.Oracle.MaxDiff, reloaded.Oracle.MaxDiff)
}

func TestPoolConfigInterestParamsFallsBackToProtocolDefaults(t *testing.T) {
	p := PoolConfig{InterestModel: "stablecoin"}
	model, err := p.InterestModelValue()
	require.NoError(t, err)
	require.Equal(t, interest.StableCoin, model)

	params := p.InterestParams(model)
	require.Equal(t, interest.DefaultParams(interest.StableCoin).P1.String(), params.P1.String())
}

func TestPoolConfigInterestParamsUsesExplicitBps(t *testing.T) {
	p := PoolConfig{InterestModel: "default", P1Bps: 3000, P2Bps: 6000}
	model, err := p.InterestModelValue()
	require.NoError(t, err)
	params := p.InterestParams(model)
	require.Equal(t, "0.3", params.P1.String())
	require.Equal(t, "0.6", params.P2.String())
}

func TestPoolConfigInterestModelValueRejectsUnknown(t *testing.T) {
	p := PoolConfig{InterestModel: "bogus"}
	_, err := p.InterestModelValue()
	require.Error(t, err)
}
