// Package config loads the TOML configuration a host process wires into the
// native lending/CDM/oracle/keeper components at startup. Grounded on
// config/config.go's Load/createDefault pattern (the same named package in
// the teacher repo) and native/lending/config.go's bps-denominated,
// toml-tagged field style.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"nhbchain/native/interest"
	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
)

// PoolConfig is one per-asset lending pool's static parameters, denominated
// in basis points the way native/lending/config.go denominates its
// percentages.
type PoolConfig struct {
	Underlying        string `toml:"Underlying"`
	InterestModel     string `toml:"InterestModel"` // "default", "stablecoin" or "xrdstaking"
	P1Bps             uint64 `toml:"P1Bps"`
	P2Bps             uint64 `toml:"P2Bps"`
	FlashloanFeeBps   uint64 `toml:"FlashloanFeeBps"`
	InsuranceRatioBps uint64 `toml:"InsuranceRatioBps"`

	CollateralShareAsset    string `toml:"CollateralShareAsset"`
	LTVBps                  uint64 `toml:"LTVBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64 `toml:"LiquidationBonusBps"`
}

// CDMConfig is the Collateral-Debt Manager's genesis configuration.
type CDMConfig struct {
	CloseFactorBps uint64       `toml:"CloseFactorBps"`
	Pools          []PoolConfig `toml:"Pool"`
}

// OracleConfig is the price oracle's genesis configuration.
type OracleConfig struct {
	VerifyKeyHex string `toml:"VerifyKeyHex"`
	MaxDiff      uint64 `toml:"MaxDiff"`
}

// KeeperConfig is the validator keeper's genesis configuration.
type KeeperConfig struct {
	BabylonStartEpoch uint64 `toml:"BabylonStartEpoch"`
}

// Config is the top-level file this package loads.
type Config struct {
	CDM    CDMConfig    `toml:"cdm"`
	Oracle OracleConfig `toml:"oracle"`
	Keeper KeeperConfig `toml:"keeper"`
}

// Load reads path, writing a default file in its place if none exists yet
// (config.Load's createDefault behaviour).
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		CDM: CDMConfig{CloseFactorBps: 5000},
		Oracle: OracleConfig{
			MaxDiff: 300,
		},
		Keeper: KeeperConfig{BabylonStartEpoch: 0},
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InterestModelValue resolves a PoolConfig's textual model name.
func (p PoolConfig) InterestModelValue() (interest.Model, error) {
	switch p.InterestModel {
	case "", "default":
		return interest.Default, nil
	case "stablecoin":
		return interest.StableCoin, nil
	case "xrdstaking":
		return interest.XrdStaking, nil
	default:
		return 0, fmt.Errorf("config: unknown interest model %q", p.InterestModel)
	}
}

// InterestParams builds the interest.Params a PoolConfig's bps fields
// describe, falling back to the model's protocol defaults when both are
// zero (unset in the file).
func (p PoolConfig) InterestParams(model interest.Model) interest.Params {
	if p.P1Bps == 0 && p.P2Bps == 0 {
		return interest.DefaultParams(model)
	}
	return interest.Params{P1: decimal.FromBps(p.P1Bps), P2: decimal.FromBps(p.P2Bps)}
}

// UnderlyingAsset decodes the pool's bech32 underlying identifier.
func (p PoolConfig) UnderlyingAsset() (asset.ID, error) {
	return asset.Decode(p.Underlying)
}

// CollateralShareAssetID decodes the pool's bech32 collateral-share identifier.
func (p PoolConfig) CollateralShareAssetID() (asset.ID, error) {
	return asset.Decode(p.CollateralShareAsset)
}
