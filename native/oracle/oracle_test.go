package oracle

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
)

func decimalHalf() decimal.Decimal {
	return decimal.New(1).MustDiv(decimal.New(2), decimal.ToZero)
}

func testAssets(t *testing.T) (asset.ID, asset.ID) {
	t.Helper()
	base := asset.XRD
	raw := make([]byte, 20)
	copy(raw[17:], "abc")
	quote, err := asset.New(asset.UnderlyingPrefix, raw)
	require.NoError(t, err)
	return base, quote
}

func TestGetValidPriceInXRDVerifiesAndInverts(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	base, quote := testAssets(t)

	o := New(pub, 10)
	o.PriceMap[quote.String()] = PriceEntry{}

	msg := canonicalMessage(base, quote, "2", 100, 1000)
	sig := ed25519.Sign(priv, msg)

	price, err := o.GetValidPriceInXRD(base, quote, "2", 100, 1000, sig)
	require.NoError(t, err)
	require.Equal(t, "0.5", price.String())
}

func TestGetValidPriceInXRDRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	base, quote := testAssets(t)

	o := New(pub, 10)
	o.PriceMap[quote.String()] = PriceEntry{}

	_, err = o.GetValidPriceInXRD(base, quote, "2", 100, 1000, make([]byte, ed25519.SignatureSize))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestGetValidPriceInXRDStalenessWithinEpoch(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	base, quote := testAssets(t)

	o := New(pub, 10)
	o.PriceMap[quote.String()] = PriceEntry{}

	msg1 := canonicalMessage(base, quote, "2", 100, 1000)
	_, err = o.GetValidPriceInXRD(base, quote, "2", 100, 1000, ed25519.Sign(priv, msg1))
	require.NoError(t, err)

	// P7: t2 - t1 >= max_diff must fail the later call within the same epoch.
	msg2 := canonicalMessage(base, quote, "2", 100, 1010)
	_, err = o.GetValidPriceInXRD(base, quote, "2", 100, 1010, ed25519.Sign(priv, msg2))
	require.ErrorIs(t, err, ErrPriceStale)
}

func TestGetValidPriceInXRDResetsWindowOnNewEpoch(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	base, quote := testAssets(t)

	o := New(pub, 10)
	o.PriceMap[quote.String()] = PriceEntry{}

	msg1 := canonicalMessage(base, quote, "2", 100, 1000)
	_, err = o.GetValidPriceInXRD(base, quote, "2", 100, 1000, ed25519.Sign(priv, msg1))
	require.NoError(t, err)

	msg2 := canonicalMessage(base, quote, "2", 101, 1)
	_, err = o.GetValidPriceInXRD(base, quote, "2", 101, 1, ed25519.Sign(priv, msg2))
	require.NoError(t, err, "a new epoch must reset the freshness window")
}

func TestGetPriceQuoteInXRDFreshVsStale(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, quote := testAssets(t)

	o := New(pub, 10)
	o.PriceMap[quote.String()] = PriceEntry{Epoch: 5}

	require.True(t, o.GetPriceQuoteInXRD(quote, 5).IsZero())
	o.PriceMap[quote.String()] = PriceEntry{Epoch: 5, PriceInXRD: decimalHalf()}
	require.Equal(t, decimalHalf().String(), o.GetPriceQuoteInXRD(quote, 5).String())
	require.True(t, o.GetPriceQuoteInXRD(quote, 6).IsZero(), "stale epoch must return zero, not the cached price")
}
