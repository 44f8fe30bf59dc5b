package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
)

func TestSetPriceRendersResourceAndPrice(t *testing.T) {
	e := SetPrice{Resource: asset.XRD, Price: decimal.New(2)}
	rendered := e.Event()
	require.Equal(t, TypeSetPrice, rendered.Type)
	require.Equal(t, "2", rendered.Attributes["price"])
	require.Equal(t, asset.XRD.String(), rendered.Attributes["resource"])
}

func TestClaimXrdRendersCounts(t *testing.T) {
	e := ClaimXrd{ClaimTickets: 3, ClaimAmount: decimal.New(90), CurrentEpoch: 42}
	rendered := e.Event()
	require.Equal(t, "3", rendered.Attributes["claimTickets"])
	require.Equal(t, "42", rendered.Attributes["currentEpoch"])
}
