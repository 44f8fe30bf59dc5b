package metrics

import "testing"

func TestRegistryIsIdempotentAndMethodsTolerateNil(t *testing.T) {
	a := Registry()
	b := Registry()
	if a != b {
		t.Fatal("Registry must return the same instance across calls")
	}

	a.ObservePoolVault("dxu1test", 100)
	a.ObservePoolUtilisation("dxu1test", 0.5)
	a.IncBorrow("variable")
	a.IncLiquidation("partial")
	a.IncFlashloan("dxu1test")
	a.SetDseShareSupply(42)

	var nilMetrics *protocolMetrics
	nilMetrics.ObservePoolVault("x", 1)
	nilMetrics.IncBorrow("variable")
}
