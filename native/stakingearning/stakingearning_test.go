package stakingearning

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/native/events"
	"nhbchain/native/staking"
	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
)

type recordingSink struct {
	events []events.Typed
}

func (s *recordingSink) Emit(e events.Typed) { s.events = append(s.events, e) }

type fakeFullValidator struct {
	claimable map[uint64]decimal.Decimal
	nextTicket uint64
}

func newFakeFullValidator() *fakeFullValidator {
	return &fakeFullValidator{claimable: make(map[uint64]decimal.Decimal)}
}

func (v *fakeFullValidator) Stake(amount decimal.Decimal) decimal.Decimal { return amount }
func (v *fakeFullValidator) GetRedemptionValue(lsuAmount decimal.Decimal) decimal.Decimal {
	return lsuAmount
}
func (v *fakeFullValidator) Unstake(lsuAmount decimal.Decimal) (uint64, uint64) {
	v.nextTicket++
	v.claimable[v.nextTicket] = lsuAmount
	return v.nextTicket, 2016
}
func (v *fakeFullValidator) ClaimXRD(ticketID uint64) (decimal.Decimal, error) {
	return v.claimable[ticketID], nil
}

type fakeCDM struct {
	stableRate decimal.Decimal
	advanced   decimal.Decimal
	err        error
}

func (c *fakeCDM) GetInterestRate(underlying asset.ID, additionalBorrow decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	return c.stableRate, c.stableRate, nil
}

func (c *fakeCDM) StakingBorrow(underlying asset.ID, principal decimal.Decimal, ticketIDs []uint64, claimEpochs []uint64, claimAmounts []decimal.Decimal, interests []decimal.Decimal) (decimal.Decimal, error) {
	c.advanced = principal
	return principal, c.err
}

func validatorAsset(t *testing.T, tag byte) asset.ID {
	t.Helper()
	b := make([]byte, 20)
	b[19] = tag
	id, err := asset.New(asset.ValidatorPrefix, b)
	require.NoError(t, err)
	return id
}

func newTestEarning(t *testing.T) (*Earning, asset.ID, *fakeCDM) {
	pool := staking.New(asset.XRD)
	v1 := validatorAsset(t, 1)
	pool.RegisterValidator(v1, newFakeFullValidator())

	dse := asset.MustNew(asset.StakingSharePrefix, func() []byte { b := make([]byte, 20); b[19] = 0xee; return b }())
	cdm := &fakeCDM{stableRate: decimal.New(1).MustDiv(decimal.New(10), decimal.ToZero)}
	e := New(pool, dse, cdm)
	return e, v1, cdm
}

func TestJoinRejectsWrongUnderlying(t *testing.T) {
	e, v1, _ := newTestEarning(t)
	wrong := validatorAsset(t, 99)
	_, err := e.Join(v1, wrong, decimal.New(10))
	require.ErrorIs(t, err, ErrUnsupportedToken)
}

func TestJoinContributesThroughThePool(t *testing.T) {
	e, v1, _ := newTestEarning(t)
	dse, err := e.Join(v1, asset.XRD, decimal.New(100))
	require.NoError(t, err)
	require.Equal(t, "100", dse.String())
}

func TestClaimXRDAdvancesUnmaturedTicketsViaStakingBorrow(t *testing.T) {
	e, v1, cdm := newTestEarning(t)
	e.RegisterValidator(v1, newFakeFullValidator())

	tickets := []ClaimTicket{
		{TicketID: 1, Validator: v1, ClaimEpoch: 5000, ClaimAmount: decimal.New(100)},
	}
	xrd, err := e.ClaimXRD(0, tickets)
	require.NoError(t, err)
	require.True(t, xrd.IsPositive())
	require.True(t, cdm.advanced.Cmp(decimal.New(100)) < 0, "the advanced amount must be discounted below the full claim amount")
}

func TestClaimXRDClaimsMaturedTicketDirectlyFromValidator(t *testing.T) {
	e, v1, _ := newTestEarning(t)
	fv := newFakeFullValidator()
	fv.claimable[7] = decimal.New(42)
	e.RegisterValidator(v1, fv)

	tickets := []ClaimTicket{
		{TicketID: 7, Validator: v1, ClaimEpoch: 100, ClaimAmount: decimal.New(42)},
	}
	xrd, err := e.ClaimXRD(100, tickets)
	require.NoError(t, err)
	require.Equal(t, "42", xrd.String())
}

func TestRedeemEmitsNormalRedeemWhenNotFaster(t *testing.T) {
	e, v1, _ := newTestEarning(t)
	sink := &recordingSink{}
	e.SetEventSink(sink)
	_, err := e.Join(v1, asset.XRD, decimal.New(100))
	require.NoError(t, err)

	_, _, err = e.Redeem(0, e.DseToken, decimal.New(100), []asset.ID{v1}, false)
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	require.Equal(t, events.TypeNormalRedeem, sink.events[0].EventType())
}
