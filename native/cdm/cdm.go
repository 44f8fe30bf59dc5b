// Package cdm implements the Collateral-Debt Manager: a multi-asset position
// registry that checks collateralisation against signed oracle prices and
// exposes the borrow/extend/repay/withdraw-collateral/liquidation/flashloan
// flows. Grounded on original_source/protocol/src/cdp.rs via SPEC_FULL.md
// §4.5.
package cdm

import (
	"errors"

	"github.com/google/uuid"

	"nhbchain/native/common"
	"nhbchain/native/events"
	"nhbchain/native/interest"
	"nhbchain/native/lending"
	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
	"nhbchain/pkg/metrics"
)

var (
	ErrUnknownAsset       = errors.New("cdm: unknown asset")
	ErrLoanTooLarge       = errors.New("cdm: amount exceeds max loan")
	ErrPriceMismatch      = errors.New("cdm: signed quote does not match the requested asset pair")
	ErrBadPrice           = errors.New("cdm: non-positive resolved price")
	ErrUnknownPosition    = errors.New("cdm: unknown position")
	ErrHealthOK           = errors.New("cdm: position is not liquidatable")
	ErrBadResource        = errors.New("cdm: resource mismatch")
	ErrFlashloanUnsettled = errors.New("cdm: flash loan receipt not burned")
	ErrUnknownFlashloan   = errors.New("cdm: unknown flash loan receipt")
	ErrInvalidCloseFactor = errors.New("cdm: close factor must be in (0,1]")
)

// PoolHandle is the narrow trait a CDM needs from a per-asset lending pool
// (SPEC_FULL.md §9 "dynamic dispatch across pools" design note).
type PoolHandle interface {
	UpdateIndex(now uint64, claimer lending.Claimer) error
	AddLiquidity(now uint64, claimer lending.Claimer, amount decimal.Decimal) (decimal.Decimal, error)
	RemoveLiquidity(now uint64, claimer lending.Claimer, shares decimal.Decimal) (decimal.Decimal, error)
	BorrowVariable(now uint64, claimer lending.Claimer, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error)
	RepayVariable(now uint64, claimer lending.Claimer, bucket, positionShares decimal.Decimal, cap *decimal.Decimal) (decimal.Decimal, decimal.Decimal, error)
	BorrowStable(now uint64, claimer lending.Claimer, amount, quotedRate decimal.Decimal) (decimal.Decimal, error)
	RepayStable(now uint64, claimer lending.Claimer, bucket, positionFace, positionRate decimal.Decimal, lastUpdateEpoch uint64, cap *decimal.Decimal) (decimal.Decimal, decimal.Decimal, decimal.Decimal, decimal.Decimal, uint64, error)
	BorrowFixedTerm(amount decimal.Decimal) (decimal.Decimal, error)
	AddFixedTerm(ticketID, claimEpoch uint64, claimAmount, interestAmt decimal.Decimal)
	RepayFixedTerm(amount, fee decimal.Decimal)
	GetCurrentIndex() (decimal.Decimal, decimal.Decimal)
	GetRedemptionValue(shares decimal.Decimal) decimal.Decimal
	GetAvailable() decimal.Decimal
	GetFlashloanFeeRatio() decimal.Decimal
	GetInterestRate(additional decimal.Decimal) (decimal.Decimal, decimal.Decimal)
	WithdrawInsurance(amount decimal.Decimal) (decimal.Decimal, error)
	SetInterestParams(params interest.Params) interest.Params
	// GetDivisibility returns the pool's resource divisibility, or nil if
	// unknown. GetMaxLoanAmount fails closed on nil (SPEC_FULL.md §4.5.3).
	GetDivisibility() *uint8
}

// OracleReader is the subset of native/oracle.PriceOracle the CDM consumes.
type OracleReader interface {
	GetValidPriceInXRD(base, quote asset.ID, priceStr string, epochNow, timestamp uint64, sig []byte) (decimal.Decimal, error)
}

// SignedQuote is one signed price the caller supplies to a borrow/extend/
// withdraw/liquidation call.
type SignedQuote struct {
	Quote     asset.ID
	Price     string
	Epoch     uint64
	Timestamp uint64
	Signature []byte
}

// AssetState is the CDM's per-asset risk configuration (spec.md §3).
type AssetState struct {
	Model               interest.Model
	CollateralShareAsset asset.ID
	LTV                 decimal.Decimal
	LiquidationThreshold decimal.Decimal
	LiquidationBonus     decimal.Decimal
}

// Position is a CDM-owned, non-fungible borrower position (spec.md §3).
type Position struct {
	ID                uint64
	BorrowAsset       asset.ID
	CollateralAsset   asset.ID
	IsStable          bool
	TotalBorrow       decimal.Decimal
	TotalRepay        decimal.Decimal
	NormalizedBorrow  decimal.Decimal
	BorrowAmount      decimal.Decimal
	CollateralAmount  decimal.Decimal
	StableRate        decimal.Decimal
	LastUpdateEpoch   uint64
}

// FlashLoanReceipt is the non-depositable transient receipt minted by
// BorrowFlashloan. It is never persisted to durable state; it lives only on
// the Manager's open-receipt set until RepayFlashloan burns it, modeling
// the ledger's "must be burned before the transaction ends" rule (P5).
type FlashLoanReceipt struct {
	ID        uint64
	Asset     asset.ID
	Principal decimal.Decimal
	Fee       decimal.Decimal

	// CorrelationID ties the issuing and settling log lines together; it
	// carries no accounting weight and is never compared for equality by
	// the core (the ledger-assigned ID above is authoritative).
	CorrelationID string
}

// Manager is the Collateral-Debt Manager.
type Manager struct {
	Pools            map[string]PoolHandle
	States           map[string]AssetState
	CollateralVaults map[string]decimal.Decimal

	Oracle OracleReader

	// Roles gates the restricted entries spec.md §5 names (pool
	// registration, close-factor update, insurance withdrawal, interest
	// parameter update). nil means
	// the Manager was never handed a role source: every restricted entry
	// stays open, which is the bootstrap posture a host uses before
	// governance roles are seeded (e.g. the package tests in cdm_test.go).
	// Once SetRoles is called, every restricted entry enforces it.
	Roles common.RoleView

	// Sink receives this Manager's SetParams events. A nil Sink is a no-op.
	Sink events.Sink

	CloseFactorPercent decimal.Decimal

	positions       map[uint64]*Position
	nextPositionID  uint64
	openFlashloans  map[uint64]FlashLoanReceipt
	nextFlashloanID uint64
}

// New constructs an empty Manager with the default 50% close factor.
func New(oracleReader OracleReader) *Manager {
	return &Manager{
		Pools:              make(map[string]PoolHandle),
		States:             make(map[string]AssetState),
		CollateralVaults:   make(map[string]decimal.Decimal),
		Oracle:             oracleReader,
		CloseFactorPercent: decimal.New(1).MustDiv(decimal.New(2), decimal.ToZero),
		positions:          make(map[uint64]*Position),
		openFlashloans:     make(map[uint64]FlashLoanReceipt),
	}
}

// SetRoles wires a role source into the Manager, activating role gating on
// every restricted entry (RegisterPool, UpdateCloseFactor,
// WithdrawInsurance, UpdateInterestParams).
func (m *Manager) SetRoles(v common.RoleView) { m.Roles = v }

// SetEventSink wires the sink that receives this Manager's events.
func (m *Manager) SetEventSink(sink events.Sink) { m.Sink = sink }

func (m *Manager) requireRole(caller []byte, allowed ...common.Role) error {
	if m.Roles == nil {
		return nil
	}
	return common.RequireRole(m.Roles, caller, allowed...)
}

// RegisterPool wires a new per-asset lending pool into the CDM (spec.md
// §4.5.1's new_pool, minus the actual LP instantiation which the host
// performs and passes in already constructed). Restricted to the authority
// role once SetRoles has been called.
func (m *Manager) RegisterPool(caller []byte, underlying asset.ID, pool PoolHandle, state AssetState) error {
	if err := m.requireRole(caller, common.RoleAuthority); err != nil {
		return err
	}
	m.Pools[underlying.String()] = pool
	m.States[underlying.String()] = state
	if _, ok := m.CollateralVaults[state.CollateralShareAsset.String()]; !ok {
		m.CollateralVaults[state.CollateralShareAsset.String()] = decimal.Zero
	}
	return nil
}

// UpdateCloseFactor is spec.md §5's "close-factor update" restricted entry,
// restricted to admin/operator once SetRoles has been called.
func (m *Manager) UpdateCloseFactor(caller []byte, pct decimal.Decimal) error {
	if err := m.requireRole(caller, common.RoleAdmin, common.RoleOperator); err != nil {
		return err
	}
	if !pct.IsPositive() || pct.Cmp(decimal.One) > 0 {
		return ErrInvalidCloseFactor
	}
	m.CloseFactorPercent = pct
	return nil
}

// WithdrawInsurance is spec.md §5's "insurance withdrawal" restricted entry,
// restricted to admin once SetRoles has been called.
func (m *Manager) WithdrawInsurance(caller []byte, underlying asset.ID, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := m.requireRole(caller, common.RoleAdmin); err != nil {
		return decimal.Zero, err
	}
	pool, err := m.pool(underlying)
	if err != nil {
		return decimal.Zero, err
	}
	return pool.WithdrawInsurance(amount)
}

// UpdateInterestParams replaces an asset pool's curve coefficients, spec.md
// §5's interest-model admin entry, restricted to admin/operator once
// SetRoles has been called.
func (m *Manager) UpdateInterestParams(caller []byte, underlying asset.ID, params interest.Params) error {
	if err := m.requireRole(caller, common.RoleAdmin, common.RoleOperator); err != nil {
		return err
	}
	pool, err := m.pool(underlying)
	if err != nil {
		return err
	}
	previous := pool.SetInterestParams(params)
	events.Emit(m.Sink, events.SetParams{
		Resource: underlying,
		P1:       params.P1,
		P2:       params.P2,
		OldP1:    previous.P1,
		OldP2:    previous.P2,
	})
	return nil
}

func (m *Manager) pool(a asset.ID) (PoolHandle, error) {
	p, ok := m.Pools[a.String()]
	if !ok {
		return nil, ErrUnknownAsset
	}
	return p, nil
}

// ResolvePrices implements spec.md §4.5.2's price resolution table.
func (m *Manager) ResolvePrices(borrowAsset, collateralUnderlying asset.ID, q1 SignedQuote, q2 *SignedQuote) (borrowInXRD, collateralInXRD decimal.Decimal, err error) {
	xrd := asset.XRD
	switch {
	case borrowAsset.Equal(xrd) && !collateralUnderlying.Equal(xrd):
		if !q1.Quote.Equal(collateralUnderlying) {
			return decimal.Zero, decimal.Zero, ErrPriceMismatch
		}
		c, err := m.Oracle.GetValidPriceInXRD(xrd, q1.Quote, q1.Price, q1.Epoch, q1.Timestamp, q1.Signature)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return decimal.One, c, nil
	case !borrowAsset.Equal(xrd) && collateralUnderlying.Equal(xrd):
		if !q1.Quote.Equal(borrowAsset) {
			return decimal.Zero, decimal.Zero, ErrPriceMismatch
		}
		b, err := m.Oracle.GetValidPriceInXRD(xrd, q1.Quote, q1.Price, q1.Epoch, q1.Timestamp, q1.Signature)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return b, decimal.One, nil
	case !borrowAsset.Equal(xrd) && !collateralUnderlying.Equal(xrd):
		if q2 == nil || !q1.Quote.Equal(borrowAsset) || !q2.Quote.Equal(collateralUnderlying) {
			return decimal.Zero, decimal.Zero, ErrPriceMismatch
		}
		b, err := m.Oracle.GetValidPriceInXRD(xrd, q1.Quote, q1.Price, q1.Epoch, q1.Timestamp, q1.Signature)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		c, err := m.Oracle.GetValidPriceInXRD(xrd, q2.Quote, q2.Price, q2.Epoch, q2.Timestamp, q2.Signature)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return b, c, nil
	default:
		return decimal.Zero, decimal.Zero, ErrPriceMismatch
	}
}

// GetMaxLoanAmount is spec.md §4.5.3. Fails closed (returns zero) when ltv is
// zero, the borrow price is non-positive, or the borrow asset's divisibility
// is unknown (borrowDivisibility nil), matching original_source/protocol/src/
// cdp.rs's divisibility.is_none() check. The result is floored to that
// divisibility, never returned at the internal ray precision.
func GetMaxLoanAmount(collateralPool PoolHandle, dxAmount, withdrawAmount, ltv, collateralUnderlyingPriceInXRD, borrowPriceInXRD decimal.Decimal, borrowDivisibility *uint8) decimal.Decimal {
	if ltv.IsZero() || !borrowPriceInXRD.IsPositive() || borrowDivisibility == nil {
		return decimal.Zero
	}
	redemption := collateralPool.GetRedemptionValue(dxAmount).Sub(withdrawAmount)
	collateralValueInXRD := redemption.Mul(collateralUnderlyingPriceInXRD, decimal.ToZero)
	max := collateralValueInXRD.Mul(ltv, decimal.ToZero).MustDiv(borrowPriceInXRD, decimal.ToZero)
	if max.IsNegative() {
		return decimal.Zero
	}
	return max.RoundToDivisibility(*borrowDivisibility, decimal.ToZero)
}

// BorrowVariable is spec.md §4.5.4.
func (m *Manager) BorrowVariable(now uint64, dxToken asset.ID, dxAmount decimal.Decimal, borrowAsset asset.ID, amount decimal.Decimal, q1 SignedQuote, q2 *SignedQuote) (*Position, decimal.Decimal, error) {
	state, ok := m.States[dxToken.String()]
	if !ok {
		return nil, decimal.Zero, ErrUnknownAsset
	}
	borrowPool, err := m.pool(borrowAsset)
	if err != nil {
		return nil, decimal.Zero, err
	}
	collateralPool, err := m.pool(dxToken)
	if err != nil {
		return nil, decimal.Zero, err
	}

	borrowPriceInXRD, collateralPriceInXRD, err := m.ResolvePrices(borrowAsset, dxToken, q1, q2)
	if err != nil {
		return nil, decimal.Zero, err
	}
	maxLoan := GetMaxLoanAmount(collateralPool, dxAmount, decimal.Zero, state.LTV, collateralPriceInXRD, borrowPriceInXRD, borrowPool.GetDivisibility())
	if amount.Cmp(maxLoan) > 0 {
		return nil, decimal.Zero, ErrLoanTooLarge
	}

	m.CollateralVaults[dxToken.String()] = m.CollateralVaults[dxToken.String()].Add(dxAmount)
	bucket, share, err := borrowPool.BorrowVariable(now, nil, amount)
	if err != nil {
		return nil, decimal.Zero, err
	}

	pos := m.newPosition(borrowAsset, dxToken, false)
	pos.NormalizedBorrow = share
	pos.CollateralAmount = dxAmount
	pos.TotalBorrow = amount
	pos.LastUpdateEpoch = now
	metrics.Registry().IncBorrow("variable")
	return pos, bucket, nil
}

// BorrowStable is spec.md §4.5.4.
func (m *Manager) BorrowStable(now uint64, dxToken asset.ID, dxAmount decimal.Decimal, borrowAsset asset.ID, amount decimal.Decimal, q1 SignedQuote, q2 *SignedQuote) (*Position, decimal.Decimal, error) {
	state, ok := m.States[dxToken.String()]
	if !ok {
		return nil, decimal.Zero, ErrUnknownAsset
	}
	borrowPool, err := m.pool(borrowAsset)
	if err != nil {
		return nil, decimal.Zero, err
	}
	collateralPool, err := m.pool(dxToken)
	if err != nil {
		return nil, decimal.Zero, err
	}

	borrowPriceInXRD, collateralPriceInXRD, err := m.ResolvePrices(borrowAsset, dxToken, q1, q2)
	if err != nil {
		return nil, decimal.Zero, err
	}
	maxLoan := GetMaxLoanAmount(collateralPool, dxAmount, decimal.Zero, state.LTV, collateralPriceInXRD, borrowPriceInXRD, borrowPool.GetDivisibility())
	if amount.Cmp(maxLoan) > 0 {
		return nil, decimal.Zero, ErrLoanTooLarge
	}

	_, quotedRate := borrowPool.GetInterestRate(amount)
	m.CollateralVaults[dxToken.String()] = m.CollateralVaults[dxToken.String()].Add(dxAmount)
	bucket, err := borrowPool.BorrowStable(now, nil, amount, quotedRate)
	if err != nil {
		return nil, decimal.Zero, err
	}

	pos := m.newPosition(borrowAsset, dxToken, true)
	pos.BorrowAmount = amount
	pos.StableRate = quotedRate
	pos.CollateralAmount = dxAmount
	pos.TotalBorrow = amount
	pos.LastUpdateEpoch = now
	metrics.Registry().IncBorrow("stable")
	return pos, bucket, nil
}

func (m *Manager) newPosition(borrowAsset, collateralAsset asset.ID, stable bool) *Position {
	m.nextPositionID++
	pos := &Position{
		ID:              m.nextPositionID,
		BorrowAsset:     borrowAsset,
		CollateralAsset: collateralAsset,
		IsStable:        stable,
		TotalBorrow:     decimal.Zero,
		TotalRepay:      decimal.Zero,
	}
	m.positions[pos.ID] = pos
	return pos
}

// Position fetches an open position by ID.
func (m *Manager) Position(id uint64) (*Position, error) {
	pos, ok := m.positions[id]
	if !ok {
		return nil, ErrUnknownPosition
	}
	return pos, nil
}

// outstandingDebt returns a position's current face-value debt.
func (m *Manager) outstandingDebt(now uint64, pos *Position, borrowPool PoolHandle) decimal.Decimal {
	if pos.IsStable {
		interestAmt := lending.GetStableInterest(pos.BorrowAmount, pos.StableRate, pos.LastUpdateEpoch, now)
		return pos.BorrowAmount.Add(interestAmt)
	}
	_, loanIndex := borrowPool.GetCurrentIndex()
	return pos.NormalizedBorrow.Mul(loanIndex, decimal.ToPositiveInfinity)
}

// ExtendBorrow is spec.md §4.5.4.
func (m *Manager) ExtendBorrow(now uint64, positionID uint64, amount decimal.Decimal, q1 SignedQuote, q2 *SignedQuote) (decimal.Decimal, error) {
	pos, err := m.Position(positionID)
	if err != nil {
		return decimal.Zero, err
	}
	state, ok := m.States[pos.CollateralAsset.String()]
	if !ok {
		return decimal.Zero, ErrUnknownAsset
	}
	borrowPool, err := m.pool(pos.BorrowAsset)
	if err != nil {
		return decimal.Zero, err
	}
	collateralPool, err := m.pool(pos.CollateralAsset)
	if err != nil {
		return decimal.Zero, err
	}

	borrowPriceInXRD, collateralPriceInXRD, err := m.ResolvePrices(pos.BorrowAsset, pos.CollateralAsset, q1, q2)
	if err != nil {
		return decimal.Zero, err
	}
	existing := m.outstandingDebt(now, pos, borrowPool)
	maxLoan := GetMaxLoanAmount(collateralPool, pos.CollateralAmount, decimal.Zero, state.LTV, collateralPriceInXRD, borrowPriceInXRD, borrowPool.GetDivisibility())
	if existing.Add(amount).Cmp(maxLoan) > 0 {
		return decimal.Zero, ErrLoanTooLarge
	}

	if pos.IsStable {
		interestAmt := lending.GetStableInterest(pos.BorrowAmount, pos.StableRate, pos.LastUpdateEpoch, now)
		_, newRate := borrowPool.GetInterestRate(amount)
		pos.StableRate = lending.GetWeightRate(pos.BorrowAmount.Add(interestAmt), pos.StableRate, amount, newRate)
		bucket, err := borrowPool.BorrowStable(now, nil, amount, newRate)
		if err != nil {
			return decimal.Zero, err
		}
		pos.BorrowAmount = pos.BorrowAmount.Add(interestAmt).Add(amount)
		pos.LastUpdateEpoch = now
		pos.TotalBorrow = pos.TotalBorrow.Add(amount)
		return bucket, nil
	}

	bucket, share, err := borrowPool.BorrowVariable(now, nil, amount)
	if err != nil {
		return decimal.Zero, err
	}
	pos.NormalizedBorrow = pos.NormalizedBorrow.Add(share)
	pos.TotalBorrow = pos.TotalBorrow.Add(amount)
	return bucket, nil
}

// WithdrawCollateral is spec.md §4.5.4. Per spec.md §9's resolved open
// question, the debt-reducing share delta always rounds ToPositiveInfinity
// (ceil), never the looser division the original source mixed in.
func (m *Manager) WithdrawCollateral(now uint64, positionID uint64, amount decimal.Decimal, q1 SignedQuote, q2 *SignedQuote) (decimal.Decimal, error) {
	pos, err := m.Position(positionID)
	if err != nil {
		return decimal.Zero, err
	}
	state, ok := m.States[pos.CollateralAsset.String()]
	if !ok {
		return decimal.Zero, ErrUnknownAsset
	}
	collateralPool, err := m.pool(pos.CollateralAsset)
	if err != nil {
		return decimal.Zero, err
	}
	borrowPool, err := m.pool(pos.BorrowAsset)
	if err != nil {
		return decimal.Zero, err
	}

	_, depositIndex := collateralPool.GetCurrentIndex()
	takeShares, ok := amount.Div(depositIndex, decimal.ToPositiveInfinity)
	if !ok {
		return decimal.Zero, lending.ErrZeroDenominator
	}
	m.CollateralVaults[pos.CollateralAsset.String()] = m.CollateralVaults[pos.CollateralAsset.String()].Sub(takeShares)
	underlying, err := collateralPool.RemoveLiquidity(now, nil, takeShares)
	if err != nil {
		return decimal.Zero, err
	}

	deltaNormalized := amount.MustDiv(depositIndex, decimal.ToPositiveInfinity)
	pos.CollateralAmount = pos.CollateralAmount.Sub(deltaNormalized)

	borrowPriceInXRD, collateralPriceInXRD, err := m.ResolvePrices(pos.BorrowAsset, pos.CollateralAsset, q1, q2)
	if err != nil {
		return decimal.Zero, err
	}
	maxLoan := GetMaxLoanAmount(collateralPool, pos.CollateralAmount, decimal.Zero, state.LTV, collateralPriceInXRD, borrowPriceInXRD, borrowPool.GetDivisibility())
	existing := m.outstandingDebt(now, pos, borrowPool)
	if existing.Cmp(maxLoan) > 0 {
		return decimal.Zero, ErrLoanTooLarge
	}
	return underlying, nil
}

// AdditionCollateral is spec.md §4.5.4: bucketIsUnderlying distinguishes
// between depositing the raw underlying (which the CDM first supplies to
// the LP to receive dx) versus depositing dx directly.
func (m *Manager) AdditionCollateral(now uint64, positionID uint64, bucketAmount decimal.Decimal, bucketIsUnderlying bool) error {
	pos, err := m.Position(positionID)
	if err != nil {
		return err
	}
	collateralPool, err := m.pool(pos.CollateralAsset)
	if err != nil {
		return err
	}

	dxAmount := bucketAmount
	if bucketIsUnderlying {
		minted, err := collateralPool.AddLiquidity(now, nil, bucketAmount)
		if err != nil {
			return err
		}
		dxAmount = minted
	}
	m.CollateralVaults[pos.CollateralAsset.String()] = m.CollateralVaults[pos.CollateralAsset.String()].Add(dxAmount)
	pos.CollateralAmount = pos.CollateralAmount.Add(dxAmount)
	return nil
}

// Repay is spec.md §4.5.4.
func (m *Manager) Repay(now uint64, positionID uint64, bucketAmount decimal.Decimal) (remainder decimal.Decimal, err error) {
	pos, err := m.Position(positionID)
	if err != nil {
		return decimal.Zero, err
	}
	borrowPool, err := m.pool(pos.BorrowAsset)
	if err != nil {
		return decimal.Zero, err
	}

	if pos.IsStable {
		remainder, paid, _, _, newEpoch, err := borrowPool.RepayStable(now, nil, bucketAmount, pos.BorrowAmount, pos.StableRate, pos.LastUpdateEpoch, nil)
		if err != nil {
			return decimal.Zero, err
		}
		interestAmt := lending.GetStableInterest(pos.BorrowAmount, pos.StableRate, pos.LastUpdateEpoch, now)
		facePlusInterest := pos.BorrowAmount.Add(interestAmt)
		if paid.Cmp(facePlusInterest) >= 0 {
			pos.BorrowAmount = decimal.Zero
			pos.StableRate = decimal.Zero
		} else if paid.Cmp(interestAmt) > 0 {
			pos.BorrowAmount = facePlusInterest.Sub(paid)
		}
		pos.LastUpdateEpoch = newEpoch
		pos.TotalRepay = pos.TotalRepay.Add(paid)
		return remainder, nil
	}

	remainder, deltaShare, err := borrowPool.RepayVariable(now, nil, bucketAmount, pos.NormalizedBorrow, nil)
	if err != nil {
		return decimal.Zero, err
	}
	pos.NormalizedBorrow = pos.NormalizedBorrow.Sub(deltaShare)
	pos.TotalRepay = pos.TotalRepay.Add(bucketAmount.Sub(remainder))
	return remainder, nil
}

// Liquidation is spec.md §4.5.4.
func (m *Manager) Liquidation(now uint64, positionID uint64, debtBucket decimal.Decimal, debtToCover decimal.Decimal, q1 SignedQuote, q2 *SignedQuote) (debtRemainder decimal.Decimal, underlyingOut decimal.Decimal, err error) {
	pos, err := m.Position(positionID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	state, ok := m.States[pos.CollateralAsset.String()]
	if !ok {
		return decimal.Zero, decimal.Zero, ErrUnknownAsset
	}
	borrowPool, err := m.pool(pos.BorrowAsset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	collateralPool, err := m.pool(pos.CollateralAsset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	debtPrice, collatPrice, err := m.ResolvePrices(pos.BorrowAsset, pos.CollateralAsset, q1, q2)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	debt := m.outstandingDebt(now, pos, borrowPool)
	underlyingValue := collateralPool.GetRedemptionValue(pos.CollateralAmount).Mul(collatPrice, decimal.ToZero)
	debtValue := debt.Mul(debtPrice, decimal.ToZero)
	if !debtValue.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrBadPrice
	}
	health := underlyingValue.Mul(state.LiquidationThreshold, decimal.ToZero).MustDiv(debtValue, decimal.ToZero)
	if health.Cmp(decimal.One) > 0 {
		return decimal.Zero, decimal.Zero, ErrHealthOK
	}

	maxToLiquidate := debt.Mul(m.CloseFactorPercent, decimal.ToZero)
	toLiquidate := maxToLiquidate
	if debtToCover.IsPositive() {
		toLiquidate = debtToCover.Min(maxToLiquidate)
	}

	underlyingNeeded := toLiquidate.Mul(debtPrice, decimal.ToZero).Mul(decimal.One.Add(state.LiquidationBonus), decimal.ToZero).MustDiv(collatPrice, decimal.ToZero)
	available := collateralPool.GetRedemptionValue(pos.CollateralAmount)
	if underlyingNeeded.Cmp(available) > 0 {
		underlyingNeeded = available
		toLiquidate = underlyingNeeded.Mul(collatPrice, decimal.ToZero).MustDiv(debtPrice.Mul(decimal.One.Add(state.LiquidationBonus), decimal.ToZero), decimal.ToZero)
	}

	var cap *decimal.Decimal
	toLiquidateCap := toLiquidate
	cap = &toLiquidateCap
	if pos.IsStable {
		remainder, paid, _, _, newEpoch, err := borrowPool.RepayStable(now, nil, debtBucket, pos.BorrowAmount, pos.StableRate, pos.LastUpdateEpoch, cap)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		pos.BorrowAmount = pos.BorrowAmount.Sub(paid).Max(decimal.Zero)
		pos.LastUpdateEpoch = newEpoch
		debtRemainder = remainder
	} else {
		remainder, deltaShare, err := borrowPool.RepayVariable(now, nil, debtBucket, pos.NormalizedBorrow, cap)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		pos.NormalizedBorrow = pos.NormalizedBorrow.Sub(deltaShare)
		debtRemainder = remainder
	}

	_, depositIndex := collateralPool.GetCurrentIndex()
	releasedShares, ok := underlyingNeeded.Div(depositIndex, decimal.ToZero)
	if !ok {
		return decimal.Zero, decimal.Zero, lending.ErrZeroDenominator
	}
	underlyingOut, err = collateralPool.RemoveLiquidity(now, nil, releasedShares)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	pos.CollateralAmount = pos.CollateralAmount.Sub(releasedShares)
	m.CollateralVaults[pos.CollateralAsset.String()] = m.CollateralVaults[pos.CollateralAsset.String()].Sub(releasedShares)
	pos.TotalRepay = pos.TotalRepay.Add(toLiquidate)

	outcome := "partial"
	if toLiquidate.Cmp(debt) >= 0 {
		outcome = "full"
	}
	metrics.Registry().IncLiquidation(outcome)
	return debtRemainder, underlyingOut, nil
}

// BorrowFlashloan is spec.md §4.5.4: mints a non-depositable receipt.
func (m *Manager) BorrowFlashloan(borrowAsset asset.ID, amount decimal.Decimal) (decimal.Decimal, FlashLoanReceipt, error) {
	pool, err := m.pool(borrowAsset)
	if err != nil {
		return decimal.Zero, FlashLoanReceipt{}, err
	}
	fee := amount.Mul(pool.GetFlashloanFeeRatio(), decimal.ToPositiveInfinity)
	bucket, err := pool.BorrowFixedTerm(amount)
	if err != nil {
		return decimal.Zero, FlashLoanReceipt{}, err
	}
	m.nextFlashloanID++
	receipt := FlashLoanReceipt{ID: m.nextFlashloanID, Asset: borrowAsset, Principal: amount, Fee: fee, CorrelationID: uuid.NewString()}
	m.openFlashloans[receipt.ID] = receipt
	metrics.Registry().IncFlashloan(borrowAsset.String())
	return bucket, receipt, nil
}

// RepayFlashloan is spec.md §4.5.4.
func (m *Manager) RepayFlashloan(receipt FlashLoanReceipt, bucketAsset asset.ID, bucketAmount decimal.Decimal) error {
	open, ok := m.openFlashloans[receipt.ID]
	if !ok {
		return ErrUnknownFlashloan
	}
	if !bucketAsset.Equal(open.Asset) {
		return ErrBadResource
	}
	owed := open.Principal.Add(open.Fee)
	if bucketAmount.Cmp(owed) < 0 {
		return ErrBadResource
	}
	pool, err := m.pool(open.Asset)
	if err != nil {
		return err
	}
	pool.RepayFixedTerm(open.Principal, open.Fee)
	delete(m.openFlashloans, receipt.ID)
	return nil
}

// AssertNoOpenFlashloans is the host's end-of-transaction check for P5
// (flashloan atomicity): a receipt left unburned aborts the transaction.
func (m *Manager) AssertNoOpenFlashloans() error {
	if len(m.openFlashloans) > 0 {
		return ErrFlashloanUnsettled
	}
	return nil
}

// GetInterestRate forwards to the named asset's pool, used by the
// Staking-Earning module to quote the rate an instant-unstake advance would
// accrue at (original_source's CollateralDebtManager::get_interest_rate).
func (m *Manager) GetInterestRate(underlying asset.ID, additionalBorrow decimal.Decimal) (variable, stable decimal.Decimal, err error) {
	pool, err := m.pool(underlying)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	variable, stable = pool.GetInterestRate(additionalBorrow)
	return variable, stable, nil
}

// StakingBorrow is spec.md §4.5.5, called by the Staking-Earning module to
// fund an instant-unstake. No position ticket is minted.
func (m *Manager) StakingBorrow(underlying asset.ID, principal decimal.Decimal, ticketIDs []uint64, claimEpochs []uint64, claimAmounts []decimal.Decimal, interests []decimal.Decimal) (decimal.Decimal, error) {
	pool, err := m.pool(underlying)
	if err != nil {
		return decimal.Zero, err
	}
	bucket, err := pool.BorrowFixedTerm(principal)
	if err != nil {
		return decimal.Zero, err
	}
	for i, ticketID := range ticketIDs {
		pool.AddFixedTerm(ticketID, claimEpochs[i], claimAmounts[i], interests[i])
	}
	return bucket, nil
}
