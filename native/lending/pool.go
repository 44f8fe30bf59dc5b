// Package lending implements the per-asset lending pool (LP): supply-share
// index, variable-borrow index, stable-rate book, insurance accumulator,
// and a fixed-term bond book fed by validator claim tickets. Grounded on
// native/lending/engine.go's accrual shape (the same named package in the
// teacher repo) generalised from a single NHB/ZNHB market to an arbitrary
// per-asset Pool, and on the exact formulas in
// original_source/protocol/src/pool/lending.rs via SPEC_FULL.md §4.4.
package lending

import (
	"errors"
	"sort"

	"nhbchain/native/interest"
	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
	"nhbchain/pkg/metrics"
)

// EpochOfYear is the number of consensus epochs in a year.
const EpochOfYear = 105120

var (
	ErrInsufficientLiquidity = errors.New("lending: insufficient liquidity")
	ErrZeroDenominator       = errors.New("lending: division by zero")
	ErrUnknownTicket         = errors.New("lending: unknown claim ticket")
)

// Claimer abstracts the external validator call LP.update_index makes when
// sweeping matured bonds: SPEC_FULL.md §9 models validators as an injected
// dependency rather than a global.
type Claimer interface {
	ClaimXRD(ticketID uint64) (decimal.Decimal, error)
}

// Config holds the pool's static parameters (SPEC_FULL.md §3).
type Config struct {
	Underlying         asset.ID
	ShareDivisibility  uint8
	InterestModel      interest.Model
	InterestParams     interest.Params
	InsuranceRatio     decimal.Decimal
	FlashloanFeeRatio  decimal.Decimal
}

// BondEntry aggregates the claim tickets maturing at a single epoch.
type BondEntry struct {
	Epoch          uint64
	Interest       decimal.Decimal
	TicketIDs      []uint64
	TicketInterest map[uint64]decimal.Decimal
	TicketClaim    map[uint64]decimal.Decimal
}

// BondBook is the ordered-by-epoch bond book (SPEC_FULL.md §3, design note
// "ordered vector of epochs with a side map").
type BondBook struct {
	epochs []uint64 // strictly ascending
	byEpoch map[uint64]*BondEntry
}

func newBondBook() *BondBook {
	return &BondBook{byEpoch: make(map[uint64]*BondEntry)}
}

func (b *BondBook) insert(epoch, ticketID uint64, interestAmt, claimAmt decimal.Decimal) {
	entry, ok := b.byEpoch[epoch]
	if !ok {
		entry = &BondEntry{
			Epoch:          epoch,
			TicketInterest: make(map[uint64]decimal.Decimal),
			TicketClaim:    make(map[uint64]decimal.Decimal),
		}
		b.byEpoch[epoch] = entry
		idx := sort.Search(len(b.epochs), func(i int) bool { return b.epochs[i] >= epoch })
		b.epochs = append(b.epochs, 0)
		copy(b.epochs[idx+1:], b.epochs[idx:])
		b.epochs[idx] = epoch
	}
	entry.Interest = entry.Interest.Add(interestAmt)
	entry.TicketIDs = append(entry.TicketIDs, ticketID)
	entry.TicketInterest[ticketID] = interestAmt
	entry.TicketClaim[ticketID] = claimAmt
}

// sweepMatured returns (and removes) every bond entry whose epoch is <= now,
// in strictly ascending epoch order (SPEC_FULL.md / spec.md §5 ordering
// guarantee).
func (b *BondBook) sweepMatured(now uint64) []*BondEntry {
	var out []*BondEntry
	i := 0
	for ; i < len(b.epochs); i++ {
		epoch := b.epochs[i]
		if epoch > now {
			break
		}
		out = append(out, b.byEpoch[epoch])
		delete(b.byEpoch, epoch)
	}
	b.epochs = b.epochs[i:]
	return out
}

// Pool is one lending pool's full accrual state for a single underlying
// asset.
type Pool struct {
	Config Config

	Vault            decimal.Decimal
	InsuranceBalance decimal.Decimal

	DepositIndex decimal.Decimal
	LoanIndex    decimal.Decimal

	LastUpdateEpoch uint64

	DepositInterestRate     decimal.Decimal
	VariableLoanInterestRate decimal.Decimal

	VariableShareQuantity decimal.Decimal

	StableLoanAmount     decimal.Decimal
	StableLoanRate       decimal.Decimal
	StableLoanLastUpdate uint64

	ShareSupply decimal.Decimal // dxA total supply

	Bonds      *BondBook
	BondAmount decimal.Decimal

	apyFloor decimal.Decimal // only consumed by the XrdStaking model
}

// New constructs a pool at genesis: both indices start at 1 (I4).
func New(cfg Config) *Pool {
	return &Pool{
		Config:       cfg,
		Vault:        decimal.Zero,
		DepositIndex: decimal.One,
		LoanIndex:    decimal.One,
		Bonds:        newBondBook(),
		VariableShareQuantity: decimal.Zero,
		StableLoanAmount:      decimal.Zero,
		StableLoanRate:        decimal.Zero,
		ShareSupply:           decimal.Zero,
		BondAmount:            decimal.Zero,
		InsuranceBalance:      decimal.Zero,
	}
}

// SetAPYFloor supplies the validator keeper's active-set APY, consumed by
// the XrdStaking interest model.
func (p *Pool) SetAPYFloor(apy decimal.Decimal) { p.apyFloor = apy }

// Snapshot is a serialisable rendering of a Pool's accrual state, exported
// for native/storekv to persist and restore across restarts.
type Snapshot struct {
	Config Config

	Vault            decimal.Decimal
	InsuranceBalance decimal.Decimal

	DepositIndex decimal.Decimal
	LoanIndex    decimal.Decimal

	LastUpdateEpoch uint64

	DepositInterestRate      decimal.Decimal
	VariableLoanInterestRate decimal.Decimal

	VariableShareQuantity decimal.Decimal

	StableLoanAmount     decimal.Decimal
	StableLoanRate       decimal.Decimal
	StableLoanLastUpdate uint64

	ShareSupply decimal.Decimal

	BondEntries []BondEntry
	BondAmount  decimal.Decimal
}

// Snapshot captures the pool's full state, flattening the bond book into an
// ordered slice of entries.
func (p *Pool) Snapshot() Snapshot {
	entries := make([]BondEntry, 0, len(p.Bonds.epochs))
	for _, epoch := range p.Bonds.epochs {
		entries = append(entries, *p.Bonds.byEpoch[epoch])
	}
	return Snapshot{
		Config:                   p.Config,
		Vault:                    p.Vault,
		InsuranceBalance:         p.InsuranceBalance,
		DepositIndex:             p.DepositIndex,
		LoanIndex:                p.LoanIndex,
		LastUpdateEpoch:          p.LastUpdateEpoch,
		DepositInterestRate:      p.DepositInterestRate,
		VariableLoanInterestRate: p.VariableLoanInterestRate,
		VariableShareQuantity:    p.VariableShareQuantity,
		StableLoanAmount:         p.StableLoanAmount,
		StableLoanRate:           p.StableLoanRate,
		StableLoanLastUpdate:     p.StableLoanLastUpdate,
		ShareSupply:              p.ShareSupply,
		BondEntries:              entries,
		BondAmount:               p.BondAmount,
	}
}

// Restore rebuilds a Pool from a Snapshot produced by Snapshot.
func Restore(s Snapshot) *Pool {
	p := &Pool{
		Config:                   s.Config,
		Vault:                    s.Vault,
		InsuranceBalance:         s.InsuranceBalance,
		DepositIndex:             s.DepositIndex,
		LoanIndex:                s.LoanIndex,
		LastUpdateEpoch:          s.LastUpdateEpoch,
		DepositInterestRate:      s.DepositInterestRate,
		VariableLoanInterestRate: s.VariableLoanInterestRate,
		VariableShareQuantity:    s.VariableShareQuantity,
		StableLoanAmount:         s.StableLoanAmount,
		StableLoanRate:           s.StableLoanRate,
		StableLoanLastUpdate:     s.StableLoanLastUpdate,
		ShareSupply:              s.ShareSupply,
		BondAmount:               s.BondAmount,
		Bonds:                    newBondBook(),
	}
	for _, entry := range s.BondEntries {
		e := entry
		p.Bonds.byEpoch[e.Epoch] = &e
		p.Bonds.epochs = append(p.Bonds.epochs, e.Epoch)
	}
	return p
}

// UpdateIndex is SPEC_FULL.md §4.4.1: it must run before any mutating
// operation. claimer may be nil only when no bonds can possibly be mature
// (e.g. a freshly constructed pool in tests).
func (p *Pool) UpdateIndex(now uint64, claimer Claimer) error {
	delta := now - p.LastUpdateEpoch
	if delta == 0 {
		return nil
	}

	matured := p.Bonds.sweepMatured(now)
	matureInterest := decimal.Zero
	for _, entry := range matured {
		for _, ticketID := range entry.TicketIDs {
			var claimed decimal.Decimal
			if claimer != nil {
				c, err := claimer.ClaimXRD(ticketID)
				if err != nil {
					return err
				}
				claimed = c
			} else {
				claimed = entry.TicketClaim[ticketID]
			}
			p.Vault = p.Vault.Add(claimed)
			ticketInterest := entry.TicketInterest[ticketID]
			p.BondAmount = p.BondAmount.Sub(claimed.Sub(ticketInterest))
		}
		matureInterest = matureInterest.Add(entry.Interest)
	}

	depositIndexPrime := p.DepositIndex.Linear(p.DepositInterestRate, decimal.New(EpochOfYear), delta)

	if matureInterest.IsPositive() && p.ShareSupply.IsPositive() {
		insuranceCut := matureInterest.Mul(p.Config.InsuranceRatio, decimal.ToZero)
		netToDepositors := matureInterest.Sub(insuranceCut)
		bump, ok := netToDepositors.Div(p.ShareSupply.Mul(depositIndexPrime, decimal.ToZero), decimal.ToZero)
		if ok {
			depositIndexPrime = depositIndexPrime.Add(bump)
		}
		p.InsuranceBalance = p.InsuranceBalance.Add(insuranceCut)
	}

	loanIndexPrime := p.LoanIndex.PowCompound(p.VariableLoanInterestRate, decimal.New(EpochOfYear), delta)

	recentVariable := p.VariableShareQuantity.Mul(loanIndexPrime.Sub(p.LoanIndex), decimal.ToZero)
	stableGrown := p.StableLoanAmount.PowCompound(p.StableLoanRate, decimal.New(EpochOfYear), delta)
	recentStable := stableGrown.Sub(p.StableLoanAmount)
	recentSupply := p.ShareSupply.Mul(depositIndexPrime.Sub(p.DepositIndex), decimal.ToZero)

	p.InsuranceBalance = p.InsuranceBalance.Add(recentVariable).Add(recentStable).Sub(recentSupply)

	p.DepositIndex = depositIndexPrime
	p.LoanIndex = loanIndexPrime
	p.LastUpdateEpoch = now
	// Resolves spec.md §9's "stable_loan_last_update never updated" quirk:
	// every index tick re-stamps it, so the pool aggregate's own compounding
	// window never drifts from the epoch it was last priced against.
	p.StableLoanLastUpdate = now
	return nil
}

// AddLiquidity is SPEC_FULL.md §4.4.2.
func (p *Pool) AddLiquidity(now uint64, claimer Claimer, amount decimal.Decimal) (shares decimal.Decimal, err error) {
	if err = p.UpdateIndex(now, claimer); err != nil {
		return decimal.Zero, err
	}
	minted, ok := amount.Div(p.DepositIndex, decimal.ToZero)
	if !ok {
		return decimal.Zero, ErrZeroDenominator
	}
	minted = minted.RoundToDivisibility(p.Config.ShareDivisibility, decimal.ToZero)
	p.ShareSupply = p.ShareSupply.Add(minted)
	p.Vault = p.Vault.Add(amount)
	p.updateInterestRate()
	return minted, nil
}

// RemoveLiquidity is SPEC_FULL.md §4.4.2.
func (p *Pool) RemoveLiquidity(now uint64, claimer Claimer, shares decimal.Decimal) (decimal.Decimal, error) {
	if err := p.UpdateIndex(now, claimer); err != nil {
		return decimal.Zero, err
	}
	out := shares.Mul(p.DepositIndex, decimal.ToZero).RoundToDivisibility(p.Config.ShareDivisibility, decimal.ToZero)
	if p.Vault.Cmp(out) < 0 {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	p.ShareSupply = p.ShareSupply.Sub(shares)
	p.Vault = p.Vault.Sub(out)
	p.updateInterestRate()
	return out, nil
}

// BorrowVariable is SPEC_FULL.md §4.4.3.
func (p *Pool) BorrowVariable(now uint64, claimer Claimer, amount decimal.Decimal) (paid decimal.Decimal, share decimal.Decimal, err error) {
	if err = p.UpdateIndex(now, claimer); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if p.Vault.Cmp(amount) < 0 {
		return decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
	}
	share, ok := amount.Div(p.LoanIndex, decimal.ToPositiveInfinity)
	if !ok {
		return decimal.Zero, decimal.Zero, ErrZeroDenominator
	}
	share = share.RoundToDivisibility(p.Config.ShareDivisibility, decimal.ToPositiveInfinity)
	p.VariableShareQuantity = p.VariableShareQuantity.Add(share)
	p.Vault = p.Vault.Sub(amount)
	p.updateInterestRate()
	return amount, share, nil
}

// RepayVariable is SPEC_FULL.md §4.4.3. cap, when non-nil, bounds the
// amount actually applied to the debt (used by liquidation's close factor).
func (p *Pool) RepayVariable(now uint64, claimer Claimer, bucket decimal.Decimal, positionShares decimal.Decimal, cap *decimal.Decimal) (remainder decimal.Decimal, deltaShare decimal.Decimal, err error) {
	if err = p.UpdateIndex(now, claimer); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	debt := positionShares.Mul(p.LoanIndex, decimal.ToPositiveInfinity)
	paid := bucket.Min(debt)
	if cap != nil {
		paid = paid.Min(*cap)
	}
	deltaShare, ok := paid.Div(p.LoanIndex, decimal.ToZero)
	if !ok {
		return decimal.Zero, decimal.Zero, ErrZeroDenominator
	}
	deltaShare = deltaShare.RoundToDivisibility(p.Config.ShareDivisibility, decimal.ToZero)
	p.VariableShareQuantity = p.VariableShareQuantity.Sub(deltaShare)
	p.Vault = p.Vault.Add(paid)
	p.updateInterestRate()
	return bucket.Sub(paid), deltaShare, nil
}

// GetWeightRate implements the pool-level weighted-average rate formula
// shared by borrow_stable and extend_borrow (spec.md §4.4.4, P8):
// r_avg' = (A*R + a*r) / (A+a).
func GetWeightRate(existingAmount, existingRate, addAmount, addRate decimal.Decimal) decimal.Decimal {
	total := existingAmount.Add(addAmount)
	if total.IsZero() {
		return decimal.Zero
	}
	weighted := existingAmount.Mul(existingRate, decimal.ToZero).Add(addAmount.Mul(addRate, decimal.ToZero))
	return weighted.MustDiv(total, decimal.ToZero)
}

// BorrowStable is SPEC_FULL.md §4.4.4.
func (p *Pool) BorrowStable(now uint64, claimer Claimer, amount, quotedRate decimal.Decimal) (decimal.Decimal, error) {
	if err := p.UpdateIndex(now, claimer); err != nil {
		return decimal.Zero, err
	}
	if p.Vault.Cmp(amount) < 0 {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	p.StableLoanRate = GetWeightRate(p.StableLoanAmount, p.StableLoanRate, amount, quotedRate)
	p.StableLoanAmount = p.StableLoanAmount.Add(amount)
	p.Vault = p.Vault.Sub(amount)
	p.updateInterestRate()
	return amount, nil
}

// GetStableInterest computes a position's accrued interest since its last
// snapshot, per spec.md §4.4.4.
func GetStableInterest(positionFace, positionRate decimal.Decimal, lastUpdateEpoch, now uint64) decimal.Decimal {
	delta := now - lastUpdateEpoch
	grown := positionFace.PowCompound(positionRate, decimal.New(EpochOfYear), delta)
	return grown.Sub(positionFace)
}

// RepayStable is SPEC_FULL.md §4.4.4. Returns (remainder, paid,
// deltaPrincipalInPool, interestAccrued, now).
func (p *Pool) RepayStable(now uint64, claimer Claimer, bucket decimal.Decimal, positionFace, positionRate decimal.Decimal, lastUpdateEpoch uint64, cap *decimal.Decimal) (remainder, paid, deltaPrincipal, accruedInterest decimal.Decimal, newEpoch uint64, err error) {
	if err = p.UpdateIndex(now, claimer); err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, now, err
	}
	accruedInterest = GetStableInterest(positionFace, positionRate, lastUpdateEpoch, now)

	paid = bucket
	if cap != nil {
		paid = paid.Min(*cap)
	}

	before := p.StableLoanAmount
	if paid.Cmp(accruedInterest) < 0 {
		shortfall := accruedInterest.Sub(paid)
		p.StableLoanRate = GetWeightRate(before, p.StableLoanRate, shortfall, positionRate)
		p.StableLoanAmount = before.Add(shortfall)
		deltaPrincipal = shortfall
	} else {
		shouldPaid := positionFace.Add(accruedInterest)
		paid = paid.Min(shouldPaid)
		deltaPrincipal = paid.Sub(accruedInterest)
		if deltaPrincipal.Cmp(before) >= 0 {
			p.StableLoanAmount = decimal.Zero
			p.StableLoanRate = decimal.Zero
		} else {
			remaining := before.Sub(deltaPrincipal)
			weighted := before.Mul(p.StableLoanRate, decimal.ToZero).Sub(deltaPrincipal.Mul(positionRate, decimal.ToZero))
			p.StableLoanRate = weighted.MustDiv(remaining, decimal.ToZero)
			p.StableLoanAmount = remaining
		}
	}

	p.Vault = p.Vault.Add(paid)
	p.updateInterestRate()
	return bucket.Sub(paid), paid, deltaPrincipal, accruedInterest, now, nil
}

// BorrowFixedTerm is SPEC_FULL.md §4.4.5: pays out of the vault with no
// share/index effect, used by the instant-unstake path.
func (p *Pool) BorrowFixedTerm(amount decimal.Decimal) (decimal.Decimal, error) {
	if p.Vault.Cmp(amount) < 0 {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	p.Vault = p.Vault.Sub(amount)
	return amount, nil
}

// AddFixedTerm records a claim ticket funded by borrow_fixed_term against a
// future validator claim.
func (p *Pool) AddFixedTerm(ticketID, claimEpoch uint64, claimAmount, interestAmt decimal.Decimal) {
	p.Bonds.insert(claimEpoch, ticketID, interestAmt, claimAmount)
	p.BondAmount = p.BondAmount.Add(claimAmount.Sub(interestAmt))
}

// RepayFixedTerm is SPEC_FULL.md §4.4.5: flashloan settlement distributes
// its fee as one-shot yield.
func (p *Pool) RepayFixedTerm(amount, fee decimal.Decimal) {
	p.Vault = p.Vault.Add(amount).Add(fee)
	insuranceCut := fee.Mul(p.Config.InsuranceRatio, decimal.ToZero)
	p.InsuranceBalance = p.InsuranceBalance.Add(insuranceCut)
	if p.ShareSupply.IsPositive() {
		netToDepositors := fee.Sub(insuranceCut)
		bump, ok := netToDepositors.Div(p.ShareSupply.Mul(p.DepositIndex, decimal.ToZero), decimal.ToZero)
		if ok {
			p.DepositIndex = p.DepositIndex.Add(bump)
		}
	}
}

// updateInterestRate is SPEC_FULL.md §4.4.6.
func (p *Pool) updateInterestRate() {
	supply := p.ShareSupply.Mul(p.DepositIndex, decimal.ToZero)
	variableBorrow := p.VariableShareQuantity.Mul(p.LoanIndex, decimal.ToZero)
	stableBorrow := p.StableLoanAmount // StableLoanLastUpdate == now at this point
	totalDebt := variableBorrow.Add(stableBorrow).Add(p.BondAmount)

	borrowRatio := decimal.Zero
	if supply.IsPositive() {
		borrowRatio = totalDebt.MustDiv(supply, decimal.ToZero)
	}

	variable, _ := interest.Rate(p.Config.InterestModel, p.Config.InterestParams, borrowRatio, p.apyFloor)
	p.VariableLoanInterestRate = variable
	// Supply rate is the standard borrow-APR*utilisation relation; the
	// insurance spread captured in UpdateIndex's recent_* bookkeeping is
	// what actually reconciles the pool's conservation invariant (I3), not
	// this nominal rate.
	p.DepositInterestRate = variable.Mul(borrowRatio, decimal.ToZero)

	metrics.Registry().ObservePoolVault(p.Config.Underlying.String(), p.Vault.Float64())
	metrics.Registry().ObservePoolUtilisation(p.Config.Underlying.String(), borrowRatio.Float64())
}

// GetCurrentIndex returns (deposit_index, loan_index).
func (p *Pool) GetCurrentIndex() (decimal.Decimal, decimal.Decimal) {
	return p.DepositIndex, p.LoanIndex
}

// GetRedemptionValue converts a dxA share amount to its underlying value.
func (p *Pool) GetRedemptionValue(shares decimal.Decimal) decimal.Decimal {
	return shares.Mul(p.DepositIndex, decimal.ToZero)
}

// GetAvailable returns the vault's spendable balance.
func (p *Pool) GetAvailable() decimal.Decimal { return p.Vault }

// GetFlashloanFeeRatio returns the pool's configured flash-loan fee ratio.
func (p *Pool) GetFlashloanFeeRatio() decimal.Decimal { return p.Config.FlashloanFeeRatio }

// GetDivisibility returns Config.ShareDivisibility, the divisibility the pool
// rounds both share and underlying amounts to. Every pool is constructed
// with one, so this never returns nil; the nil case in
// the PoolHandle contract exists for cdm.GetMaxLoanAmount's fail-closed path
// when a caller is not backed by a concretely configured pool.
func (p *Pool) GetDivisibility() *uint8 {
	d := p.Config.ShareDivisibility
	return &d
}

// WithdrawInsurance pays amount of the accumulated insurance spread out of
// the vault to a restricted caller (spec.md §5's "insurance withdrawal"
// entry). The role check itself lives at the CDM layer, which is the only
// caller holding a RoleView; this method just enforces the accounting bound.
func (p *Pool) WithdrawInsurance(amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Cmp(p.InsuranceBalance) > 0 {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	if p.Vault.Cmp(amount) < 0 {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	p.InsuranceBalance = p.InsuranceBalance.Sub(amount)
	p.Vault = p.Vault.Sub(amount)
	return amount, nil
}

// SetInterestParams replaces the pool's curve coefficients, returning the
// previous params so the caller can build an audit event. The access check
// lives at the CDM layer, the only caller holding a RoleView.
func (p *Pool) SetInterestParams(params interest.Params) interest.Params {
	previous := p.Config.InterestParams
	p.Config.InterestParams = params
	return previous
}

// GetInterestRate returns the pool's current (variable, stable) annualised
// rates given a hypothetical additional borrow amount, used by CDM to quote
// a new stable loan (original_source's LendResourePool::get_interest_rate).
func (p *Pool) GetInterestRate(additionalBorrow decimal.Decimal) (variable, stable decimal.Decimal) {
	supply := p.ShareSupply.Mul(p.DepositIndex, decimal.ToZero)
	variableBorrow := p.VariableShareQuantity.Mul(p.LoanIndex, decimal.ToZero)
	totalDebt := variableBorrow.Add(p.StableLoanAmount).Add(p.BondAmount).Add(additionalBorrow)
	borrowRatio := decimal.Zero
	if supply.IsPositive() {
		borrowRatio = totalDebt.MustDiv(supply, decimal.ToZero)
	}
	return interest.Rate(p.Config.InterestModel, p.Config.InterestParams, borrowRatio, p.apyFloor)
}
