// Package staking implements the Staking Pool (SP): a dse-share pool that
// spreads contributions across validator LSU vaults and tracks each
// validator's redemption value. Grounded on
// original_source/protocol/src/pool/staking.rs via SPEC_FULL.md §4.6.
package staking

import (
	"errors"
	"sort"

	"nhbchain/native/events"
	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
	"nhbchain/pkg/metrics"
)

var (
	ErrUnknownValidator       = errors.New("staking: unknown validator")
	ErrRebalanceMismatch      = errors.New("staking: stake/unstake value mismatch exceeds tolerance")
	ErrUnredeemedBalance      = errors.New("staking: redeem left an unredeemed balance")
	ErrNoValidatorsSupplied   = errors.New("staking: redeem requires at least one validator")
)

// rebalanceTolerance bounds rebalance's stake/unstake value mismatch (spec.md
// §4.6: "diff exceed 1").
var rebalanceTolerance = decimal.New(1)

// dust is the balance below which a validator's vault is swept entirely
// rather than partially drained (original_source: dec!("0.000001")).
var dust = decimal.New(1).MustDiv(decimal.New(1_000_000), decimal.ToZero)

// Validator is the subset of a validator component the staking pool drives.
type Validator interface {
	Stake(amount decimal.Decimal) (lsuAmount decimal.Decimal)
	GetRedemptionValue(lsuAmount decimal.Decimal) decimal.Decimal
	Unstake(lsuAmount decimal.Decimal) (ticketID uint64, claimEpoch uint64)
}

// UnstakeTicket is the claim NFT minted by a validator's Unstake call.
type UnstakeTicket struct {
	Validator asset.ID
	TicketID  uint64
	ClaimEpoch uint64
	Value     decimal.Decimal
}

// Pool is the Staking Pool.
type Pool struct {
	UnderlyingToken asset.ID
	ShareSupply     decimal.Decimal

	Validators map[string]Validator
	LSUVaults  map[string]decimal.Decimal

	// Sink receives Join/Rebalance/DseUnstake events. A nil Sink is a no-op.
	Sink events.Sink
}

// New constructs an empty staking pool over the given underlying (XRD).
func New(underlying asset.ID) *Pool {
	return &Pool{
		UnderlyingToken: underlying,
		ShareSupply:     decimal.Zero,
		Validators:      make(map[string]Validator),
		LSUVaults:       make(map[string]decimal.Decimal),
	}
}

// SetEventSink wires the sink that receives this pool's events.
func (p *Pool) SetEventSink(sink events.Sink) {
	p.Sink = sink
}

// RegisterValidator wires a validator component into the pool.
func (p *Pool) RegisterValidator(id asset.ID, v Validator) {
	p.Validators[id.String()] = v
}

func (p *Pool) totalStakedValue() decimal.Decimal {
	total := decimal.Zero
	keys := make([]string, 0, len(p.LSUVaults))
	for k := range p.LSUVaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		total = total.Add(p.Validators[k].GetRedemptionValue(p.LSUVaults[k]))
	}
	return total
}

func (p *Pool) valuePerUnit() decimal.Decimal {
	if p.ShareSupply.IsZero() {
		return decimal.One
	}
	return p.totalStakedValue().MustDiv(p.ShareSupply, decimal.ToZero)
}

// Contribute is spec.md §4.6.1: stakes the underlying with a validator and
// mints dse shares at the pool's current value-per-unit.
func (p *Pool) Contribute(validatorID asset.ID, amount decimal.Decimal) (decimal.Decimal, error) {
	v, ok := p.Validators[validatorID.String()]
	if !ok {
		return decimal.Zero, ErrUnknownValidator
	}
	valuePerUnit := p.valuePerUnit()

	lsuAmount := v.Stake(amount)
	joinAmount := v.GetRedemptionValue(lsuAmount)
	dseAmount := joinAmount.MustDiv(valuePerUnit, decimal.ToZero)
	lsuIndex, _ := joinAmount.Div(lsuAmount, decimal.ToZero)

	p.LSUVaults[validatorID.String()] = p.LSUVaults[validatorID.String()].Add(lsuAmount)
	p.ShareSupply = p.ShareSupply.Add(dseAmount)
	metrics.Registry().SetDseShareSupply(p.ShareSupply.Float64())
	events.Emit(p.Sink, events.Join{
		Amount:    amount,
		Validator: validatorID,
		DseIndex:  valuePerUnit,
		DseAmount: dseAmount,
		LSUIndex:  lsuIndex,
		LSUAmount: lsuAmount,
	})
	return dseAmount, nil
}

// Redeem is spec.md §4.6.1: walks the supplied validators in order, draining
// each vault until the dse amount's underlying value is fully consumed.
func (p *Pool) Redeem(validators []asset.ID, dseAmount decimal.Decimal) ([]UnstakeTicket, decimal.Decimal, error) {
	if len(validators) == 0 {
		return nil, decimal.Zero, ErrNoValidatorsSupplied
	}
	valuePerShare := p.valuePerUnit()
	redeemValue := dseAmount.Mul(valuePerShare, decimal.ToZero)
	totalValue := redeemValue

	var tickets []UnstakeTicket
	for _, id := range validators {
		key := id.String()
		v, ok := p.Validators[key]
		if !ok {
			return nil, decimal.Zero, ErrUnknownValidator
		}
		lsuAmount, ok := p.LSUVaults[key]
		if !ok || !lsuAmount.IsPositive() {
			continue
		}
		lsuValue := v.GetRedemptionValue(lsuAmount)
		lsuIndex := lsuValue.MustDiv(lsuAmount, decimal.ToZero)
		unstakeValue := redeemValue.Min(lsuValue)

		var unstakeLSU decimal.Decimal
		if unstakeValue.Cmp(lsuValue) == 0 {
			unstakeLSU = lsuAmount
		} else {
			unstakeLSU = unstakeValue.MustDiv(lsuIndex, decimal.ToZero)
		}

		ticketID, claimEpoch := v.Unstake(unstakeLSU)
		tickets = append(tickets, UnstakeTicket{Validator: id, TicketID: ticketID, ClaimEpoch: claimEpoch, Value: unstakeValue})
		events.Emit(p.Sink, events.DseUnstake{Validator: id, UnstakeLSU: unstakeLSU, UnstakeValue: unstakeValue})

		remaining := lsuAmount.Sub(unstakeLSU)
		if remaining.IsPositive() {
			p.LSUVaults[key] = remaining
		} else {
			delete(p.LSUVaults, key)
		}

		redeemValue = redeemValue.Sub(unstakeValue)
		if !redeemValue.IsPositive() {
			break
		}
	}

	if redeemValue.IsPositive() {
		return nil, decimal.Zero, ErrUnredeemedBalance
	}
	p.ShareSupply = p.ShareSupply.Sub(dseAmount)
	metrics.Registry().SetDseShareSupply(p.ShareSupply.Float64())
	return tickets, totalValue, nil
}

// Rebalance is spec.md §4.6.1: moves stake from one validator to another,
// asserting the two legs' values match within tolerance (dec!("1") in the
// original).
func (p *Pool) Rebalance(unstakeValidator asset.ID, lsuAmount decimal.Decimal, stakeValidator asset.ID, stakeAmount decimal.Decimal) (UnstakeTicket, error) {
	uv, ok := p.Validators[unstakeValidator.String()]
	if !ok {
		return UnstakeTicket{}, ErrUnknownValidator
	}
	unstakeValue := uv.GetRedemptionValue(lsuAmount)
	diff := unstakeValue.Sub(stakeAmount).Abs()
	if diff.Cmp(rebalanceTolerance) >= 0 {
		return UnstakeTicket{}, ErrRebalanceMismatch
	}

	key := unstakeValidator.String()
	currentLSU := p.LSUVaults[key]
	lsuDiff := currentLSU.Sub(lsuAmount).Abs()
	unstakeLSU := lsuAmount
	if lsuDiff.Cmp(dust) <= 0 {
		unstakeLSU = currentLSU
	}

	ticketID, claimEpoch := uv.Unstake(unstakeLSU)
	remaining := currentLSU.Sub(unstakeLSU)
	if remaining.IsPositive() {
		p.LSUVaults[key] = remaining
	} else {
		delete(p.LSUVaults, key)
	}

	sv, ok := p.Validators[stakeValidator.String()]
	if !ok {
		return UnstakeTicket{}, ErrUnknownValidator
	}
	stakeLSU := sv.Stake(stakeAmount)
	stakeKey := stakeValidator.String()
	p.LSUVaults[stakeKey] = p.LSUVaults[stakeKey].Add(stakeLSU)

	events.Emit(p.Sink, events.Rebalance{
		StakeValidator:   stakeValidator,
		StakeAmount:      stakeAmount,
		StakeLSUAmount:   stakeLSU,
		UnstakeValidator: unstakeValidator,
		UnstakeLSUAmount: unstakeLSU,
		UnstakeValue:     unstakeValue,
	})
	return UnstakeTicket{Validator: unstakeValidator, TicketID: ticketID, ClaimEpoch: claimEpoch, Value: unstakeValue}, nil
}

// GetRedemptionValue converts a dse share amount to its underlying value.
func (p *Pool) GetRedemptionValue(dseAmount decimal.Decimal) decimal.Decimal {
	return dseAmount.Mul(p.valuePerUnit(), decimal.ToZero)
}

// GetUnderlyingToken returns the pool's underlying asset (XRD).
func (p *Pool) GetUnderlyingToken() asset.ID { return p.UnderlyingToken }
