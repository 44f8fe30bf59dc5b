// Package stakingearning implements the Staking-Earning (SE) entry point:
// the public-facing join/redeem/claim surface layered over the Staking Pool
// and the Collateral-Debt Manager's staking_borrow instant-unstake path.
// Grounded on original_source/protocol/src/earning.rs via SPEC_FULL.md §4.6.
package stakingearning

import (
	"errors"

	"nhbchain/native/events"
	"nhbchain/native/staking"
	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
)

// EpochOfYear is the number of consensus epochs in a year.
const EpochOfYear = 105120

var ErrUnsupportedToken = errors.New("stakingearning: resource does not match the pool's underlying or dse token")

// CDM is the subset of native/cdm.Manager the SE consumes.
type CDM interface {
	GetInterestRate(underlying asset.ID, additionalBorrow decimal.Decimal) (variable, stable decimal.Decimal, err error)
	StakingBorrow(underlying asset.ID, principal decimal.Decimal, ticketIDs []uint64, claimEpochs []uint64, claimAmounts []decimal.Decimal, interests []decimal.Decimal) (decimal.Decimal, error)
}

// ClaimTicket mirrors a validator's UnstakeData NFT: a claim of claimAmount
// maturing at claimEpoch.
type ClaimTicket struct {
	TicketID    uint64
	Validator   asset.ID
	ClaimEpoch  uint64
	ClaimAmount decimal.Decimal
	Resource    asset.ID // the ID of the validator that issued the ticket
}

// Validator is the subset of a validator component the SE drives directly:
// claim_xrd settles a matured ticket, and Unstake/GetRedemptionValue let a
// caller redeem a single validator's raw LSU without going through the
// staking pool's dse share accounting.
type Validator interface {
	ClaimXRD(ticketID uint64) (decimal.Decimal, error)
	GetRedemptionValue(lsuAmount decimal.Decimal) decimal.Decimal
	Unstake(lsuAmount decimal.Decimal) (ticketID uint64, claimEpoch uint64)
}

// Earning is the Staking-Earning component.
type Earning struct {
	Pool       *staking.Pool
	DseToken   asset.ID
	CDM        CDM
	Validators map[string]Validator

	// Sink receives NormalRedeem/FasterRedeem/NftFasterRedeem/ClaimXrd
	// events. A nil Sink is a no-op.
	Sink events.Sink
}

// New constructs a Staking-Earning component over an existing staking pool.
func New(pool *staking.Pool, dseToken asset.ID, cdm CDM) *Earning {
	return &Earning{
		Pool:       pool,
		DseToken:   dseToken,
		CDM:        cdm,
		Validators: make(map[string]Validator),
	}
}

// SetEventSink wires the sink that receives this component's events.
func (e *Earning) SetEventSink(sink events.Sink) {
	e.Sink = sink
}

// RegisterValidator wires a validator's claim_xrd entry point.
func (e *Earning) RegisterValidator(id asset.ID, v Validator) {
	e.Validators[id.String()] = v
}

// Join is spec.md §4.7.1.
func (e *Earning) Join(validatorID asset.ID, bucketAsset asset.ID, amount decimal.Decimal) (decimal.Decimal, error) {
	if !bucketAsset.Equal(e.Pool.GetUnderlyingToken()) {
		return decimal.Zero, ErrUnsupportedToken
	}
	return e.Pool.Contribute(validatorID, amount)
}

// ClaimXRD is spec.md §4.7.2: matured tickets claim directly from their
// validator; unmatured tickets are discounted to their present value and
// funded via the CDM's staking_borrow instant-unstake path.
func (e *Earning) ClaimXRD(now uint64, tickets []ClaimTicket) (decimal.Decimal, error) {
	xrd := decimal.Zero
	var unmaturedIDs []uint64
	var unmaturedEpochs []uint64
	var unmaturedClaims []decimal.Decimal
	var interests []decimal.Decimal
	unmaturedClaimAmount := decimal.Zero
	unmaturedInterestAmount := decimal.Zero
	maturedCount := 0
	maturedClaimAmount := decimal.Zero

	for _, ticket := range tickets {
		if ticket.ClaimEpoch <= now {
			v, ok := e.Validators[ticket.Validator.String()]
			if !ok {
				continue
			}
			claimed, err := v.ClaimXRD(ticket.TicketID)
			if err != nil {
				return decimal.Zero, err
			}
			xrd = xrd.Add(claimed)
			maturedCount++
			maturedClaimAmount = maturedClaimAmount.Add(claimed)
			continue
		}

		unmaturedClaimAmount = unmaturedClaimAmount.Add(ticket.ClaimAmount)
		_, stableRate, err := e.CDM.GetInterestRate(asset.XRD, unmaturedClaimAmount)
		if err != nil {
			return decimal.Zero, err
		}
		remainEpoch := ticket.ClaimEpoch - now
		principal := calcPrincipal(ticket.ClaimAmount, stableRate, EpochOfYear, remainEpoch)
		interest := ticket.ClaimAmount.Sub(principal)

		interests = append(interests, interest)
		unmaturedInterestAmount = unmaturedInterestAmount.Add(interest)
		unmaturedIDs = append(unmaturedIDs, ticket.TicketID)
		unmaturedEpochs = append(unmaturedEpochs, ticket.ClaimEpoch)
		unmaturedClaims = append(unmaturedClaims, ticket.ClaimAmount)
	}

	if maturedCount > 0 {
		events.Emit(e.Sink, events.ClaimXrd{ClaimTickets: maturedCount, ClaimAmount: maturedClaimAmount, CurrentEpoch: now})
	}

	if unmaturedClaimAmount.IsPositive() {
		borrowAmount := unmaturedClaimAmount.Sub(unmaturedInterestAmount)
		advanced, err := e.CDM.StakingBorrow(asset.XRD, borrowAmount, unmaturedIDs, unmaturedEpochs, unmaturedClaims, interests)
		if err != nil {
			return decimal.Zero, err
		}
		xrd = xrd.Add(advanced)
		events.Emit(e.Sink, events.NftFasterRedeem{
			ClaimAmount:  unmaturedClaimAmount,
			XRDAmount:    advanced,
			ClaimTickets: len(unmaturedIDs),
			CurrentEpoch: now,
		})
	}

	return xrd, nil
}

// calcPrincipal is the inverse of compound accrual: principal such that
// principal*(1+apy/epochOfYear)^deltaEpoch == amount (original_source's
// calc_principal in common/src/utils.rs).
func calcPrincipal(amount, apy decimal.Decimal, epochOfYear int64, deltaEpoch uint64) decimal.Decimal {
	grown := decimal.One.PowCompound(apy, decimal.New(epochOfYear), deltaEpoch)
	return amount.MustDiv(grown, decimal.ToZero)
}

// Redeem is spec.md §4.7.3: redeems either dse shares (via the staking pool,
// possibly spanning several validators) or a single validator's raw LSU.
// When faster is set, the resulting claim tickets are immediately advanced
// through ClaimXRD instead of being returned to the caller.
func (e *Earning) Redeem(now uint64, resource asset.ID, amount decimal.Decimal, validators []asset.ID, faster bool) ([]ClaimTicket, decimal.Decimal, error) {
	var tickets []ClaimTicket

	if resource.Equal(e.DseToken) {
		raw, _, err := e.Pool.Redeem(validators, amount)
		if err != nil {
			return nil, decimal.Zero, err
		}
		for _, t := range raw {
			tickets = append(tickets, ClaimTicket{TicketID: t.TicketID, Validator: t.Validator, ClaimEpoch: t.ClaimEpoch, ClaimAmount: t.Value, Resource: t.Validator})
		}
	} else {
		v, ok := e.Validators[resource.String()]
		if !ok {
			return nil, decimal.Zero, ErrUnsupportedToken
		}
		claimValue := v.GetRedemptionValue(amount)
		ticketID, claimEpoch := v.Unstake(amount)
		tickets = append(tickets, ClaimTicket{TicketID: ticketID, Validator: resource, ClaimEpoch: claimEpoch, ClaimAmount: claimValue, Resource: resource})
	}

	if !faster {
		claimAmount := decimal.Zero
		for _, t := range tickets {
			claimAmount = claimAmount.Add(t.ClaimAmount)
		}
		events.Emit(e.Sink, events.NormalRedeem{Resource: resource, Amount: amount, ClaimAmount: claimAmount})
		return tickets, decimal.Zero, nil
	}
	xrd, err := e.ClaimXRD(now, tickets)
	if err != nil {
		return nil, decimal.Zero, err
	}
	events.Emit(e.Sink, events.FasterRedeem{Resource: resource, Amount: amount, XRDAmount: xrd})
	return nil, xrd, nil
}

