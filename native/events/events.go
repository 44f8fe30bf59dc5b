// Package events defines the typed events emitted by the protocol's native
// modules, each convertible to a flat attribute map for the host's event log.
// Grounded on core/events/stake.go's Event-interface pattern (the same named
// package in the teacher repo), with payloads drawn from the event structs
// scattered across original_source/oracle, original_source/interest and
// original_source/protocol/src/pool.
package events

import (
	"strconv"

	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
)

const (
	TypeSetPrice          = "oracle.setPrice"
	TypeSetPublicKey      = "oracle.setPublicKey"
	TypeSetValidityPeriod = "oracle.setValidityPeriod"
	TypeSetParams         = "interest.setParams"
	TypeJoin              = "staking.join"
	TypeRebalance         = "staking.rebalance"
	TypeDseUnstake        = "staking.dseUnstake"
	TypeNormalRedeem      = "earning.normalRedeem"
	TypeFasterRedeem      = "earning.fasterRedeem"
	TypeNftFasterRedeem   = "earning.nftFasterRedeem"
	TypeClaimXrd          = "earning.claimXrd"
)

// Event is a flat, broadcastable rendering of a typed event.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Typed is implemented by every event payload in this package.
type Typed interface {
	EventType() string
	Event() *Event
}

// Sink receives typed events as native modules emit them. A nil Sink (the
// zero value of every component that embeds one) makes Emit a no-op, so
// wiring a sink is opt-in for hosts and tests that don't care about the
// event log.
type Sink interface {
	Emit(Typed)
}

// Emit forwards e to sink unless sink is nil, so callers never need a
// nil-check of their own before emitting.
func Emit(sink Sink, e Typed) {
	if sink == nil {
		return
	}
	sink.Emit(e)
}

// SetPrice is emitted whenever a signed oracle update lands and the
// validated price overwrites the cached entry.
type SetPrice struct {
	Resource asset.ID
	Price    decimal.Decimal
}

func (SetPrice) EventType() string { return TypeSetPrice }
func (e SetPrice) Event() *Event {
	return &Event{Type: TypeSetPrice, Attributes: map[string]string{
		"resource": e.Resource.String(),
		"price":    e.Price.String(),
	}}
}

// SetPublicKey is emitted when the oracle's verify key is rotated.
type SetPublicKey struct {
	PublicKeyHex string
}

func (SetPublicKey) EventType() string { return TypeSetPublicKey }
func (e SetPublicKey) Event() *Event {
	return &Event{Type: TypeSetPublicKey, Attributes: map[string]string{"pubKey": e.PublicKeyHex}}
}

// SetValidityPeriod is emitted when the oracle's freshness window changes.
type SetValidityPeriod struct {
	NewValue uint64
	Previous uint64
}

func (SetValidityPeriod) EventType() string { return TypeSetValidityPeriod }
func (e SetValidityPeriod) Event() *Event {
	return &Event{Type: TypeSetValidityPeriod, Attributes: map[string]string{
		"newValue": strconv.FormatUint(e.NewValue, 10),
		"previous": strconv.FormatUint(e.Previous, 10),
	}}
}

// SetParams is emitted when a pool's interest-model curve coefficients
// change, carrying both the new and previous coefficient pair.
type SetParams struct {
	Resource asset.ID
	P1       decimal.Decimal
	P2       decimal.Decimal
	OldP1    decimal.Decimal
	OldP2    decimal.Decimal
}

func (SetParams) EventType() string { return TypeSetParams }
func (e SetParams) Event() *Event {
	return &Event{Type: TypeSetParams, Attributes: map[string]string{
		"resource": e.Resource.String(),
		"p1":       e.P1.String(),
		"p2":       e.P2.String(),
		"oldP1":    e.OldP1.String(),
		"oldP2":    e.OldP2.String(),
	}}
}

// Join is emitted when the staking pool stakes a contribution with a
// validator and mints dse shares.
type Join struct {
	Amount    decimal.Decimal
	Validator asset.ID
	DseIndex  decimal.Decimal
	DseAmount decimal.Decimal
	LSUIndex  decimal.Decimal
	LSUAmount decimal.Decimal
}

func (Join) EventType() string { return TypeJoin }
func (e Join) Event() *Event {
	return &Event{Type: TypeJoin, Attributes: map[string]string{
		"amount":    e.Amount.String(),
		"validator": e.Validator.String(),
		"dseIndex":  e.DseIndex.String(),
		"dseAmount": e.DseAmount.String(),
		"lsuIndex":  e.LSUIndex.String(),
		"lsuAmount": e.LSUAmount.String(),
	}}
}

// Rebalance is emitted when the staking pool moves stake between validators.
type Rebalance struct {
	StakeValidator   asset.ID
	StakeAmount      decimal.Decimal
	StakeLSUAmount   decimal.Decimal
	UnstakeValidator asset.ID
	UnstakeLSUAmount decimal.Decimal
	UnstakeValue     decimal.Decimal
}

func (Rebalance) EventType() string { return TypeRebalance }
func (e Rebalance) Event() *Event {
	return &Event{Type: TypeRebalance, Attributes: map[string]string{
		"stakeValidator":   e.StakeValidator.String(),
		"stakeAmount":      e.StakeAmount.String(),
		"stakeLsuAmount":   e.StakeLSUAmount.String(),
		"unstakeValidator": e.UnstakeValidator.String(),
		"unstakeLsuAmount": e.UnstakeLSUAmount.String(),
		"unstakeValue":     e.UnstakeValue.String(),
	}}
}

// DseUnstake is emitted per-validator while a dse redemption walks its
// validator list.
type DseUnstake struct {
	Validator   asset.ID
	UnstakeLSU  decimal.Decimal
	UnstakeValue decimal.Decimal
}

func (DseUnstake) EventType() string { return TypeDseUnstake }
func (e DseUnstake) Event() *Event {
	return &Event{Type: TypeDseUnstake, Attributes: map[string]string{
		"validator":    e.Validator.String(),
		"unstakeLsu":   e.UnstakeLSU.String(),
		"unstakeValue": e.UnstakeValue.String(),
	}}
}

// NormalRedeem is emitted when a redeem call returns raw claim tickets
// instead of advancing them through an instant unstake.
type NormalRedeem struct {
	Resource    asset.ID
	Amount      decimal.Decimal
	ClaimAmount decimal.Decimal
}

func (NormalRedeem) EventType() string { return TypeNormalRedeem }
func (e NormalRedeem) Event() *Event {
	return &Event{Type: TypeNormalRedeem, Attributes: map[string]string{
		"resource":    e.Resource.String(),
		"amount":      e.Amount.String(),
		"claimAmount": e.ClaimAmount.String(),
	}}
}

// FasterRedeem is emitted when a redeem call settles immediately via claim_xrd.
type FasterRedeem struct {
	Resource  asset.ID
	Amount    decimal.Decimal
	XRDAmount decimal.Decimal
}

func (FasterRedeem) EventType() string { return TypeFasterRedeem }
func (e FasterRedeem) Event() *Event {
	return &Event{Type: TypeFasterRedeem, Attributes: map[string]string{
		"resource":  e.Resource.String(),
		"amount":    e.Amount.String(),
		"xrdAmount": e.XRDAmount.String(),
	}}
}

// NftFasterRedeem is emitted when unmatured claim tickets are advanced
// through the CDM's staking_borrow path.
type NftFasterRedeem struct {
	ClaimAmount  decimal.Decimal
	XRDAmount    decimal.Decimal
	ClaimTickets int
	CurrentEpoch uint64
}

func (NftFasterRedeem) EventType() string { return TypeNftFasterRedeem }
func (e NftFasterRedeem) Event() *Event {
	return &Event{Type: TypeNftFasterRedeem, Attributes: map[string]string{
		"claimAmount":  e.ClaimAmount.String(),
		"xrdAmount":    e.XRDAmount.String(),
		"claimTickets": strconv.Itoa(e.ClaimTickets),
		"currentEpoch": strconv.FormatUint(e.CurrentEpoch, 10),
	}}
}

// ClaimXrd is emitted for the matured-ticket leg of a claim_xrd call.
type ClaimXrd struct {
	ClaimTickets int
	ClaimAmount  decimal.Decimal
	CurrentEpoch uint64
}

func (ClaimXrd) EventType() string { return TypeClaimXrd }
func (e ClaimXrd) Event() *Event {
	return &Event{Type: TypeClaimXrd, Attributes: map[string]string{
		"claimTickets": strconv.Itoa(e.ClaimTickets),
		"claimAmount":  e.ClaimAmount.String(),
		"currentEpoch": strconv.FormatUint(e.CurrentEpoch, 10),
	}}
}
