// Package oracle verifies Ed25519-signed price quotes and enforces the
// staleness bound described in SPEC_FULL.md §4.2. Grounded on
// original_source/oracle/src/oracle_price.rs; the signature primitive is a
// genuine Ed25519/SHA-512 scheme, so this package uses the standard
// library's crypto/ed25519 rather than a third-party verifier (see
// DESIGN.md).
package oracle

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"nhbchain/native/common"
	"nhbchain/native/events"
	"nhbchain/observability/logging"
	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
)

var (
	// ErrUnknownAsset is returned when the quote asset has no registered price entry.
	ErrUnknownAsset = errors.New("oracle: unknown asset")
	// ErrBadSignature is returned when the Ed25519 signature fails to verify.
	ErrBadSignature = errors.New("oracle: bad signature")
	// ErrPriceStale is returned when the timestamp gap within an epoch meets or exceeds MaxDiff.
	ErrPriceStale = errors.New("oracle: price stale")
	// ErrBadPrice is returned when the signed price string fails to parse or is non-positive.
	ErrBadPrice = errors.New("oracle: malformed price")
)

// PriceEntry is the oracle's last accepted quote for an asset.
type PriceEntry struct {
	PriceInXRD decimal.Decimal
	Epoch      uint64
}

// PriceOracle tracks signed quotes for a set of assets, verified against a
// single Ed25519 public key, with an epoch-scoped freshness window.
//
// MaxDiff is expressed in the same epoch-domain timestamp units as the
// `timestamp` field of the canonical message (see SPEC_FULL.md §4.2):
// resolving spec.md §9's open question on the unit of `max_diff`.
type PriceOracle struct {
	PriceMap  map[string]PriceEntry
	VerifyKey ed25519.PublicKey

	LastValidationEpoch     uint64
	LastValidationTimestamp uint64
	MaxDiff                 uint64

	// Roles gates SetPublicKey/SetValidityPeriod. A nil Roles denies both
	// calls; SetRoles must be called before a host can rotate the key or
	// the freshness window.
	Roles common.RoleView
	// Sink receives SetPrice/SetPublicKey/SetValidityPeriod events. A nil
	// Sink is a no-op, matching events.Emit's contract.
	Sink events.Sink
}

// New constructs an empty PriceOracle bound to the given verifying key.
func New(verifyKey ed25519.PublicKey, maxDiff uint64) *PriceOracle {
	return &PriceOracle{
		PriceMap:  make(map[string]PriceEntry),
		VerifyKey: verifyKey,
		MaxDiff:   maxDiff,
	}
}

// SetRoles wires the role source gating SetPublicKey/SetValidityPeriod.
func (o *PriceOracle) SetRoles(v common.RoleView) {
	o.Roles = v
}

// SetEventSink wires the sink that receives this oracle's events.
func (o *PriceOracle) SetEventSink(sink events.Sink) {
	o.Sink = sink
}

// SetPublicKey rotates the Ed25519 key future quotes are verified against.
// Restricted to RoleAdmin/RoleOperator per spec.md §5's "oracle updates"
// entry.
func (o *PriceOracle) SetPublicKey(caller []byte, newKey ed25519.PublicKey) error {
	if err := common.RequireRole(o.Roles, caller, common.RoleAdmin, common.RoleOperator); err != nil {
		return err
	}
	o.VerifyKey = newKey
	keyHex := fmt.Sprintf("%x", newKey)
	slog.Info("oracle verify key rotated", logging.MaskField("verifyKey", keyHex))
	events.Emit(o.Sink, events.SetPublicKey{PublicKeyHex: keyHex})
	return nil
}

// SetValidityPeriod updates the epoch-local freshness bound MaxDiff quotes
// must fall within. Restricted to RoleAdmin/RoleOperator per spec.md §5.
func (o *PriceOracle) SetValidityPeriod(caller []byte, newMaxDiff uint64) error {
	if err := common.RequireRole(o.Roles, caller, common.RoleAdmin, common.RoleOperator); err != nil {
		return err
	}
	previous := o.MaxDiff
	o.MaxDiff = newMaxDiff
	events.Emit(o.Sink, events.SetValidityPeriod{NewValue: newMaxDiff, Previous: previous})
	return nil
}

// canonicalMessage builds the bit-exact message signed by the off-chain
// attester: "<base>/<quote><price><epoch><timestamp>", all fields
// concatenated with no separators beyond the literal "/".
func canonicalMessage(base, quote asset.ID, priceStr string, epoch, timestamp uint64) []byte {
	var b strings.Builder
	b.WriteString(base.String())
	b.WriteByte('/')
	b.WriteString(quote.String())
	b.WriteString(priceStr)
	b.WriteString(strconv.FormatUint(epoch, 10))
	b.WriteString(strconv.FormatUint(timestamp, 10))
	return []byte(b.String())
}

// GetValidPriceInXRD validates a freshly signed quote and returns the
// base-in-quote inverted price (SPEC_FULL.md / spec.md §4.2 steps 1-5).
func (o *PriceOracle) GetValidPriceInXRD(base, quote asset.ID, priceStr string, epochNow, timestamp uint64, sig []byte) (decimal.Decimal, error) {
	if _, ok := o.PriceMap[quote.String()]; !ok {
		return decimal.Zero, ErrUnknownAsset
	}

	msg := canonicalMessage(base, quote, priceStr, epochNow, timestamp)
	if !ed25519.Verify(o.VerifyKey, msg, sig) {
		return decimal.Zero, ErrBadSignature
	}

	if epochNow == o.LastValidationEpoch {
		diff := timestamp - o.LastValidationTimestamp
		if timestamp < o.LastValidationTimestamp {
			diff = o.LastValidationTimestamp - timestamp
		}
		if diff >= o.MaxDiff {
			return decimal.Zero, ErrPriceStale
		}
		if timestamp > o.LastValidationTimestamp {
			o.LastValidationTimestamp = timestamp
		}
	} else {
		o.LastValidationEpoch = epochNow
		o.LastValidationTimestamp = timestamp
	}

	price, err := decimal.Parse(priceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBadPrice, err)
	}
	inverted, ok := decimal.One.Div(price, decimal.ToZero)
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price", ErrBadPrice)
	}

	o.PriceMap[quote.String()] = PriceEntry{PriceInXRD: inverted, Epoch: epochNow}
	events.Emit(o.Sink, events.SetPrice{Resource: quote, Price: inverted})
	return inverted, nil
}

// GetPriceQuoteInXRD returns the last validated price for quote if it is
// still fresh for the current epoch, else zero. This is the intended fix
// for the bug flagged in spec.md §9 (the original discarded the cached
// price and always returned zero).
func (o *PriceOracle) GetPriceQuoteInXRD(quote asset.ID, currentEpoch uint64) decimal.Decimal {
	entry, ok := o.PriceMap[quote.String()]
	if !ok {
		return decimal.Zero
	}
	if currentEpoch != entry.Epoch {
		return decimal.Zero
	}
	return entry.PriceInXRD
}
