// Package asset identifies fungible resources (underlying tokens, dxA share
// tokens, the dse staking-pool share, validator LSUs) the same way the
// teacher's account addresses were identified: a bech32-encoded identifier
// with a human-readable prefix.
package asset

import (
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// Prefix is the human-readable part of a bech32-encoded asset identifier.
type Prefix string

const (
	// UnderlyingPrefix marks a raw underlying token registered with an LP.
	UnderlyingPrefix Prefix = "dxu"
	// ShareTokenPrefix marks an LP's dxA deposit-share token.
	ShareTokenPrefix Prefix = "dxa"
	// StakingSharePrefix marks the SP's dse share token.
	StakingSharePrefix Prefix = "dse"
	// ValidatorPrefix marks a validator identifier.
	ValidatorPrefix Prefix = "val"
)

// XRD is the network's native staking/base asset.
var XRD = MustNew(UnderlyingPrefix, xrdBytes())

func xrdBytes() []byte {
	b := make([]byte, 20)
	copy(b[17:], "xrd")
	return b
}

// ID is a 20-byte resource identifier tagged with a human-readable prefix.
type ID struct {
	prefix Prefix
	bytes  []byte
}

// New validates and constructs an ID.
func New(prefix Prefix, b []byte) (ID, error) {
	if len(b) != 20 {
		return ID{}, fmt.Errorf("asset: identifier must be 20 bytes, got %d", len(b))
	}
	cloned := append([]byte(nil), b...)
	return ID{prefix: prefix, bytes: cloned}, nil
}

// MustNew is New but panics on invalid input; used for package-level
// well-known identifiers constructed from literals.
func MustNew(prefix Prefix, b []byte) ID {
	id, err := New(prefix, b)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the identifier as bech32, e.g. "dxu1...".
func (a ID) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a defensive copy of the raw identifier bytes.
func (a ID) Bytes() []byte { return append([]byte(nil), a.bytes...) }

// Prefix returns the resource class this identifier belongs to.
func (a ID) Prefix() Prefix { return a.prefix }

// Equal reports whether two identifiers refer to the same resource.
func (a ID) Equal(o ID) bool {
	if a.prefix != o.prefix || len(a.bytes) != len(o.bytes) {
		return false
	}
	for i := range a.bytes {
		if a.bytes[i] != o.bytes[i] {
			return false
		}
	}
	return true
}

// Decode parses a bech32 asset identifier string.
func Decode(s string) (ID, error) {
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return ID{}, fmt.Errorf("asset: invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return ID{}, fmt.Errorf("asset: error converting bits: %w", err)
	}
	return New(Prefix(prefix), conv)
}
