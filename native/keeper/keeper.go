// Package keeper maintains weekly validator stake snapshots and derives the
// network's active-set staking APY, used as a floor for the XrdStaking
// interest model. Grounded on
// original_source/keeper/src/validator_keeper.rs.
package keeper

import (
	"nhbchain/native/common"
	"nhbchain/pkg/decimal"
)

const (
	// EpochOfYear is the number of consensus epochs in a year (5*24*7*52).
	EpochOfYear = 105120
	// AWeekEpochs is the number of consensus epochs in a week.
	AWeekEpochs = 2016
	// ReserveWeeks bounds how many weekly snapshots each validator's ring
	// buffer retains.
	ReserveWeeks = 4
)

// ValidatorID identifies a validator in the active set.
type ValidatorID string

// StakeData is one weekly snapshot of a validator's stake.
type StakeData struct {
	LSUSupply decimal.Decimal
	XRDStaked decimal.Decimal
	Epoch     uint64
}

// index returns xrd_staked / lsu_supply, the redemption value of one LSU.
func (s StakeData) index() (decimal.Decimal, bool) {
	return s.XRDStaked.Div(s.LSUSupply, decimal.ToZero)
}

// stakeRing is a fixed-capacity, most-recent-first ring buffer of weekly
// snapshots for a single validator.
type stakeRing struct {
	entries []StakeData // entries[0] is the most recent snapshot
}

func (r *stakeRing) push(s StakeData) {
	r.entries = append([]StakeData{s}, r.entries...)
	if len(r.entries) > ReserveWeeks {
		r.entries = r.entries[:ReserveWeeks]
	}
}

func weekIndex(epoch, babylonStartEpoch uint64) uint64 {
	if epoch <= babylonStartEpoch {
		return 0
	}
	delta := epoch - babylonStartEpoch
	return (delta + AWeekEpochs - 1) / AWeekEpochs
}

// ValidatorKeeper tracks per-validator weekly stake snapshots.
type ValidatorKeeper struct {
	BabylonStartEpoch uint64
	rings             map[ValidatorID]*stakeRing

	// Roles gates LogStaking. A nil Roles leaves the keeper ungated, the
	// bootstrap/test default.
	Roles common.RoleView
}

// New constructs an empty ValidatorKeeper.
func New(babylonStartEpoch uint64) *ValidatorKeeper {
	return &ValidatorKeeper{
		BabylonStartEpoch: babylonStartEpoch,
		rings:             make(map[ValidatorID]*stakeRing),
	}
}

// SetRoles wires the role source gating LogStaking.
func (k *ValidatorKeeper) SetRoles(v common.RoleView) {
	k.Roles = v
}

// requireRole leaves the keeper ungated until a host calls SetRoles, so
// genesis and test setup can call LogStaking without first wiring a role
// source.
func (k *ValidatorKeeper) requireRole(caller []byte, allowed ...common.Role) error {
	if k.Roles == nil {
		return nil
	}
	return common.RequireRole(k.Roles, caller, allowed...)
}

// Fill seeds a validator's most recent snapshot directly (used at genesis /
// for tests), without week-boundary bookkeeping.
func (k *ValidatorKeeper) Fill(v ValidatorID, data StakeData) {
	k.rings[v] = &stakeRing{entries: []StakeData{data}}
}

// Insert appends or refreshes a validator's snapshot for the week
// containing epoch: refresh the most recent slot if still within the same
// ISO week, else prepend a new slot and age the ring.
func (k *ValidatorKeeper) Insert(v ValidatorID, data StakeData) {
	ring, ok := k.rings[v]
	if !ok {
		k.rings[v] = &stakeRing{entries: []StakeData{data}}
		return
	}
	if len(ring.entries) > 0 {
		curWeek := weekIndex(ring.entries[0].Epoch, k.BabylonStartEpoch)
		newWeek := weekIndex(data.Epoch, k.BabylonStartEpoch)
		if curWeek == newWeek {
			ring.entries[0] = data
			return
		}
	}
	ring.push(data)
}

// LogStaking refreshes the active set: validators in remove are dropped
// from tracking (they no longer count toward the APY estimate), validators
// in add begin being tracked (first snapshot only, no APY until a second
// entry exists). Restricted to RoleOperator or RoleAdmin per spec.md §5's
// "keeper writes" entry.
func (k *ValidatorKeeper) LogStaking(caller []byte, add []ValidatorID, remove []ValidatorID) error {
	if err := k.requireRole(caller, common.RoleOperator, common.RoleAdmin); err != nil {
		return err
	}
	for _, v := range remove {
		delete(k.rings, v)
	}
	for _, v := range add {
		if _, ok := k.rings[v]; !ok {
			k.rings[v] = &stakeRing{}
		}
	}
	return nil
}

// GetActiveSetAPY computes the mean annualised yield across validators whose
// latest snapshot is within the last week of now and that have a second,
// consecutive-week snapshot to diff against. Zero if no validator qualifies.
func (k *ValidatorKeeper) GetActiveSetAPY(now uint64) decimal.Decimal {
	currentWeek := weekIndex(now, k.BabylonStartEpoch)
	sum := decimal.Zero
	count := 0
	for _, ring := range k.rings {
		if len(ring.entries) < 2 {
			continue
		}
		latest, prev := ring.entries[0], ring.entries[1]
		latestWeek := weekIndex(latest.Epoch, k.BabylonStartEpoch)
		if currentWeek > 0 && latestWeek+1 < currentWeek {
			// stale: no snapshot within the last week, exclude per
			// original_source/keeper/src/validator_keeper.rs's
			// get_validator_apy latest_week_index check.
			continue
		}
		if latestWeek == 0 {
			continue
		}
		prevWeek := weekIndex(prev.Epoch, k.BabylonStartEpoch)
		if prevWeek != latestWeek-1 {
			continue
		}
		latestIdx, ok1 := latest.index()
		prevIdx, ok2 := prev.index()
		if !ok1 || !ok2 || latest.Epoch <= prev.Epoch {
			continue
		}
		deltaEpoch := latest.Epoch - prev.Epoch
		deltaIndex := latestIdx.Sub(prevIdx)
		apy := deltaIndex.MustDiv(decimal.New(int64(deltaEpoch)), decimal.ToZero).Mul(decimal.New(EpochOfYear), decimal.ToZero)
		sum = sum.Add(apy)
		count++
	}
	if count == 0 {
		return decimal.Zero
	}
	return sum.MustDiv(decimal.New(int64(count)), decimal.ToZero)
}
