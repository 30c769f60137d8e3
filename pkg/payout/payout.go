package payout

import "errors"

// Tier is a trigger-severity level of a tiered flight policy.
type Tier string

const (
	Minor     Tier = "MINOR"
	Moderate  Tier = "MODERATE"
	Major     Tier = "MAJOR"
	Cancelled Tier = "CANCELLED"
)

func ValidTier(t Tier) bool {
	switch t {
	case Minor, Moderate, Major, Cancelled:
		return true
	default:
		return false
	}
}

var ErrPercentageRange = errors.New("percentage exceeds 100")

// Table maps a severity tier to a payout percentage of coverage. The
// settlement engine serialises access; no internal locking needed.
type Table struct {
	pct map[Tier]uint8
}

// NewTable seeds the default tier schedule.
func NewTable() *Table {
	return &Table{pct: map[Tier]uint8{
		Minor:     25,
		Moderate:  50,
		Major:     75,
		Cancelled: 100,
	}}
}

func (t *Table) Set(tier Tier, percentage uint8) error {
	if percentage > 100 {
		return ErrPercentageRange
	}
	t.pct[tier] = percentage
	return nil
}

func (t *Table) Get(tier Tier) (uint8, bool) {
	p, ok := t.pct[tier]
	return p, ok
}

// Severity classifies a qualifying flight trigger. A delay below 30
// minutes is only reachable through cancellation.
func Severity(delayMinutes uint32) Tier {
	switch {
	case delayMinutes >= 120:
		return Major
	case delayMinutes >= 60:
		return Moderate
	case delayMinutes >= 30:
		return Minor
	default:
		return Cancelled
	}
}

// Amount computes the tiered payout with integer floor division. An
// absent tier pays nothing.
func (t *Table) Amount(coverage uint64, tier Tier) uint64 {
	pct, ok := t.pct[tier]
	if !ok {
		return 0
	}
	return coverage * uint64(pct) / 100
}
