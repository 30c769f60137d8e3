package engine

import (
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/oracle"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/payout"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/policy"
)

// TriggerResult is the outcome of an eligibility check. Reason carries
// the taxonomy code ("OK" when eligible).
type TriggerResult struct {
	Eligible     bool                `json:"eligible"`
	Reason       string              `json:"reason"`
	Payout       uint64              `json:"payout,omitempty"`
	FlightStatus oracle.FlightStatus `json:"flight_status,omitempty"`
	DelayMinutes uint32              `json:"delay_minutes,omitempty"`
	TriggerTime  uint64              `json:"trigger_time,omitempty"`
}

type snapshot struct {
	flightStatus oracle.FlightStatus
	delayMinutes uint32
	triggerTime  uint64
}

// evaluateLocked matches the policy subject against the oracle record
// store and computes the payout. Returns ErrNoData when no record covers
// the subject key, ErrThresholdNotMet when the trigger condition fails.
func (e *Engine) evaluateLocked(p *policy.Policy, now uint64) (snapshot, uint64, error) {
	switch sub := p.Subject.(type) {
	case policy.WeatherSubject:
		return e.evaluateWeatherLocked(p, sub, now)
	case policy.FlightSubject:
		return e.evaluateFlightLocked(p, sub)
	default:
		return snapshot{}, 0, ErrNoData
	}
}

func (e *Engine) evaluateWeatherLocked(p *policy.Policy, sub policy.WeatherSubject, now uint64) (snapshot, uint64, error) {
	key := oracle.WeatherKey{Bucket: now, Location: sub.Location, Kind: sub.Kind}
	rec, ok := e.records.Weather(key)
	if !ok {
		return snapshot{}, 0, ErrNoData
	}
	triggered := false
	switch sub.Compare {
	case policy.GreaterThan:
		triggered = rec.Value > sub.Threshold
	case policy.LessThan:
		triggered = rec.Value < sub.Threshold
	}
	if !triggered {
		return snapshot{}, 0, ErrThresholdNotMet
	}
	// Weather payouts are flat coverage.
	return snapshot{triggerTime: rec.MeasuredAt}, p.Coverage, nil
}

func (e *Engine) evaluateFlightLocked(p *policy.Policy, sub policy.FlightSubject) (snapshot, uint64, error) {
	key := oracle.FlightKey{FlightNumber: sub.FlightNumber, DepartureDate: sub.DepartureDate}
	rec, ok := e.records.Flight(key)
	if !ok {
		return snapshot{}, 0, ErrNoData
	}
	cancelled := rec.Status == oracle.Cancelled
	delayed := rec.Status == oracle.Delayed && rec.DelayMinutes >= sub.MinDelayMinutes
	if !cancelled && !delayed {
		return snapshot{}, 0, ErrThresholdNotMet
	}
	snap := snapshot{
		flightStatus: rec.Status,
		delayMinutes: rec.DelayMinutes,
		triggerTime:  rec.ReportedAt,
	}
	if !sub.Tiered {
		return snap, p.Coverage, nil
	}
	tier := payout.Severity(rec.DelayMinutes)
	if cancelled {
		// Cancellation always settles at the cancelled tier regardless
		// of any reported delay.
		tier = payout.Cancelled
	}
	return snap, e.tiers.Amount(p.Coverage, tier), nil
}
