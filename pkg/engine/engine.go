package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/ledger"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/oracle"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/payout"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/policy"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/pool"
)

// Config carries the product-window parameters. Logical-time units match
// the host-ledger clock.
type Config struct {
	// WeatherBucket quantises weather oracle keys; a claim reads the
	// bucket covering the current logical time.
	WeatherBucket uint64
	// FlightWindow is the fixed validity window of flight policies
	// (24h-equivalent by default).
	FlightWindow uint64
}

func (c *Config) setDefaults() {
	if c.WeatherBucket == 0 {
		c.WeatherBucket = oracle.DefaultBucket
	}
	if c.FlightWindow == 0 {
		c.FlightWindow = 86400
	}
}

// Claim is the settlement record of a policy, written exactly once on the
// Active to Claimed transition and never mutated afterward.
type Claim struct {
	PolicyID     uint64              `json:"policy_id"`
	Claimed      bool                `json:"claimed"`
	Payout       uint64              `json:"payout"`
	FlightStatus oracle.FlightStatus `json:"flight_status,omitempty"`
	DelayMinutes uint32              `json:"delay_minutes,omitempty"`
	TriggerTime  uint64              `json:"trigger_time"`
	SettledAt    uint64              `json:"settled_at"`
}

// Event is published after successful state mutations so transports can
// fan out without holding the engine lock.
type Event struct {
	Type     string `json:"type"`
	PolicyID uint64 `json:"policy_id,omitempty"`
	Payout   uint64 `json:"payout,omitempty"`
	At       uint64 `json:"at"`
}

const (
	EventPolicyCreated = "policy.created"
	EventClaimSettled  = "claim.settled"
	EventOracleUpdated = "oracle.updated"
	EventTierUpdated   = "tier.updated"
)

// Engine is the claim settlement orchestrator. All host-ledger singletons
// (administrator, oracle identity, pool, id counter) live on the engine
// so independent deployments coexist and test in isolation.
//
// Every externally invoked operation runs to completion under one mutex,
// mirroring the serialized execution the host ledger guarantees.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	clock    ledger.Clock
	transfer ledger.Transferor

	poolAccount ledger.Identity
	admin       ledger.Identity
	oracleID    ledger.Identity

	nextID   uint64
	policies map[uint64]*policy.Policy
	claims   map[uint64]*Claim
	records  *oracle.Store
	pool     *pool.Accountant
	tiers    *payout.Table

	notify func(Event)
}

func New(cfg Config, clock ledger.Clock, transfer ledger.Transferor, poolAccount, admin, oracleID ledger.Identity) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:         cfg,
		clock:       clock,
		transfer:    transfer,
		poolAccount: poolAccount,
		admin:       admin,
		oracleID:    oracleID,
		policies:    map[uint64]*policy.Policy{},
		claims:      map[uint64]*Claim{},
		records:     oracle.NewStore(cfg.WeatherBucket),
		pool:        pool.NewAccountant(),
		tiers:       payout.NewTable(),
	}
}

// SetNotifier installs the event sink. Call before serving traffic.
func (e *Engine) SetNotifier(fn func(Event)) {
	e.notify = fn
}

func (e *Engine) publish(evt Event) {
	if e.notify != nil {
		e.notify(evt)
	}
}

// CreateParams are the issuance inputs of both product lines.
type CreateParams struct {
	Premium  uint64
	Coverage uint64
	Duration uint64
	Subject  policy.Subject
}

// CreatePolicy validates the parameters, collects the premium into the
// pool through the value-transfer primitive, and issues the policy with
// the next sequential id.
func (e *Engine) CreatePolicy(ctx context.Context, caller ledger.Identity, params CreateParams) (uint64, error) {
	if !caller.Valid() {
		return 0, ErrUnauthorized
	}
	duration := params.Duration
	if _, ok := params.Subject.(policy.FlightSubject); ok {
		duration = e.cfg.FlightWindow
	}
	if err := policy.Validate(params.Premium, params.Coverage, duration, params.Subject); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.transfer.Transfer(ctx, caller, e.poolAccount, params.Premium); err != nil {
		return 0, fmt.Errorf("premium collection: %w", err)
	}
	e.nextID++
	id := e.nextID
	now := e.clock.Now()
	p := &policy.Policy{
		ID:        id,
		Owner:     caller,
		Premium:   params.Premium,
		Coverage:  params.Coverage,
		Subject:   params.Subject,
		StartTime: now,
		EndTime:   now + duration,
		Status:    policy.Active,
	}
	e.policies[id] = p
	e.pool.Credit(params.Premium)
	e.publish(Event{Type: EventPolicyCreated, PolicyID: id, At: now})
	return id, nil
}

// SubmitWeather records a weather measurement. Oracle identity only; the
// reading itself is accepted verbatim.
func (e *Engine) SubmitWeather(caller ledger.Identity, key oracle.WeatherKey, reading oracle.WeatherReading) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.oracleID {
		return ErrUnauthorized
	}
	e.records.PutWeather(key, reading)
	e.publish(Event{Type: EventOracleUpdated, At: e.clock.Now()})
	return nil
}

// SubmitFlight records a flight status report. Oracle identity only; the
// reading itself is accepted verbatim.
func (e *Engine) SubmitFlight(caller ledger.Identity, key oracle.FlightKey, reading oracle.FlightReading) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.oracleID {
		return ErrUnauthorized
	}
	e.records.PutFlight(key, reading)
	e.publish(Event{Type: EventOracleUpdated, At: e.clock.Now()})
	return nil
}

func (e *Engine) WeatherRecord(key oracle.WeatherKey) (oracle.WeatherReading, bool) {
	return e.records.Weather(key)
}

func (e *Engine) FlightRecord(key oracle.FlightKey) (oracle.FlightReading, bool) {
	return e.records.Flight(key)
}

// Check is the read-only eligibility simulation of Claim. It never
// mutates state; precondition failures surface as the result's reason
// code rather than an error, except PolicyNotFound.
func (e *Engine) Check(id uint64, caller ledger.Identity) (TriggerResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.policies[id]
	if !ok {
		return TriggerResult{}, ErrPolicyNotFound
	}
	now := e.clock.Now()
	if err := e.claimGuardsLocked(p, caller, now); err != nil {
		return TriggerResult{Reason: Code(err)}, nil
	}
	snap, amount, err := e.evaluateLocked(p, now)
	if err != nil {
		return TriggerResult{Reason: Code(err)}, nil
	}
	return TriggerResult{
		Eligible:     true,
		Reason:       "OK",
		Payout:       amount,
		FlightStatus: snap.flightStatus,
		DelayMinutes: snap.delayMinutes,
		TriggerTime:  snap.triggerTime,
	}, nil
}

// claimGuardsLocked checks preconditions 2-5 in claim order. Precondition
// 1 (existence) is the caller's lookup.
func (e *Engine) claimGuardsLocked(p *policy.Policy, caller ledger.Identity, now uint64) error {
	if p.Status != policy.Active {
		return ErrAlreadyClaimed
	}
	if p.ExpiredAt(now) {
		return ErrPolicyExpired
	}
	if caller != p.Owner {
		return ErrUnauthorized
	}
	if c, ok := e.claims[p.ID]; ok && c.Claimed {
		return ErrAlreadyClaimed
	}
	return nil
}

// ClaimPolicy performs the single Active to Claimed transition. The
// settlement (status flip, claim record, pool debit, external transfer)
// is all-or-nothing: a failed transfer compensates every prior mutation.
func (e *Engine) ClaimPolicy(ctx context.Context, id uint64, caller ledger.Identity) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.policies[id]
	if !ok {
		return 0, ErrPolicyNotFound
	}
	now := e.clock.Now()
	if err := e.claimGuardsLocked(p, caller, now); err != nil {
		return 0, err
	}
	snap, amount, err := e.evaluateLocked(p, now)
	if err != nil {
		return 0, err
	}
	if err := e.pool.Debit(amount); err != nil {
		return 0, err
	}

	status, err := policy.Transition(p.Status, policy.Claimed)
	if err != nil {
		e.pool.Credit(amount)
		return 0, err
	}
	p.Status = status
	e.claims[id] = &Claim{
		PolicyID:     id,
		Claimed:      true,
		Payout:       amount,
		FlightStatus: snap.flightStatus,
		DelayMinutes: snap.delayMinutes,
		TriggerTime:  snap.triggerTime,
		SettledAt:    now,
	}

	if err := e.transfer.Transfer(ctx, e.poolAccount, p.Owner, amount); err != nil {
		// Compensate: the whole claim rolls back as one unit.
		p.Status = policy.Active
		delete(e.claims, id)
		e.pool.Credit(amount)
		return 0, fmt.Errorf("%w: payout transfer: %v", ErrInsufficientFunds, err)
	}
	e.publish(Event{Type: EventClaimSettled, PolicyID: id, Payout: amount, At: now})
	return amount, nil
}

// Policy returns a copy of the stored policy. A logically expired policy
// still reports ACTIVE here; expiry is a claim-time guard only.
func (e *Engine) Policy(id uint64) (policy.Policy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[id]
	if !ok {
		return policy.Policy{}, false
	}
	return *p, true
}

// ClaimRecord returns the claim for a policy, if settled.
func (e *Engine) ClaimRecord(id uint64) (Claim, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.claims[id]
	if !ok {
		return Claim{}, false
	}
	return *c, true
}

func (e *Engine) PoolBalance() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Balance()
}

func (e *Engine) Administrator() ledger.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admin
}

func (e *Engine) Oracle() ledger.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oracleID
}

// SetOracle rotates the oracle identity. Administrator only.
func (e *Engine) SetOracle(caller, next ledger.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.admin {
		return ErrUnauthorized
	}
	if !next.Valid() {
		return fmt.Errorf("%w: blank oracle identity", ErrInvalidParameters)
	}
	e.oracleID = next
	return nil
}

// TransferAdministrator hands the administrator role to another identity.
func (e *Engine) TransferAdministrator(caller, next ledger.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.admin {
		return ErrUnauthorized
	}
	if !next.Valid() {
		return fmt.Errorf("%w: blank administrator identity", ErrInvalidParameters)
	}
	e.admin = next
	return nil
}

// SetPayoutTier updates a tier percentage. Administrator only.
func (e *Engine) SetPayoutTier(caller ledger.Identity, tier payout.Tier, percentage uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.admin {
		return ErrUnauthorized
	}
	if !payout.ValidTier(tier) {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidParameters, tier)
	}
	if err := e.tiers.Set(tier, percentage); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	e.publish(Event{Type: EventTierUpdated, At: e.clock.Now()})
	return nil
}

func (e *Engine) PayoutTier(tier payout.Tier) (uint8, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tiers.Get(tier)
}
