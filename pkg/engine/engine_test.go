package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/ledger"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/oracle"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/payout"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/policy"
)

const (
	poolAccount = ledger.Identity("pool")
	admin       = ledger.Identity("admin")
	oracleID    = ledger.Identity("oracle")
	alice       = ledger.Identity("alice")
	bob         = ledger.Identity("bob")
)

type fixture struct {
	engine *Engine
	clock  *ledger.FixedClock
	funds  *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := ledger.NewFixedClock(1_000_000)
	funds := ledger.NewLedger()
	funds.Mint(alice, 1_000_000)
	funds.Mint(bob, 1_000_000)
	e := New(Config{WeatherBucket: 86400, FlightWindow: 86400}, clock, funds, poolAccount, admin, oracleID)
	return &fixture{engine: e, clock: clock, funds: funds}
}

func weatherSubject() policy.WeatherSubject {
	return policy.WeatherSubject{
		Location:  "MIA",
		Kind:      policy.Rainfall,
		Threshold: 100,
		Compare:   policy.GreaterThan,
	}
}

func flightSubject(tiered bool) policy.FlightSubject {
	return policy.FlightSubject{
		FlightNumber:     "UA1234",
		DepartureDate:    20260901,
		DepartureAirport: "SFO",
		ArrivalAirport:   "JFK",
		MinDelayMinutes:  30,
		Tiered:           tiered,
	}
}

func TestCreatePolicyCreditsPool(t *testing.T) {
	f := newFixture(t)
	before := f.engine.PoolBalance()

	id, err := f.engine.CreatePolicy(context.Background(), alice, CreateParams{
		Premium: 500, Coverage: 5000, Duration: 86400, Subject: weatherSubject(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 1 {
		t.Fatalf("first policy id = %d, want 1", id)
	}
	if got := f.engine.PoolBalance(); got != before+500 {
		t.Fatalf("pool balance = %d, want %d", got, before+500)
	}
	if got := f.funds.Balance(alice); got != 1_000_000-500 {
		t.Fatalf("premium not collected: owner balance %d", got)
	}
	p, ok := f.engine.Policy(id)
	if !ok || p.Status != policy.Active {
		t.Fatalf("policy = %+v, ok=%v; want active", p, ok)
	}
	if p.EndTime != p.StartTime+86400 {
		t.Fatalf("end time %d, want start+86400", p.EndTime)
	}

	// Ids are monotonic, never reused.
	id2, err := f.engine.CreatePolicy(context.Background(), bob, CreateParams{
		Premium: 1, Coverage: 1, Duration: 10, Subject: weatherSubject(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id2 != 2 {
		t.Fatalf("second policy id = %d, want 2", id2)
	}
}

func TestCreatePolicyValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		params CreateParams
	}{
		{name: "zero_premium", params: CreateParams{Premium: 0, Coverage: 10, Duration: 10, Subject: weatherSubject()}},
		{name: "zero_coverage", params: CreateParams{Premium: 10, Coverage: 0, Duration: 10, Subject: weatherSubject()}},
		{name: "zero_duration", params: CreateParams{Premium: 10, Coverage: 10, Duration: 0, Subject: weatherSubject()}},
		{name: "bad_comparison", params: CreateParams{Premium: 10, Coverage: 10, Duration: 10, Subject: policy.WeatherSubject{Location: "MIA", Kind: policy.Rainfall, Compare: "EQ"}}},
		{name: "bad_kind", params: CreateParams{Premium: 10, Coverage: 10, Duration: 10, Subject: policy.WeatherSubject{Location: "MIA", Kind: "FOG", Compare: policy.LessThan}}},
		{name: "short_flight_number", params: CreateParams{Premium: 10, Coverage: 10, Subject: policy.FlightSubject{FlightNumber: "U1", DepartureDate: 1, DepartureAirport: "SFO", ArrivalAirport: "JFK", MinDelayMinutes: 30}}},
		{name: "low_min_delay", params: CreateParams{Premium: 10, Coverage: 10, Subject: policy.FlightSubject{FlightNumber: "UA1", DepartureDate: 1, DepartureAirport: "SFO", ArrivalAirport: "JFK", MinDelayMinutes: 29}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.CreatePolicy(context.Background(), alice, tt.params); !errors.Is(err, ErrInvalidParameters) {
				t.Fatalf("expected invalid parameters, got %v", err)
			}
		})
	}
	if f.engine.PoolBalance() != 0 {
		t.Fatalf("rejected creations credited the pool: %d", f.engine.PoolBalance())
	}
}

func TestFlightPolicyUsesFixedWindow(t *testing.T) {
	f := newFixture(t)
	// Duration input is ignored for the flight product line.
	id, err := f.engine.CreatePolicy(context.Background(), alice, CreateParams{
		Premium: 10, Coverage: 100, Duration: 0, Subject: flightSubject(false),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := f.engine.Policy(id)
	if p.EndTime-p.StartTime != 86400 {
		t.Fatalf("flight window = %d, want 86400", p.EndTime-p.StartTime)
	}
}

func TestOracleSubmissionAuthorization(t *testing.T) {
	f := newFixture(t)
	key := oracle.WeatherKey{Bucket: f.clock.Now(), Location: "MIA", Kind: policy.Rainfall}

	err := f.engine.SubmitWeather(alice, key, oracle.WeatherReading{Value: 150})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, ok := f.engine.WeatherRecord(key); ok {
		t.Fatal("unauthorized submission mutated the store")
	}

	if err := f.engine.SubmitWeather(oracleID, key, oracle.WeatherReading{Value: 150, MeasuredAt: f.clock.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec, ok := f.engine.WeatherRecord(key); !ok || rec.Value != 150 {
		t.Fatalf("reading = %+v, ok=%v", rec, ok)
	}
}

func TestSubmitFlightChecksIdentityBeforeReading(t *testing.T) {
	f := newFixture(t)
	key := oracle.FlightKey{FlightNumber: "UA1234", DepartureDate: 20260901}

	// A non-oracle submitter is rejected outright, even when the report
	// would not parse as a known status.
	err := f.engine.SubmitFlight(alice, key, oracle.FlightReading{Status: "DIVERTED"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, ok := f.engine.FlightRecord(key); ok {
		t.Fatal("rejected submission stored a reading")
	}

	// The oracle's reading is stored verbatim.
	if err := f.engine.SubmitFlight(oracleID, key, oracle.FlightReading{Status: "DIVERTED"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec, ok := f.engine.FlightRecord(key); !ok || rec.Status != "DIVERTED" {
		t.Fatalf("reading = %+v, ok=%v", rec, ok)
	}
}

func TestAdminOperations(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.SetOracle(alice, "oracle2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.engine.SetOracle(admin, "oracle2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.engine.Oracle(); got != "oracle2" {
		t.Fatalf("oracle = %q", got)
	}

	if err := f.engine.SetPayoutTier(alice, payout.Minor, 10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.engine.SetPayoutTier(admin, payout.Minor, 101); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
	if err := f.engine.SetPayoutTier(admin, "CATASTROPHIC", 10); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
	if err := f.engine.SetPayoutTier(admin, payout.Minor, 30); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pct, ok := f.engine.PayoutTier(payout.Minor); !ok || pct != 30 {
		t.Fatalf("tier = %d, %v", pct, ok)
	}

	if err := f.engine.TransferAdministrator(bob, bob); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.engine.TransferAdministrator(admin, bob); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.engine.Administrator(); got != bob {
		t.Fatalf("administrator = %q", got)
	}
	// Old administrator loses the role.
	if err := f.engine.SetOracle(admin, "oracle3"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCode(t *testing.T) {
	if Code(nil) != "OK" {
		t.Fatal("nil should map to OK")
	}
	if Code(ErrNoData) != "NO_DATA" || Code(ErrInsufficientFunds) != "INSUFFICIENT_FUNDS" {
		t.Fatal("taxonomy codes misreported")
	}
	if Code(errors.New("boom")) != "INTERNAL" {
		t.Fatal("unknown error should map to INTERNAL")
	}
	if !Retriable(ErrNoData) || !Retriable(ErrThresholdNotMet) || Retriable(ErrUnauthorized) {
		t.Fatal("retriability misreported")
	}
}
