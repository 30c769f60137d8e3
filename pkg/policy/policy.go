package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/ledger"
)

const (
	Active  = "ACTIVE"
	Claimed = "CLAIMED"
)

// No EXPIRED status is ever stored: expiry is inferred from a time
// comparison at claim time (see Policy.ExpiredAt). The plain getter keeps
// reporting ACTIVE for logically expired policies.

var ErrInvalidTransition = errors.New("invalid policy transition")

func CanTransition(from, to string) bool {
	return from == Active && to == Claimed
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(status string) bool {
	return status == Claimed
}

type Comparison string

const (
	GreaterThan Comparison = "GREATER_THAN"
	LessThan    Comparison = "LESS_THAN"
)

type WeatherKind string

const (
	Rainfall    WeatherKind = "RAINFALL"
	Windspeed   WeatherKind = "WINDSPEED"
	Temperature WeatherKind = "TEMPERATURE"
)

func ValidWeatherKind(k WeatherKind) bool {
	switch k {
	case Rainfall, Windspeed, Temperature:
		return true
	default:
		return false
	}
}

// Subject is the product-specific trigger descriptor, a tagged variant
// dispatched by the settlement engine to the matching trigger predicate
// and payout strategy.
type Subject interface {
	Product() string
	Validate() error
}

const (
	ProductWeather = "WEATHER"
	ProductFlight  = "FLIGHT"
)

type WeatherSubject struct {
	Location  string      `json:"location"`
	Kind      WeatherKind `json:"kind"`
	Threshold int64       `json:"threshold"`
	Compare   Comparison  `json:"compare"`
}

func (s WeatherSubject) Product() string { return ProductWeather }

func (s WeatherSubject) Validate() error {
	if strings.TrimSpace(s.Location) == "" {
		return errors.New("location required")
	}
	if !ValidWeatherKind(s.Kind) {
		return fmt.Errorf("unknown weather kind %q", s.Kind)
	}
	if s.Compare != GreaterThan && s.Compare != LessThan {
		return fmt.Errorf("unknown comparison %q", s.Compare)
	}
	return nil
}

type FlightSubject struct {
	FlightNumber     string `json:"flight_number"`
	DepartureDate    uint64 `json:"departure_date"`
	DepartureAirport string `json:"departure_airport"`
	ArrivalAirport   string `json:"arrival_airport"`
	MinDelayMinutes  uint32 `json:"min_delay_minutes"`
	Tiered           bool   `json:"tiered"`
}

func (s FlightSubject) Product() string { return ProductFlight }

func (s FlightSubject) Validate() error {
	if len(strings.TrimSpace(s.FlightNumber)) <= 2 {
		return errors.New("flight number too short")
	}
	if len(strings.TrimSpace(s.DepartureAirport)) <= 2 {
		return errors.New("departure airport code too short")
	}
	if len(strings.TrimSpace(s.ArrivalAirport)) <= 2 {
		return errors.New("arrival airport code too short")
	}
	if s.MinDelayMinutes < 30 {
		return errors.New("min delay below 30 minutes")
	}
	return nil
}

// Policy is one issued contract. Ids are assigned monotonically and never
// reused.
type Policy struct {
	ID        uint64          `json:"id"`
	Owner     ledger.Identity `json:"owner"`
	Premium   uint64          `json:"premium"`
	Coverage  uint64          `json:"coverage"`
	Subject   Subject         `json:"subject"`
	StartTime uint64          `json:"start_time"`
	EndTime   uint64          `json:"end_time"`
	Status    string          `json:"status"`
}

// ExpiredAt reports whether the claim-time expiry guard trips. The guard
// admits now == EndTime even though the validity window is notated
// [start, end); the engine preserves that behaviour.
func (p *Policy) ExpiredAt(now uint64) bool {
	return now > p.EndTime
}

// Validate checks the creation parameters shared by both product lines
// plus the subject-specific constraints.
func Validate(premium, coverage, duration uint64, subject Subject) error {
	if premium == 0 {
		return errors.New("premium must be positive")
	}
	if coverage == 0 {
		return errors.New("coverage must be positive")
	}
	if duration == 0 {
		return errors.New("duration must be positive")
	}
	if subject == nil {
		return errors.New("subject required")
	}
	return subject.Validate()
}
