package oracle

import (
	"sync"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/policy"
)

// FlightStatus is the reported disposition of a tracked flight.
type FlightStatus string

const (
	OnTime    FlightStatus = "ON_TIME"
	Delayed   FlightStatus = "DELAYED"
	Cancelled FlightStatus = "CANCELLED"
)

func ValidFlightStatus(s FlightStatus) bool {
	switch s {
	case OnTime, Delayed, Cancelled:
		return true
	default:
		return false
	}
}

// WeatherKey is the natural key of a weather measurement. Bucket is the
// measurement time quantised to the store's bucket size, so a claim can
// look up the reading covering the current logical time.
type WeatherKey struct {
	Bucket   uint64
	Location string
	Kind     policy.WeatherKind
}

// FlightKey is the natural key of a flight report.
type FlightKey struct {
	FlightNumber  string
	DepartureDate uint64
}

type WeatherReading struct {
	Value      int64  `json:"value"`
	MeasuredAt uint64 `json:"measured_at"`
}

type FlightReading struct {
	Status       FlightStatus `json:"status"`
	DelayMinutes uint32       `json:"delay_minutes"`
	ReportedAt   uint64       `json:"reported_at"`
}

// Store is the keyed measurement ledger. Writes are idempotent
// last-write-wins per key: no history, no duplicate detection, no
// plausibility validation. Authorization of the writer is the engine's
// concern; garbage-in is accepted verbatim.
type Store struct {
	mu      sync.RWMutex
	bucket  uint64
	weather map[WeatherKey]WeatherReading
	flights map[FlightKey]FlightReading
}

// DefaultBucket quantises weather measurement times to day-equivalent
// logical units.
const DefaultBucket uint64 = 86400

func NewStore(bucket uint64) *Store {
	if bucket == 0 {
		bucket = DefaultBucket
	}
	return &Store{
		bucket:  bucket,
		weather: map[WeatherKey]WeatherReading{},
		flights: map[FlightKey]FlightReading{},
	}
}

// BucketOf maps a logical time to its weather bucket.
func (s *Store) BucketOf(t uint64) uint64 {
	return t - t%s.bucket
}

func (s *Store) PutWeather(key WeatherKey, reading WeatherReading) {
	key.Bucket = s.BucketOf(key.Bucket)
	s.mu.Lock()
	s.weather[key] = reading
	s.mu.Unlock()
}

func (s *Store) Weather(key WeatherKey) (WeatherReading, bool) {
	key.Bucket = s.BucketOf(key.Bucket)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.weather[key]
	return r, ok
}

func (s *Store) PutFlight(key FlightKey, reading FlightReading) {
	s.mu.Lock()
	s.flights[key] = reading
	s.mu.Unlock()
}

func (s *Store) Flight(key FlightKey) (FlightReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.flights[key]
	return r, ok
}
