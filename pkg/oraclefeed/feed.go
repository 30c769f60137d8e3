package oraclefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/ledger"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/oracle"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/policy"
)

// Sink receives decoded oracle readings. The engine satisfies it.
type Sink interface {
	SubmitWeather(caller ledger.Identity, key oracle.WeatherKey, reading oracle.WeatherReading) error
	SubmitFlight(caller ledger.Identity, key oracle.FlightKey, reading oracle.FlightReading) error
}

// envelope is the wire format published by upstream data providers.
// product selects which reading block is honored.
type envelope struct {
	Product string `json:"product"`

	Location   string `json:"location,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Value      int64  `json:"value,omitempty"`
	MeasuredAt uint64 `json:"measured_at,omitempty"`

	FlightNumber  string `json:"flight_number,omitempty"`
	DepartureDate uint64 `json:"departure_date,omitempty"`
	Status        string `json:"status,omitempty"`
	DelayMinutes  uint32 `json:"delay_minutes,omitempty"`
	ReportedAt    uint64 `json:"reported_at,omitempty"`
}

var feedRetrySleep = func() { time.Sleep(500 * time.Millisecond) }

// Runner drains the feed and applies each reading under the oracle
// identity. Malformed or rejected messages are logged and skipped so one
// bad producer cannot stall the partition.
type Runner struct {
	Bus    Consumer
	Sink   Sink
	Oracle ledger.Identity
}

func (r *Runner) Run(ctx context.Context) {
	for {
		msg, err := r.Bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("oracle feed read error: %v", err)
			feedRetrySleep()
			continue
		}
		if err := r.apply(msg.Value); err != nil {
			log.Printf("oracle feed apply error: %v", err)
		}
	}
}

func (r *Runner) apply(raw []byte) error {
	var evt envelope
	if err := json.Unmarshal(raw, &evt); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(evt.Product)) {
	case "weather":
		kind := policy.WeatherKind(evt.Kind)
		if !policy.ValidWeatherKind(kind) {
			return fmt.Errorf("unknown weather kind %q", evt.Kind)
		}
		if evt.Location == "" {
			return fmt.Errorf("weather reading missing location")
		}
		key := oracle.WeatherKey{Bucket: evt.MeasuredAt, Location: evt.Location, Kind: kind}
		return r.Sink.SubmitWeather(r.Oracle, key, oracle.WeatherReading{
			Value:      evt.Value,
			MeasuredAt: evt.MeasuredAt,
		})
	case "flight":
		status := oracle.FlightStatus(evt.Status)
		if !oracle.ValidFlightStatus(status) {
			return fmt.Errorf("unknown flight status %q", evt.Status)
		}
		if evt.FlightNumber == "" {
			return fmt.Errorf("flight reading missing flight number")
		}
		key := oracle.FlightKey{FlightNumber: evt.FlightNumber, DepartureDate: evt.DepartureDate}
		return r.Sink.SubmitFlight(r.Oracle, key, oracle.FlightReading{
			Status:       status,
			DelayMinutes: evt.DelayMinutes,
			ReportedAt:   evt.ReportedAt,
		})
	default:
		return fmt.Errorf("unknown product %q", evt.Product)
	}
}
