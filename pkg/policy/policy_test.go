package policy

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	got, err := Transition(Active, Claimed)
	if err != nil || got != Claimed {
		t.Fatalf("Transition(Active, Claimed) = %q, %v", got, err)
	}
	if _, err := Transition(Claimed, Active); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := Transition(Claimed, Claimed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if !IsTerminal(Claimed) || IsTerminal(Active) {
		t.Fatal("terminal status misreported")
	}
}

func TestExpiredAt(t *testing.T) {
	p := &Policy{StartTime: 100, EndTime: 200}
	if p.ExpiredAt(199) {
		t.Fatal("expired inside window")
	}
	if p.ExpiredAt(200) {
		t.Fatal("claim guard admits now == end-time")
	}
	if !p.ExpiredAt(201) {
		t.Fatal("not expired past end-time")
	}
}

func TestValidateWeatherSubject(t *testing.T) {
	t.Parallel()
	base := WeatherSubject{Location: "MIA", Kind: Rainfall, Threshold: 100, Compare: GreaterThan}
	tests := []struct {
		name    string
		mutate  func(*WeatherSubject)
		wantErr bool
	}{
		{name: "valid", mutate: func(s *WeatherSubject) {}},
		{name: "blank_location", mutate: func(s *WeatherSubject) { s.Location = " " }, wantErr: true},
		{name: "unknown_kind", mutate: func(s *WeatherSubject) { s.Kind = "HUMIDITY" }, wantErr: true},
		{name: "unknown_comparison", mutate: func(s *WeatherSubject) { s.Compare = "EQUALS" }, wantErr: true},
		{name: "less_than_allowed", mutate: func(s *WeatherSubject) { s.Compare = LessThan }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := base
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateFlightSubject(t *testing.T) {
	t.Parallel()
	base := FlightSubject{
		FlightNumber:     "UA1234",
		DepartureDate:    20260901,
		DepartureAirport: "SFO",
		ArrivalAirport:   "JFK",
		MinDelayMinutes:  45,
	}
	tests := []struct {
		name    string
		mutate  func(*FlightSubject)
		wantErr bool
	}{
		{name: "valid", mutate: func(s *FlightSubject) {}},
		{name: "short_flight_number", mutate: func(s *FlightSubject) { s.FlightNumber = "U1" }, wantErr: true},
		{name: "short_departure_iata", mutate: func(s *FlightSubject) { s.DepartureAirport = "SF" }, wantErr: true},
		{name: "short_arrival_iata", mutate: func(s *FlightSubject) { s.ArrivalAirport = "JK" }, wantErr: true},
		{name: "min_delay_below_floor", mutate: func(s *FlightSubject) { s.MinDelayMinutes = 29 }, wantErr: true},
		{name: "min_delay_at_floor", mutate: func(s *FlightSubject) { s.MinDelayMinutes = 30 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := base
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateCreationParameters(t *testing.T) {
	sub := WeatherSubject{Location: "MIA", Kind: Windspeed, Threshold: 120, Compare: GreaterThan}
	if err := Validate(0, 1000, 86400, sub); err == nil {
		t.Fatal("zero premium accepted")
	}
	if err := Validate(10, 0, 86400, sub); err == nil {
		t.Fatal("zero coverage accepted")
	}
	if err := Validate(10, 1000, 0, sub); err == nil {
		t.Fatal("zero duration accepted")
	}
	if err := Validate(10, 1000, 86400, nil); err == nil {
		t.Fatal("nil subject accepted")
	}
	if err := Validate(10, 1000, 86400, sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
