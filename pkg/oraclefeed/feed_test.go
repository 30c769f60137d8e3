package oraclefeed

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/ledger"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/oracle"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/policy"
)

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaConsumer(KafkaConfig{Topic: "oracle", GroupID: "g1"})
	if err == nil {
		t.Fatal("expected error when brokers are missing")
	}

	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g1"})
	if err == nil {
		t.Fatal("expected error when topic is missing")
	}

	_, err = NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "oracle"})
	if err == nil {
		t.Fatal("expected error when group id is missing")
	}
}

func TestNewKafkaConsumerTrimsBrokerList(t *testing.T) {
	t.Parallel()

	consumer, err := NewKafkaConsumer(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "oracle",
		GroupID: "g1",
	})
	if err != nil {
		t.Fatalf("expected valid consumer config, got error: %v", err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaConsumerGuards(t *testing.T) {
	t.Parallel()

	var nilConsumer *KafkaConsumer
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for nil consumer")
	}
	if _, err := (&KafkaConsumer{}).ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for uninitialized reader")
	}
}

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaConsumerReadMessage(t *testing.T) {
	t.Run("reader_error", func(t *testing.T) {
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("read failed")}}
		if _, err := consumer.ReadMessage(context.Background()); err == nil {
			t.Fatal("expected reader error")
		}
	})

	t.Run("reader_success", func(t *testing.T) {
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Value: []byte(`{"product":"weather"}`)}}}
		msg, err := consumer.ReadMessage(context.Background())
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if string(msg.Value) != `{"product":"weather"}` {
			t.Fatalf("unexpected message value: %s", string(msg.Value))
		}
	})
}

type fakeSink struct {
	weatherCaller ledger.Identity
	weatherKey    oracle.WeatherKey
	weather       oracle.WeatherReading
	flightCaller  ledger.Identity
	flightKey     oracle.FlightKey
	flight        oracle.FlightReading
	weatherHits   int
	flightHits    int
	err           error
}

func (f *fakeSink) SubmitWeather(caller ledger.Identity, key oracle.WeatherKey, reading oracle.WeatherReading) error {
	f.weatherHits++
	f.weatherCaller, f.weatherKey, f.weather = caller, key, reading
	return f.err
}

func (f *fakeSink) SubmitFlight(caller ledger.Identity, key oracle.FlightKey, reading oracle.FlightReading) error {
	f.flightHits++
	f.flightCaller, f.flightKey, f.flight = caller, key, reading
	return f.err
}

func TestRunnerApplyWeather(t *testing.T) {
	sink := &fakeSink{}
	r := &Runner{Sink: sink, Oracle: "oracle-svc"}

	raw := []byte(`{"product":"weather","location":"miami","kind":"RAINFALL","value":140,"measured_at":1000000}`)
	if err := r.apply(raw); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sink.weatherHits != 1 {
		t.Fatalf("expected one weather submit, got %d", sink.weatherHits)
	}
	if sink.weatherCaller != "oracle-svc" {
		t.Fatalf("wrong caller: %s", sink.weatherCaller)
	}
	want := oracle.WeatherKey{Bucket: 1000000, Location: "miami", Kind: policy.Rainfall}
	if sink.weatherKey != want {
		t.Fatalf("key = %+v, want %+v", sink.weatherKey, want)
	}
	if sink.weather.Value != 140 || sink.weather.MeasuredAt != 1000000 {
		t.Fatalf("reading = %+v", sink.weather)
	}
}

func TestRunnerApplyFlight(t *testing.T) {
	sink := &fakeSink{}
	r := &Runner{Sink: sink, Oracle: "oracle-svc"}

	raw := []byte(`{"product":"flight","flight_number":"UA100","departure_date":1000000,"status":"DELAYED","delay_minutes":95,"reported_at":1003600}`)
	if err := r.apply(raw); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sink.flightHits != 1 {
		t.Fatalf("expected one flight submit, got %d", sink.flightHits)
	}
	if sink.flightKey != (oracle.FlightKey{FlightNumber: "UA100", DepartureDate: 1000000}) {
		t.Fatalf("key = %+v", sink.flightKey)
	}
	if sink.flight.Status != oracle.Delayed || sink.flight.DelayMinutes != 95 {
		t.Fatalf("reading = %+v", sink.flight)
	}
}

func TestRunnerApplyRejects(t *testing.T) {
	sink := &fakeSink{}
	r := &Runner{Sink: sink, Oracle: "oracle-svc"}

	bad := [][]byte{
		[]byte(`not json`),
		[]byte(`{"product":"equity"}`),
		[]byte(`{"product":"weather","location":"miami","kind":"HUMIDITY"}`),
		[]byte(`{"product":"weather","kind":"RAINFALL"}`),
		[]byte(`{"product":"flight","flight_number":"UA100","status":"DIVERTED"}`),
		[]byte(`{"product":"flight","status":"DELAYED"}`),
	}
	for _, raw := range bad {
		if err := r.apply(raw); err == nil {
			t.Fatalf("expected apply error for %s", raw)
		}
	}
	if sink.weatherHits != 0 || sink.flightHits != 0 {
		t.Fatal("rejected messages must not reach the sink")
	}
}

type scriptedBus struct {
	msgs []Message
	errs []error
	idx  int
}

func (b *scriptedBus) ReadMessage(ctx context.Context) (Message, error) {
	if b.idx >= len(b.msgs) {
		<-ctx.Done()
		return Message{}, ctx.Err()
	}
	msg, err := b.msgs[b.idx], b.errs[b.idx]
	b.idx++
	return msg, err
}

func (b *scriptedBus) Close() error { return nil }

func TestRunnerRunDrainsAndStops(t *testing.T) {
	oldSleep := feedRetrySleep
	feedRetrySleep = func() {}
	defer func() { feedRetrySleep = oldSleep }()

	sink := &fakeSink{}
	bus := &scriptedBus{
		msgs: []Message{
			{Value: []byte(`{"product":"weather","location":"miami","kind":"RAINFALL","value":10,"measured_at":5}`)},
			{},
			{Value: []byte(`garbage`)},
			{Value: []byte(`{"product":"flight","flight_number":"UA100","departure_date":5,"status":"ON_TIME"}`)},
		},
		errs: []error{nil, errors.New("broker hiccup"), nil, nil},
	}
	r := &Runner{Bus: bus, Sink: sink, Oracle: "oracle-svc"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if sink.weatherHits+sink.flightHits > 2 {
		t.Fatalf("too many submits: weather=%d flight=%d", sink.weatherHits, sink.flightHits)
	}
}
