package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type fakeInsurdDB struct {
	execErr error
	closed  bool
}

func (f *fakeInsurdDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	_ = sql
	_ = args
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeInsurdDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	_ = sql
	_ = args
	return &emptyRows{}, nil
}

func (f *fakeInsurdDB) Close() { f.closed = true }

type emptyRows struct{}

func (emptyRows) Close()                                       {}
func (emptyRows) Err() error                                   { return nil }
func (emptyRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (emptyRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (emptyRows) Next() bool                                   { return false }
func (emptyRows) Scan(dest ...any) error                       { return errors.New("no rows") }
func (emptyRows) Values() ([]any, error)                       { return nil, nil }
func (emptyRows) RawValues() [][]byte                          { return nil }
func (emptyRows) Conn() *pgx.Conn                              { return nil }

func okTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func noRedis(ctx context.Context) (*redis.Client, error) {
	return nil, errors.New("redis unavailable")
}

func TestRunEngineEdges(t *testing.T) {
	t.Run("telemetry_error", func(t *testing.T) {
		err := runEngine(
			func(ctx context.Context, service string) (func(context.Context) error, error) {
				return nil, errors.New("telemetry failed")
			},
			nil, nil, nil, nil,
		)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("db_error", func(t *testing.T) {
		t.Setenv("AUDIT_ENABLED", "true")
		err := runEngine(
			okTelemetry,
			func(ctx context.Context) (insurdDBCloser, error) { return nil, errors.New("db failed") },
			nil, nil, nil,
		)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("missing_listen", func(t *testing.T) {
		t.Setenv("AUDIT_ENABLED", "false")
		err := runEngine(okTelemetry, nil, noRedis, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "listen") {
			t.Fatalf("expected listen error, got %v", err)
		}
	})
}

func TestRunEngineFullLifecycle(t *testing.T) {
	t.Setenv("ADDR", "127.0.0.1:0")
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("AUDIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("KAFKA_ENABLED", "false")

	db := &fakeInsurdDB{}
	now := uint64(time.Now().Unix())

	var handler http.Handler
	err := runEngine(
		okTelemetry,
		func(ctx context.Context) (insurdDBCloser, error) { return db, nil },
		noRedis,
		func(server *http.Server) error {
			handler = server.Handler

			do := func(method, path, who, body string) *httptest.ResponseRecorder {
				rr := httptest.NewRecorder()
				var req *http.Request
				if body != "" {
					req = httptest.NewRequest(method, path, strings.NewReader(body))
				} else {
					req = httptest.NewRequest(method, path, nil)
				}
				if who != "" {
					req.Header.Set("X-Caller", who)
				}
				handler.ServeHTTP(rr, req)
				return rr
			}

			if rr := do(http.MethodGet, "/healthz", "", ""); rr.Code != 200 {
				return fmt.Errorf("healthz: %d", rr.Code)
			}
			if rr := do(http.MethodPost, "/v1/accounts/alice/mint", "administrator", `{"amount":1000}`); rr.Code != 200 {
				return fmt.Errorf("mint: %d %s", rr.Code, rr.Body.String())
			}
			policyBody := `{"product":"WEATHER","premium":100,"coverage":100,"duration":86400,
				"weather":{"location":"miami","kind":"RAINFALL","threshold":50,"compare":"GREATER_THAN"}}`
			if rr := do(http.MethodPost, "/v1/policies", "alice", policyBody); rr.Code != 201 {
				return fmt.Errorf("create policy: %d %s", rr.Code, rr.Body.String())
			}
			weatherBody := fmt.Sprintf(`{"location":"miami","kind":"RAINFALL","value":80,"measured_at":%d}`, now)
			if rr := do(http.MethodPost, "/v1/oracle/weather", "oracle", weatherBody); rr.Code != 200 {
				return fmt.Errorf("submit weather: %d %s", rr.Code, rr.Body.String())
			}
			rr := do(http.MethodPost, "/v1/policies/1/claim", "alice", "")
			if rr.Code != 200 {
				return fmt.Errorf("claim: %d %s", rr.Code, rr.Body.String())
			}
			var resp claimResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.Payout != 100 {
				return fmt.Errorf("claim payload: %s", rr.Body.String())
			}
			if rr := do(http.MethodGet, "/v1/pool", "alice", ""); rr.Code != 200 {
				return fmt.Errorf("pool: %d", rr.Code)
			}
			if rr := do(http.MethodGet, "/metrics", "alice", ""); rr.Code != 200 {
				return fmt.Errorf("metrics: %d", rr.Code)
			}
			if rr := do(http.MethodGet, "/v1/audit/1", "alice", ""); rr.Code != 200 {
				return fmt.Errorf("audit: %d %s", rr.Code, rr.Body.String())
			}
			return errors.New("test-stop")
		},
		nil,
	)
	if err == nil || err.Error() != "test-stop" {
		t.Fatalf("expected test-stop, got %v", err)
	}
	if !db.closed {
		t.Fatal("db not closed")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("INSURD_TEST_STR", "value")
	if got := env("INSURD_TEST_STR", "def"); got != "value" {
		t.Fatalf("env = %q", got)
	}
	if got := env("INSURD_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("env default = %q", got)
	}
	t.Setenv("INSURD_TEST_INT", "42")
	if got := envInt("INSURD_TEST_INT", 7); got != 42 {
		t.Fatalf("envInt = %d", got)
	}
	t.Setenv("INSURD_TEST_INT", "not-a-number")
	if got := envInt("INSURD_TEST_INT", 7); got != 7 {
		t.Fatalf("envInt fallback = %d", got)
	}
	if got := envDurationSec("INSURD_TEST_DUR", 5); got != 5*time.Second {
		t.Fatalf("envDurationSec = %v", got)
	}
}
