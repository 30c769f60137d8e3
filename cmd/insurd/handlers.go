package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/audit"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/auth"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/engine"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/httpx"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/ledger"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/oracle"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/payout"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/policy"
	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/stream"
)

func caller(r *http.Request) ledger.Identity {
	principal, _ := auth.PrincipalFromContext(r.Context())
	return ledger.Identity(principal.Subject)
}

func policyID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "policy_id"), 10, 64)
}

// engineStatus maps taxonomy errors to HTTP statuses. Ledger errors from
// premium collection ride along so callers see a 4xx, not a 500.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrPolicyNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrPolicyExpired):
		return http.StatusGone
	case errors.Is(err, engine.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrThresholdNotMet), errors.Is(err, engine.ErrNoData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrUnknownIdentity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	code := engine.Code(err)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		code = "INSUFFICIENT_FUNDS"
	}
	s.Metrics.IncOperation(op, code)
	httpx.Error(w, engineStatus(err), err.Error(), code)
}

func (s *Server) appendAudit(ctx context.Context, e audit.Entry) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Append(ctx, e); err != nil {
		// The settlement already committed; an audit miss is logged by
		// the writer's caller, never bubbled to the client.
		s.Metrics.IncOperation("audit.append", "INTERNAL")
	}
}

type createPolicyRequest struct {
	Product  string                 `json:"product"`
	Premium  uint64                 `json:"premium"`
	Coverage uint64                 `json:"coverage"`
	Duration uint64                 `json:"duration"`
	Weather  *policy.WeatherSubject `json:"weather,omitempty"`
	Flight   *policy.FlightSubject  `json:"flight,omitempty"`
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json", "INVALID_PARAMETERS")
		return
	}
	var subject policy.Subject
	switch strings.ToUpper(strings.TrimSpace(req.Product)) {
	case policy.ProductWeather:
		if req.Weather == nil {
			httpx.Error(w, 400, "weather subject required", "INVALID_PARAMETERS")
			return
		}
		subject = *req.Weather
	case policy.ProductFlight:
		if req.Flight == nil {
			httpx.Error(w, 400, "flight subject required", "INVALID_PARAMETERS")
			return
		}
		subject = *req.Flight
	default:
		httpx.Error(w, 400, "unknown product", "INVALID_PARAMETERS")
		return
	}
	id, err := s.Engine.CreatePolicy(r.Context(), caller(r), engine.CreateParams{
		Premium:  req.Premium,
		Coverage: req.Coverage,
		Duration: req.Duration,
		Subject:  subject,
	})
	if err != nil {
		s.writeEngineError(w, "policy.create", err)
		return
	}
	s.Metrics.IncOperation("policy.create", "OK")
	s.Metrics.AddPolicyIssued(req.Premium)
	detail, _ := json.Marshal(map[string]any{
		"product":  subject.Product(),
		"premium":  req.Premium,
		"coverage": req.Coverage,
	})
	s.appendAudit(r.Context(), audit.Entry{
		PolicyID: id,
		Actor:    string(caller(r)),
		Action:   engine.EventPolicyCreated,
		Code:     "OK",
		Detail:   detail,
	})
	p, _ := s.Engine.Policy(id)
	httpx.WriteJSON(w, 201, map[string]any{"policy_id": id, "policy": p})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := policyID(r)
	if err != nil {
		httpx.Error(w, 400, "invalid policy id", "INVALID_PARAMETERS")
		return
	}
	p, ok := s.Engine.Policy(id)
	if !ok {
		s.writeEngineError(w, "policy.get", engine.ErrPolicyNotFound)
		return
	}
	resp := map[string]any{"policy": p}
	if rec, ok := s.Engine.ClaimRecord(id); ok {
		resp["claim"] = rec
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) checkEligibility(w http.ResponseWriter, r *http.Request) {
	id, err := policyID(r)
	if err != nil {
		httpx.Error(w, 400, "invalid policy id", "INVALID_PARAMETERS")
		return
	}
	result, err := s.Engine.Check(id, caller(r))
	if err != nil {
		s.writeEngineError(w, "policy.check", err)
		return
	}
	s.Metrics.IncOperation("policy.check", result.Reason)
	httpx.WriteJSON(w, 200, result)
}

func (s *Server) getClaim(w http.ResponseWriter, r *http.Request) {
	id, err := policyID(r)
	if err != nil {
		httpx.Error(w, 400, "invalid policy id", "INVALID_PARAMETERS")
		return
	}
	if _, ok := s.Engine.Policy(id); !ok {
		s.writeEngineError(w, "claim.get", engine.ErrPolicyNotFound)
		return
	}
	rec, ok := s.Engine.ClaimRecord(id)
	if !ok {
		httpx.WriteJSON(w, 200, map[string]any{"policy_id": id, "claimed": false})
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

type claimResponse struct {
	PolicyID uint64       `json:"policy_id"`
	Payout   uint64       `json:"payout"`
	Claim    engine.Claim `json:"claim"`
}

func (s *Server) claimPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := policyID(r)
	if err != nil {
		httpx.Error(w, 400, "invalid policy id", "INVALID_PARAMETERS")
		return
	}
	who := caller(r)
	if s.RateLimitEnabled && s.RateLimiter != nil {
		decision := s.RateLimiter.Allow(string(who), s.RateLimitPerMinute)
		if !decision.Allowed {
			retry := int(time.Until(decision.ResetAt) / time.Second)
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.Error(w, 429, "rate limit exceeded", "RATE_LIMITED")
			return
		}
	}
	idemKey := scopedIdempotencyKey(who, id, r.Header.Get("Idempotency-Key"))
	if s.Cache == nil {
		idemKey = ""
	}
	if idemKey != "" {
		reserved, err := s.Cache.SetNX(r.Context(), idemKey, claimPendingMarker, s.IdempotencyTTL)
		if err == nil && !reserved {
			cached, err := s.Cache.Get(r.Context(), idemKey)
			if err == nil && cached != "" && cached != claimPendingMarker {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(200)
				_, _ = w.Write([]byte(cached))
				return
			}
			httpx.Error(w, 409, "a claim with this idempotency key is still settling", "CLAIM_IN_PROGRESS")
			return
		}
	}
	amount, err := s.Engine.ClaimPolicy(r.Context(), id, who)
	if err != nil {
		// Release the reservation so the caller can retry once the
		// failure condition clears.
		if idemKey != "" {
			_ = s.Cache.Del(r.Context(), idemKey)
		}
		s.writeEngineError(w, "policy.claim", err)
		return
	}
	rec, _ := s.Engine.ClaimRecord(id)
	resp := claimResponse{PolicyID: id, Payout: amount, Claim: rec}
	s.Metrics.IncOperation("policy.claim", "OK")
	s.Metrics.AddClaimSettled(amount)
	detail, _ := json.Marshal(rec)
	s.appendAudit(r.Context(), audit.Entry{
		PolicyID: id,
		Actor:    string(who),
		Action:   engine.EventClaimSettled,
		Code:     "OK",
		Payout:   amount,
		Detail:   detail,
	})
	if idemKey != "" {
		if body, err := json.Marshal(resp); err == nil {
			_ = s.Cache.Set(r.Context(), idemKey, string(body), s.IdempotencyTTL)
		}
	}
	httpx.WriteJSON(w, 200, resp)
}

// claimPendingMarker reserves an idempotency key while its claim is in
// flight, before the settled response replaces it.
const claimPendingMarker = "__settling__"

// scopedIdempotencyKey binds a caller-supplied key to both the caller and
// the policy, so one key reused across policies never replays another
// policy's settlement.
func scopedIdempotencyKey(who ledger.Identity, policyID uint64, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return "claim:" + strings.ToLower(string(who)) + "|" + strconv.FormatUint(policyID, 10) + "|" + key
}

type weatherSubmitRequest struct {
	Location   string `json:"location"`
	Kind       string `json:"kind"`
	Value      int64  `json:"value"`
	MeasuredAt uint64 `json:"measured_at"`
}

func (s *Server) submitWeather(w http.ResponseWriter, r *http.Request) {
	var req weatherSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json", "INVALID_PARAMETERS")
		return
	}
	kind := policy.WeatherKind(strings.ToUpper(strings.TrimSpace(req.Kind)))
	if !policy.ValidWeatherKind(kind) {
		httpx.Error(w, 400, "unknown weather kind", "INVALID_PARAMETERS")
		return
	}
	key := oracle.WeatherKey{Bucket: req.MeasuredAt, Location: req.Location, Kind: kind}
	err := s.Engine.SubmitWeather(caller(r), key, oracle.WeatherReading{
		Value:      req.Value,
		MeasuredAt: req.MeasuredAt,
	})
	if err != nil {
		s.writeEngineError(w, "oracle.weather", err)
		return
	}
	s.Metrics.IncOperation("oracle.weather", "OK")
	httpx.WriteJSON(w, 200, map[string]string{"status": "recorded"})
}

func (s *Server) getWeather(w http.ResponseWriter, r *http.Request) {
	at, err := strconv.ParseUint(r.URL.Query().Get("at"), 10, 64)
	if err != nil {
		httpx.Error(w, 400, "invalid at parameter", "INVALID_PARAMETERS")
		return
	}
	kind := policy.WeatherKind(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("kind"))))
	key := oracle.WeatherKey{Bucket: at, Location: r.URL.Query().Get("location"), Kind: kind}
	rec, ok := s.Engine.WeatherRecord(key)
	if !ok {
		httpx.Error(w, 404, "no oracle data", "NO_DATA")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

type flightSubmitRequest struct {
	FlightNumber  string `json:"flight_number"`
	DepartureDate uint64 `json:"departure_date"`
	Status        string `json:"status"`
	DelayMinutes  uint32 `json:"delay_minutes"`
	ReportedAt    uint64 `json:"reported_at"`
}

func (s *Server) submitFlight(w http.ResponseWriter, r *http.Request) {
	var req flightSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json", "INVALID_PARAMETERS")
		return
	}
	status := oracle.FlightStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !oracle.ValidFlightStatus(status) {
		httpx.Error(w, 400, "unknown flight status", "INVALID_PARAMETERS")
		return
	}
	key := oracle.FlightKey{FlightNumber: req.FlightNumber, DepartureDate: req.DepartureDate}
	err := s.Engine.SubmitFlight(caller(r), key, oracle.FlightReading{
		Status:       status,
		DelayMinutes: req.DelayMinutes,
		ReportedAt:   req.ReportedAt,
	})
	if err != nil {
		s.writeEngineError(w, "oracle.flight", err)
		return
	}
	s.Metrics.IncOperation("oracle.flight", "OK")
	httpx.WriteJSON(w, 200, map[string]string{"status": "recorded"})
}

func (s *Server) getFlight(w http.ResponseWriter, r *http.Request) {
	departure, err := strconv.ParseUint(r.URL.Query().Get("departure_date"), 10, 64)
	if err != nil {
		httpx.Error(w, 400, "invalid departure_date parameter", "INVALID_PARAMETERS")
		return
	}
	key := oracle.FlightKey{
		FlightNumber:  r.URL.Query().Get("flight_number"),
		DepartureDate: departure,
	}
	rec, ok := s.Engine.FlightRecord(key)
	if !ok {
		httpx.Error(w, 404, "no oracle data", "NO_DATA")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]uint64{"balance": s.Engine.PoolBalance()})
}

func (s *Server) getTier(w http.ResponseWriter, r *http.Request) {
	tier := payout.Tier(strings.ToUpper(chi.URLParam(r, "tier")))
	pct, ok := s.Engine.PayoutTier(tier)
	if !ok {
		httpx.Error(w, 404, "unknown tier", "INVALID_PARAMETERS")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"tier": tier, "percentage": pct})
}

func (s *Server) setTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percentage uint8 `json:"percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json", "INVALID_PARAMETERS")
		return
	}
	tier := payout.Tier(strings.ToUpper(chi.URLParam(r, "tier")))
	if err := s.Engine.SetPayoutTier(caller(r), tier, req.Percentage); err != nil {
		s.writeEngineError(w, "tier.set", err)
		return
	}
	s.Metrics.IncOperation("tier.set", "OK")
	httpx.WriteJSON(w, 200, map[string]any{"tier": tier, "percentage": req.Percentage})
}

func (s *Server) getAdmin(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]ledger.Identity{
		"administrator": s.Engine.Administrator(),
		"oracle":        s.Engine.Oracle(),
	})
}

type identityRequest struct {
	Identity ledger.Identity `json:"identity"`
}

func (s *Server) setOracle(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json", "INVALID_PARAMETERS")
		return
	}
	if err := s.Engine.SetOracle(caller(r), req.Identity); err != nil {
		s.writeEngineError(w, "admin.oracle", err)
		return
	}
	s.Metrics.IncOperation("admin.oracle", "OK")
	httpx.WriteJSON(w, 200, map[string]ledger.Identity{"oracle": req.Identity})
}

func (s *Server) transferAdmin(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json", "INVALID_PARAMETERS")
		return
	}
	if err := s.Engine.TransferAdministrator(caller(r), req.Identity); err != nil {
		s.writeEngineError(w, "admin.transfer", err)
		return
	}
	s.Metrics.IncOperation("admin.transfer", "OK")
	httpx.WriteJSON(w, 200, map[string]ledger.Identity{"administrator": req.Identity})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.Identity(chi.URLParam(r, "account_id"))
	if !id.Valid() {
		httpx.Error(w, 400, "invalid account id", "INVALID_PARAMETERS")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"account": id, "balance": s.Ledger.Balance(id)})
}

// mintAccount is the operator facility for funding test and pool
// accounts. Administrator identity only.
func (s *Server) mintAccount(w http.ResponseWriter, r *http.Request) {
	if caller(r) != s.Engine.Administrator() {
		s.writeEngineError(w, "account.mint", engine.ErrUnauthorized)
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json", "INVALID_PARAMETERS")
		return
	}
	if req.Amount == 0 {
		httpx.Error(w, 400, "amount must be positive", "INVALID_PARAMETERS")
		return
	}
	id := ledger.Identity(chi.URLParam(r, "account_id"))
	if !id.Valid() {
		httpx.Error(w, 400, "invalid account id", "INVALID_PARAMETERS")
		return
	}
	s.Ledger.Mint(id, req.Amount)
	s.Metrics.IncOperation("account.mint", "OK")
	httpx.WriteJSON(w, 200, map[string]any{"account": id, "balance": s.Ledger.Balance(id)})
}

func (s *Server) getAuditTrail(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, 503, "audit trail disabled", "INTERNAL")
		return
	}
	id, err := policyID(r)
	if err != nil {
		httpx.Error(w, 400, "invalid policy id", "INVALID_PARAMETERS")
		return
	}
	entries, err := s.Audit.ListByPolicy(r.Context(), id)
	if err != nil {
		httpx.Error(w, 500, "audit lookup failed", "INTERNAL")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"policy_id": id, "entries": entries})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable", "INTERNAL")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.Ready())
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
