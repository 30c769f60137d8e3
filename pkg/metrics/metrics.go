package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/httpx"
)

// Registry is the in-process operational counter set exposed at /metrics.
type Registry struct {
	mu             sync.RWMutex
	started        time.Time
	operations     map[string]map[string]int64
	policiesIssued int64
	claimsSettled  int64
	premiumTotal   uint64
	payoutTotal    uint64
	endpoints      map[string]*EndpointStat
	poolBalance    func() uint64
	eventsDropped  func() uint64
}

type EndpointStat struct {
	Count     int64 `json:"count"`
	Errors    int64 `json:"errors"`
	TotalMS   int64 `json:"total_ms"`
	MaxMS     int64 `json:"max_ms"`
	AverageMS int64 `json:"avg_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		started:    time.Now().UTC(),
		operations: map[string]map[string]int64{},
		endpoints:  map[string]*EndpointStat{},
	}
}

// SetPoolBalanceFunc installs the pool gauge read on snapshot.
func (r *Registry) SetPoolBalanceFunc(fn func() uint64) {
	r.mu.Lock()
	r.poolBalance = fn
	r.mu.Unlock()
}

// SetEventsDroppedFunc installs the stream-drop gauge read on snapshot.
func (r *Registry) SetEventsDroppedFunc(fn func() uint64) {
	r.mu.Lock()
	r.eventsDropped = fn
	r.mu.Unlock()
}

// IncOperation counts one engine operation by outcome code.
func (r *Registry) IncOperation(op, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byCode, ok := r.operations[op]
	if !ok {
		byCode = map[string]int64{}
		r.operations[op] = byCode
	}
	byCode[code]++
}

func (r *Registry) AddPolicyIssued(premium uint64) {
	r.mu.Lock()
	r.policiesIssued++
	r.premiumTotal += premium
	r.mu.Unlock()
}

func (r *Registry) AddClaimSettled(payout uint64) {
	r.mu.Lock()
	r.claimsSettled++
	r.payoutTotal += payout
	r.mu.Unlock()
}

// ObserveEndpoint records one served request.
func (r *Registry) ObserveEndpoint(route string, status int, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoints[route]
	if !ok {
		stat = &EndpointStat{}
		r.endpoints[route] = stat
	}
	stat.Count++
	if status >= 500 {
		stat.Errors++
	}
	stat.TotalMS += ms
	if ms > stat.MaxMS {
		stat.MaxMS = ms
	}
	stat.AverageMS = stat.TotalMS / stat.Count
}

type Snapshot struct {
	UptimeSec      int64                       `json:"uptime_sec"`
	PoolBalance    uint64                      `json:"pool_balance"`
	PoliciesIssued int64                       `json:"policies_issued"`
	ClaimsSettled  int64                       `json:"claims_settled"`
	PremiumTotal   uint64                      `json:"premium_total"`
	PayoutTotal    uint64                      `json:"payout_total"`
	EventsDropped  uint64                      `json:"events_dropped"`
	Operations     map[string]map[string]int64 `json:"operations"`
	Endpoints      map[string]EndpointStat     `json:"endpoints"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		UptimeSec:      int64(time.Since(r.started).Seconds()),
		PoliciesIssued: r.policiesIssued,
		ClaimsSettled:  r.claimsSettled,
		PremiumTotal:   r.premiumTotal,
		PayoutTotal:    r.payoutTotal,
		Operations:     map[string]map[string]int64{},
		Endpoints:      map[string]EndpointStat{},
	}
	if r.poolBalance != nil {
		snap.PoolBalance = r.poolBalance()
	}
	if r.eventsDropped != nil {
		snap.EventsDropped = r.eventsDropped()
	}
	for op, byCode := range r.operations {
		copied := make(map[string]int64, len(byCode))
		for code, n := range byCode {
			copied[code] = n
		}
		snap.Operations[op] = copied
	}
	for route, stat := range r.endpoints {
		snap.Endpoints[route] = *stat
	}
	return snap
}

// Handler serves the JSON snapshot.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}
