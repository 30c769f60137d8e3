package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Identity is an opaque host-ledger account identifier.
type Identity string

func (id Identity) Valid() bool {
	return strings.TrimSpace(string(id)) != ""
}

// Clock supplies the current logical time, a monotonically increasing
// counter analogous to host-ledger block height.
type Clock interface {
	Now() uint64
}

// Transferor moves a fungible balance between identities atomically.
type Transferor interface {
	Transfer(ctx context.Context, from, to Identity, amount uint64) error
}

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownIdentity     = errors.New("unknown identity")
)

// SystemClock maps logical time to unix seconds.
type SystemClock struct{}

func (SystemClock) Now() uint64 {
	return uint64(time.Now().Unix())
}

// FixedClock is a settable clock for deterministic runs.
type FixedClock struct {
	mu sync.Mutex
	t  uint64
}

func NewFixedClock(t uint64) *FixedClock {
	return &FixedClock{t: t}
}

func (c *FixedClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Advance(delta uint64) {
	c.mu.Lock()
	c.t += delta
	c.mu.Unlock()
}

func (c *FixedClock) Set(t uint64) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Ledger is an in-memory value-transfer primitive. It stands in for the
// host ledger so deployments and tests run self-contained.
type Ledger struct {
	mu       sync.Mutex
	balances map[Identity]uint64
}

func NewLedger() *Ledger {
	return &Ledger{balances: map[Identity]uint64{}}
}

// Mint credits freshly issued funds to an identity.
func (l *Ledger) Mint(id Identity, amount uint64) {
	if !id.Valid() {
		return
	}
	l.mu.Lock()
	l.balances[id] += amount
	l.mu.Unlock()
}

func (l *Ledger) Balance(id Identity) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[id]
}

// Transfer debits from and credits to as one atomic step. A failed
// transfer leaves both balances untouched.
func (l *Ledger) Transfer(ctx context.Context, from, to Identity, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !from.Valid() || !to.Valid() {
		return ErrUnknownIdentity
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return ErrInsufficientBalance
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}
