package pool

import "errors"

var ErrInsufficientFunds = errors.New("insufficient pool funds")

// Accountant tracks the single escrow balance funded by premiums and
// drained by payouts. The balance never goes negative: a debit that would
// overdraw fails without mutation.
//
// Coverage is deliberately not reserved against the pool at policy
// creation, so aggregate outstanding coverage can exceed the balance.
type Accountant struct {
	balance uint64
}

func NewAccountant() *Accountant {
	return &Accountant{}
}

// Credit adds a collected premium. Unconditional.
func (a *Accountant) Credit(amount uint64) {
	a.balance += amount
}

// Debit removes a settled payout, failing outright if the pool cannot
// cover it.
func (a *Accountant) Debit(amount uint64) error {
	if amount > a.balance {
		return ErrInsufficientFunds
	}
	a.balance -= amount
	return nil
}

func (a *Accountant) Balance() uint64 {
	return a.balance
}
