package loader

import (
	"errors"

	"github.com/chazu/polycall/core"
)

// ErrLoanExpired reports a host value used by a script after the call that
// lent it returned.
var ErrLoanExpired = errors.New("host value was lent to an earlier call and has been released")

// Loan is a copy of a host value held by an interpreter.
type Loan struct {
	h    core.Handle
	live bool
}

// Handle returns the lent handle, which stays owned by the loan.
func (l *Loan) Handle() (core.Handle, error) {
	if !l.live {
		return core.Invalid, ErrLoanExpired
	}
	return l.h, nil
}

// Loans tracks the host values an interpreter holds. Values lent while a
// call is running are released when that call returns; values lent outside
// any call, such as constructor arguments or attribute stores, are kept until
// Close. Loans is not safe for concurrent use; units guard it with their own
// lock.
type Loans struct {
	c     core.Core
	depth int
	call  []*Loan
	kept  []*Loan
}

func NewLoans(c core.Core) *Loans {
	return &Loans{c: c}
}

// Lend copies the borrowed handle h.
func (ls *Loans) Lend(h core.Handle) *Loan {
	l := &Loan{h: ls.c.ValueCopy(h), live: true}
	if ls.depth > 0 {
		ls.call = append(ls.call, l)
	} else {
		ls.kept = append(ls.kept, l)
	}
	return l
}

// Enter opens a call and returns the mark to pass to Leave.
func (ls *Loans) Enter() int {
	ls.depth++
	return len(ls.call)
}

// Leave releases everything lent since mark.
func (ls *Loans) Leave(mark int) {
	release(ls.c, ls.call[mark:])
	clear(ls.call[mark:])
	ls.call = ls.call[:mark]
	ls.depth--
}

// Live counts the loans not yet released.
func (ls *Loans) Live() int {
	return len(ls.call) + len(ls.kept)
}

// Close releases every outstanding loan.
func (ls *Loans) Close() {
	release(ls.c, ls.call)
	release(ls.c, ls.kept)
	ls.call, ls.kept, ls.depth = nil, nil, 0
}

func release(c core.Core, loans []*Loan) {
	for _, l := range loans {
		if l.live {
			l.live = false
			c.ValueDestroy(l.h)
		}
	}
}
