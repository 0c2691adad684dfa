package reindex

import "time"

// Budget is the wall-clock budget shared by the batch coordinator and the
// engine. Created once at run start and read-only afterwards, so it can be
// shared by reference without locking.
type Budget struct {
	deadline time.Time
	enforce  bool
	now      func() time.Time
}

// NewBudget derives an absolute deadline from a run duration. When enforce
// is set, expiry actively cancels an in-flight statement; otherwise expiry
// only stops new work from starting.
func NewBudget(d time.Duration, enforce bool) *Budget {
	return &Budget{
		deadline: time.Now().Add(d),
		enforce:  enforce,
		now:      time.Now,
	}
}

// Deadline returns the absolute cutoff.
func (b *Budget) Deadline() time.Time {
	return b.deadline
}

// Remaining returns the time left before the deadline. Negative or zero
// once expired.
func (b *Budget) Remaining() time.Duration {
	return b.deadline.Sub(b.now())
}

// Expired reports whether the deadline has passed.
func (b *Budget) Expired() bool {
	return b.Remaining() <= 0
}

// Enforced reports whether expiry should cancel in-flight statements.
func (b *Budget) Enforced() bool {
	return b.enforce
}
