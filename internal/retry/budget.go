// Package retry provides bounded-attempt budgets.
//
// A Budget is a pure rule over an attempt counter. A Tracker applies one
// Budget to many keyed resources and reserves attempts while a request is in
// flight, so two concurrent callers cannot both spend the last attempt.
package retry

import (
	"fmt"
	"sync"

	"github.com/yangwenmai/draftsync/internal/model"
)

// ImageRegenerationLimit is the maximum number of generation attempts per
// image need.
const ImageRegenerationLimit = 3

// Budget caps the number of attempts on a single resource.
type Budget struct {
	max int
}

// NewBudget creates a Budget allowing limit attempts. A limit below zero is
// treated as zero.
func NewBudget(limit int) Budget {
	if limit < 0 {
		limit = 0
	}
	return Budget{max: limit}
}

// Max returns the attempt cap.
func (b Budget) Max() int { return b.max }

// Remaining returns how many attempts are left after attempts were spent.
func (b Budget) Remaining(attempts int) int {
	r := b.max - attempts
	if r < 0 {
		return 0
	}
	return r
}

// CanConsume reports whether another attempt is allowed.
func (b Budget) CanConsume(attempts int) bool {
	return b.Remaining(attempts) > 0
}

// TryConsume returns the counter after one more attempt, or a
// BudgetExhausted error if none remain.
func (b Budget) TryConsume(attempts int) (int, error) {
	if !b.CanConsume(attempts) {
		return attempts, model.NewError(model.KindBudgetExhausted, "consume",
			fmt.Errorf("%d of %d attempts used", attempts, b.max))
	}
	return attempts + 1, nil
}

// Tracker applies a Budget to keyed resources. It is safe for concurrent use.
type Tracker[K comparable] struct {
	mu       sync.Mutex
	budget   Budget
	attempts map[K]int
	inflight map[K]bool
}

// NewTracker creates a Tracker enforcing budget.
func NewTracker[K comparable](budget Budget) *Tracker[K] {
	return &Tracker[K]{
		budget:   budget,
		attempts: make(map[K]int),
		inflight: make(map[K]bool),
	}
}

// Budget returns the budget the tracker enforces.
func (t *Tracker[K]) Budget() Budget { return t.budget }

// Observe records an authoritative attempt count for key. Counts never
// decrease: a lower observation is ignored.
func (t *Tracker[K]) Observe(key K, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if attempts > t.attempts[key] {
		t.attempts[key] = attempts
	}
}

// Attempts returns the attempts recorded for key.
func (t *Tracker[K]) Attempts(key K) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[key]
}

// Remaining returns the attempts left for key, not counting a reservation
// in flight.
func (t *Tracker[K]) Remaining(key K) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budget.Remaining(t.attempts[key])
}

// Reserve claims the next attempt for key. It fails with BudgetExhausted
// when no attempts remain and with Conflict while another reservation for
// key is in flight. A successful Reserve must be followed by Commit or
// Release.
func (t *Tracker[K]) Reserve(key K) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.budget.TryConsume(t.attempts[key]); err != nil {
		return err
	}
	if t.inflight[key] {
		return model.Errorf(model.KindConflict, "reserve", "an attempt for %v is already in flight", key)
	}
	t.inflight[key] = true
	return nil
}

// Commit spends the reserved attempt and returns the new count.
func (t *Tracker[K]) Commit(key K) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inflight, key)
	t.attempts[key]++
	return t.attempts[key]
}

// Release gives back a reservation without spending it.
func (t *Tracker[K]) Release(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, key)
}
