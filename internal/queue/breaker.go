package queue

import (
	"sync"
	"time"
)

// BreakerState 회로 차단기 상태
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker 연속 발송 실패 추적기.
// threshold번 연속 실패하면 open, cooldown이 지나면 half-open으로 한 번 시험하고
// half-open에서 성공 1회면 closed, 실패 1회면 즉시 다시 open.
// half-open 동안 시험 발송은 한 번에 하나만 허용한다.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probing   bool
	probeAt   time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker. now may be nil.
func NewCircuitBreaker(threshold int, cooldown time.Duration, now func() time.Time) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: now}
}

// OnStateChange registers a callback invoked (under the breaker lock) on every transition
func (b *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether a dispatch may proceed. An open breaker whose
// cooldown has elapsed moves to half-open and lets exactly one probe through;
// other callers are refused until that probe is recorded. A probe that is never
// recorded frees its slot after another cooldown.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(StateHalfOpen)
	case StateHalfOpen:
		if b.probing && now.Sub(b.probeAt) < b.cooldown {
			return false
		}
	}
	b.probing = true
	b.probeAt = now
	return true
}

// Accepting reports whether new work may be queued. Unlike Allow it does not
// take the half-open probe slot.
func (b *CircuitBreaker) Accepting() bool {
	return b.State() != StateOpen
}

// RecordSuccess 발송 성공
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure 발송 실패
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		if b.failures >= b.threshold {
			b.trip()
		}
	}
}

// State returns the current state, resolving an elapsed cooldown to half-open
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Failures 현재 연속 실패 수
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *CircuitBreaker) trip() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
