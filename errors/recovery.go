package errors

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Suggestion is what a recovery strategy proposes for a failed operation.
type Suggestion struct {
	Strategy string
	Retry    bool
	Wait     time.Duration
	Hint     string
}

// Strategy is a pluggable recovery rule for some class of errors.
type Strategy interface {
	Name() string
	Handles(rec *Record) bool
	Recover(ctx context.Context, rec *Record) Suggestion
}

// Recovery tries its strategies in registration order; the first one that
// handles a record wins.
type Recovery struct {
	mu         sync.RWMutex
	strategies []Strategy
}

func NewRecovery(strategies ...Strategy) *Recovery {
	return &Recovery{strategies: strategies}
}

// DefaultRecovery handles rate limits, authentication and timeouts.
func DefaultRecovery() *Recovery {
	return NewRecovery(RateLimitStrategy{}, AuthStrategy{}, TimeoutStrategy{})
}

func (r *Recovery) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
}

// Recover returns the first matching strategy's suggestion. ok is false when
// no strategy claims the record.
func (r *Recovery) Recover(ctx context.Context, rec *Record) (s Suggestion, ok bool) {
	if rec == nil {
		return Suggestion{}, false
	}
	r.mu.RLock()
	strategies := r.strategies
	r.mu.RUnlock()
	for _, st := range strategies {
		if st.Handles(rec) {
			s = st.Recover(ctx, rec)
			s.Strategy = st.Name()
			return s, true
		}
	}
	return Suggestion{}, false
}

type RateLimitStrategy struct{}

func (RateLimitStrategy) Name() string { return "rate_limit" }

func (RateLimitStrategy) Handles(rec *Record) bool { return Is(rec, ErrRateLimited) }

func (RateLimitStrategy) Recover(_ context.Context, rec *Record) Suggestion {
	wait := rec.RetryAfter()
	if wait <= 0 {
		wait = time.Second
	}
	return Suggestion{
		Retry: true,
		Wait:  wait,
		Hint:  fmt.Sprintf("rate limited by the model provider, retry in %s", wait.Round(time.Second)),
	}
}

type AuthStrategy struct{}

func (AuthStrategy) Name() string { return "reauthenticate" }

func (AuthStrategy) Handles(rec *Record) bool { return rec.Kind == KindAuthRequired }

func (AuthStrategy) Recover(_ context.Context, rec *Record) Suggestion {
	hint := "authentication required"
	if rec.Data != nil && rec.Data.AuthHint != "" {
		hint = hint + ": " + rec.Data.AuthHint
	}
	return Suggestion{Hint: hint}
}

type TimeoutStrategy struct{}

func (TimeoutStrategy) Name() string { return "timeout" }

func (TimeoutStrategy) Handles(rec *Record) bool { return Is(rec, ErrTimeout) }

func (TimeoutStrategy) Recover(_ context.Context, rec *Record) Suggestion {
	return Suggestion{
		Retry: rec.Retryable,
		Hint:  "the operation timed out, try again",
	}
}
