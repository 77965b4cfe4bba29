package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndWrapfCarryLocation(t *testing.T) {
	err := New("boom %d", 1)
	assert.True(t, strings.HasPrefix(err.Error(), "[errors_test.go:"), err.Error())
	assert.Contains(t, err.Error(), "boom 1")

	wrapped := Wrapf(os.ErrNotExist, "reading %s", "a.txt")
	assert.Contains(t, wrapped.Error(), "reading a.txt")
	assert.True(t, Is(wrapped, os.ErrNotExist))

	assert.Nil(t, Wrapf(nil, "nothing"))
}

type retryAfterErr struct{ d time.Duration }

func (e retryAfterErr) Error() string             { return "slow down" }
func (e retryAfterErr) RetryAfter() time.Duration { return e.d }

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	var syntaxErr *json.SyntaxError
	require.Error(t, json.Unmarshal([]byte("{"), &struct{}{}))
	badJSON := json.Unmarshal([]byte("{bad"), &struct{}{})
	require.ErrorAs(t, badJSON, &syntaxErr)

	var typeTarget struct{ N int }
	typeErr := json.Unmarshal([]byte(`{"N":"x"}`), &typeTarget)

	tests := []struct {
		name      string
		err       error
		kind      Kind
		code      int
		retryable bool
	}{
		{"cancelled", context.Canceled, KindCancelled, CodeCancelled, false},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), KindTimeout, CodeTimeout, true},
		{"not exist", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, KindPathNotFound, CodePathNotFound, false},
		{"permission", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, KindPermissionDenied, CodePermissionDenied, false},
		{"emfile", &fs.PathError{Op: "open", Path: "/x", Err: syscall.EMFILE}, KindTooManyOpenResources, CodeTooManyOpenResources, false},
		{"json syntax", badJSON, KindParseError, CodeParseError, false},
		{"json type", typeErr, KindInvalidParams, CodeInvalidParams, false},
		{"retry after", retryAfterErr{2 * time.Second}, KindRateLimited, CodeRateLimited, true},
		{"net timeout", timeoutNetErr{}, KindTimeout, CodeTimeout, true},
		{"record passthrough", Wrapf(InvalidParams("bad cwd"), "context"), KindInvalidParams, CodeInvalidParams, false},
		{"unknown", New("something odd"), KindUnknown, CodeInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Classify(tt.err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.kind, rec.Kind)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.retryable, rec.Retryable)
		})
	}

	assert.Nil(t, Classify(nil))
}

func TestClassifyIsDeterministic(t *testing.T) {
	err := &fs.PathError{Op: "stat", Path: "/a", Err: fs.ErrNotExist}
	first := Classify(err)
	second := Classify(err)
	assert.Equal(t, first.Kind, second.Kind)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, "/a", first.Data.Path)
}

func TestRecordIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("turn: %w", Cancelled())
	assert.True(t, Is(err, ErrCancelled))
	assert.False(t, Is(err, ErrTimeout))
}

func TestWireDataHidesDetailUnlessDebug(t *testing.T) {
	rec := Internal("Internal error").WithCause(New("disk on fire"))
	assert.Nil(t, rec.WireData(false))
	require.NotNil(t, rec.WireData(true))
	assert.Contains(t, rec.WireData(true).Detail, "disk on fire")

	rl := RateLimited(1500 * time.Millisecond)
	require.NotNil(t, rl.WireData(false))
	assert.Equal(t, int64(1500), rl.WireData(false).RetryAfterMs)
}

func TestFromHTTPStatus(t *testing.T) {
	cause := New("upstream")
	assert.Equal(t, KindAuthRequired, FromHTTPStatus(401, 0, cause).Kind)
	rl := FromHTTPStatus(429, 3*time.Second, cause)
	assert.Equal(t, KindRateLimited, rl.Kind)
	assert.Equal(t, 3*time.Second, rl.RetryAfter())
	assert.True(t, FromHTTPStatus(503, 0, cause).Retryable)
	assert.False(t, FromHTTPStatus(400, 0, cause).Retryable)
}

func TestKindFromCode(t *testing.T) {
	assert.Equal(t, KindRateLimited, KindFromCode(CodeRateLimited))
	assert.Equal(t, KindInternal, KindFromCode(CodeInternal))
	assert.Equal(t, KindUnknown, KindFromCode(12345))
}

func fastPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.Base = time.Millisecond
	p.Cap = 5 * time.Millisecond
	return p
}

func TestRetryPolicyRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := fastPolicy().Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	var notified []int
	p := fastPolicy()
	p.Notify = func(rec *Record, wait time.Duration, attempt int) { notified = append(notified, attempt) }
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return RateLimited(0)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)

	rec := Classify(err)
	assert.Equal(t, KindRateLimited, rec.Kind)
}

func TestRetryPolicyDoesNotRetryPermanentKinds(t *testing.T) {
	for _, rec := range []*Record{
		InvalidParams("bad"),
		PermissionDenied("no"),
		AuthRequired(""),
		Cancelled(),
	} {
		calls := 0
		err := fastPolicy().Execute(context.Background(), func(ctx context.Context) error {
			calls++
			return rec
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls, rec.Kind.String())
		assert.Equal(t, rec.Kind, Classify(err).Kind)
	}
}

func TestRetryPolicyHonoursRetryAfter(t *testing.T) {
	var waits []time.Duration
	p := fastPolicy()
	p.MaxAttempts = 2
	p.Notify = func(rec *Record, wait time.Duration, attempt int) { waits = append(waits, wait) }
	start := time.Now()
	_ = p.Execute(context.Background(), func(ctx context.Context) error {
		return RateLimited(30 * time.Millisecond)
	})
	require.Len(t, waits, 1)
	assert.GreaterOrEqual(t, waits[0], 30*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRetryPolicyStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy()
	p.Base = time.Second
	p.Cap = time.Second
	p.Jitter = 0
	calls := 0
	err := p.Execute(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return Transient("flaky")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindCancelled, Classify(err).Kind)
}

func TestRecoveryFirstClaimantWins(t *testing.T) {
	r := DefaultRecovery()
	s, ok := r.Recover(context.Background(), RateLimited(2*time.Second))
	require.True(t, ok)
	assert.Equal(t, "rate_limit", s.Strategy)
	assert.True(t, s.Retry)
	assert.Equal(t, 2*time.Second, s.Wait)

	s, ok = r.Recover(context.Background(), Timeout(true, "model call timed out"))
	require.True(t, ok)
	assert.Equal(t, "timeout", s.Strategy)

	s, ok = r.Recover(context.Background(), AuthRequired("set ANTHROPIC_API_KEY"))
	require.True(t, ok)
	assert.Contains(t, s.Hint, "ANTHROPIC_API_KEY")

	_, ok = r.Recover(context.Background(), InvalidParams("x"))
	assert.False(t, ok)

	r.Register(catchAll{})
	s, ok = r.Recover(context.Background(), InvalidParams("x"))
	require.True(t, ok)
	assert.Equal(t, "catch_all", s.Strategy)
}

type catchAll struct{}

func (catchAll) Name() string          { return "catch_all" }
func (catchAll) Handles(*Record) bool { return true }
func (catchAll) Recover(context.Context, *Record) Suggestion {
	return Suggestion{Hint: "anything"}
}
