package tellma

import (
	"context"
	"errors"
	"io"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep() func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error { return nil }
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, sleep: noSleep()}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, sleep: noSleep()}

	calls := 0
	badReq := &StatusError{StatusCode: http.StatusBadRequest, Status: "400 Bad Request"}
	err := p.Do(context.Background(), func() error {
		calls++
		return badReq
	})
	assert.Equal(t, 1, calls)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, sleep: noSleep()}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return syscall.ECONNRESET
	})
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	prevMin := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		assert.LessOrEqual(t, d, time.Second, "attempt %d exceeds cap", attempt)
		// Before the cap bites, the un-jittered floor doubles every attempt.
		floor := p.BaseDelay << (attempt - 1)
		if floor > time.Second {
			floor = time.Second
		}
		assert.GreaterOrEqual(t, d, floor, "attempt %d below floor", attempt)
		assert.GreaterOrEqual(t, floor, prevMin)
		prevMin = floor
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttled", &StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"server error", &StatusError{StatusCode: http.StatusBadGateway}, true},
		{"client error", &StatusError{StatusCode: http.StatusNotFound}, false},
		{"timeout", timeoutErr{}, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"truncated body", io.ErrUnexpectedEOF, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
