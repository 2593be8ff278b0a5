package observability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("connection refused") }

func TestHealth_AllHealthy(t *testing.T) {
	h := NewHealth(time.Second)
	h.Register("rpc", Critical(ok))
	h.Register("postgres", Optional(ok))

	sys := h.Check(context.Background())
	assert.Equal(t, StatusHealthy, sys.Status)
	require.Len(t, sys.Components, 2)
	assert.Equal(t, "rpc", sys.Components["rpc"].Name)
	assert.False(t, sys.Components["rpc"].LastChecked.IsZero())
}

func TestHealth_WorstStatusWins(t *testing.T) {
	h := NewHealth(time.Second)
	h.Register("rpc", Critical(ok))
	h.Register("clickhouse", Optional(fail))

	sys := h.Check(context.Background())
	assert.Equal(t, StatusDegraded, sys.Status)
	assert.Equal(t, "connection refused", sys.Components["clickhouse"].Message)

	h.Register("rpc", Critical(fail))
	sys = h.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, sys.Status)
}

func TestHealth_CheckTimeout(t *testing.T) {
	h := NewHealth(20 * time.Millisecond)
	h.Register("slow", Critical(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	sys := h.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, sys.Status)
	assert.Contains(t, sys.Components["slow"].Message, "deadline")
}

func TestHealth_LastDoesNotRunChecks(t *testing.T) {
	var calls atomic.Int64
	h := NewHealth(time.Second)
	h.Register("rpc", Critical(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	assert.Empty(t, h.Last().Components)
	h.Check(context.Background())
	h.Last()
	assert.Equal(t, int64(1), calls.Load())
}

func TestHealth_Run(t *testing.T) {
	var calls atomic.Int64
	h := NewHealth(time.Second)
	h.Register("rpc", Critical(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
