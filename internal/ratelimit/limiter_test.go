package ratelimit

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/kv"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return New(kv.NewFromClient(client, ""), cfg, nil), mr
}

func TestMinuteWindowDenial(t *testing.T) {
	l, _ := newTestLimiter(t, Config{PerMinute: 2, PerHour: 100})
	ctx := context.Background()

	adm := l.Check(ctx, "u3")
	assert.True(t, adm.Allowed)
	adm = l.Check(ctx, "u3")
	assert.True(t, adm.Allowed)

	adm = l.Check(ctx, "u3")
	require.False(t, adm.Allowed)
	assert.Equal(t, WindowMinute, adm.Window)
	assert.Greater(t, adm.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, adm.RetryAfter, time.Minute)
}

func TestDenialDoesNotRollBack(t *testing.T) {
	l, _ := newTestLimiter(t, Config{PerMinute: 1, PerHour: 100})
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "u1").Allowed)
	assert.False(t, l.Check(ctx, "u1").Allowed)
	assert.False(t, l.Check(ctx, "u1").Allowed)
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	l, mr := newTestLimiter(t, Config{PerMinute: 1, PerHour: 100})
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "u1").Allowed)
	assert.False(t, l.Check(ctx, "u1").Allowed)

	mr.FastForward(61 * time.Second)
	assert.True(t, l.Check(ctx, "u1").Allowed)
}

func TestHourWindowDenial(t *testing.T) {
	l, mr := newTestLimiter(t, Config{PerMinute: 100, PerHour: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Check(ctx, "u1").Allowed)
	}

	adm := l.Check(ctx, "u1")
	require.False(t, adm.Allowed)
	assert.Equal(t, WindowHour, adm.Window)
	// Hour retry-after may exceed a minute.
	assert.Greater(t, adm.RetryAfter, time.Minute)
	assert.LessOrEqual(t, adm.RetryAfter, time.Hour)

	// Well inside the hour, a fresh minute window does not readmit.
	mr.FastForward(2 * time.Minute)
	assert.False(t, l.Check(ctx, "u1").Allowed)
}

func TestUsersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{PerMinute: 1, PerHour: 100})
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "alice").Allowed)
	assert.False(t, l.Check(ctx, "alice").Allowed)
	assert.True(t, l.Check(ctx, "bob").Allowed)
}

func TestFailOpenOnStoreOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	l := New(kv.NewFromClient(client, ""), Config{PerMinute: 1, PerHour: 1}, logger)

	mr.Close()

	adm := l.Check(context.Background(), "u1")
	assert.True(t, adm.Allowed)
	assert.True(t, adm.FailOpen)
	assert.Contains(t, buf.String(), "rate_limiter_fail_open")
}

func TestStatus(t *testing.T) {
	l, _ := newTestLimiter(t, Config{PerMinute: 10, PerHour: 100})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Check(ctx, "u1").Allowed)
	}

	status, err := l.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", status.UserID)
	assert.Equal(t, int64(3), status.Minute.Used)
	assert.Equal(t, int64(10), status.Minute.Limit)
	assert.Equal(t, int64(7), status.Minute.Remaining)
	assert.Greater(t, status.Minute.ResetSeconds, int64(0))
	assert.Equal(t, int64(3), status.Hour.Used)
	assert.Equal(t, int64(97), status.Hour.Remaining)

	// Status reads must not consume quota.
	after, err := l.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, status.Minute.Used, after.Minute.Used)
}

func TestStatusForUnknownUser(t *testing.T) {
	l, _ := newTestLimiter(t, Config{PerMinute: 10, PerHour: 100})

	status, err := l.Status(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Minute.Used)
	assert.Equal(t, int64(10), status.Minute.Remaining)
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(t, Config{PerMinute: 1, PerHour: 100})
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "u1").Allowed)
	assert.False(t, l.Check(ctx, "u1").Allowed)

	deleted, err := l.Reset(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	assert.True(t, l.Check(ctx, "u1").Allowed)
}

func TestSetLimits(t *testing.T) {
	l, _ := newTestLimiter(t, Config{PerMinute: 1, PerHour: 100})
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "u1").Allowed)
	assert.False(t, l.Check(ctx, "u1").Allowed)

	l.SetLimits(5, 100)
	assert.True(t, l.Check(ctx, "u1").Allowed)
}
