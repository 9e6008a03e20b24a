package ratelimit

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var tight = Policy{Name: "tight", Window: time.Minute, MaxAttempts: 3, BlockDuration: 5 * time.Minute}

func exerciseStateMachine(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	clock := newTestClock()
	l := New(store, WithClock(clock.Now))
	key := Key(tight, "10.0.0.1", "")
	start := clock.Now()

	for i := 1; i <= tight.MaxAttempts; i++ {
		res := l.Check(ctx, tight, key)
		require.True(t, res.Allowed, "attempt %d", i)
		assert.Equal(t, tight.MaxAttempts-i, res.Remaining)
		assert.WithinDuration(t, start.Add(tight.Window), res.ResetTime, 0)
	}

	denied := l.Check(ctx, tight, key)
	require.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.WithinDuration(t, start.Add(tight.BlockDuration), denied.BlockedUntil, 0)
	assert.Equal(t, 300, denied.RetryAfter(clock.Now()))

	clock.Advance(tight.BlockDuration - time.Second)
	still := l.Check(ctx, tight, key)
	require.False(t, still.Allowed)
	assert.WithinDuration(t, denied.BlockedUntil, still.BlockedUntil, 0, "denied attempts must not extend the block")
	assert.Equal(t, 1, still.RetryAfter(clock.Now()))

	clock.Advance(time.Second)
	again := l.Check(ctx, tight, key)
	require.True(t, again.Allowed)
	assert.Equal(t, tight.MaxAttempts-1, again.Remaining)
	assert.True(t, again.BlockedUntil.IsZero())
}

func TestMemoryStoreStateMachine(t *testing.T) {
	exerciseStateMachine(t, NewMemoryStore())
}

func TestRedisStoreStateMachine(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	exerciseStateMachine(t, NewRedisStore(client))
}

func TestWindowElapsesWithoutBlock(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := New(nil, WithClock(clock.Now))
	key := Key(tight, "10.0.0.2", "")

	for i := 0; i < tight.MaxAttempts; i++ {
		l.Check(ctx, tight, key)
	}
	clock.Advance(tight.Window)
	res := l.Check(ctx, tight, key)
	require.True(t, res.Allowed)
	assert.Equal(t, tight.MaxAttempts-1, res.Remaining)
}

func TestLoginPolicyBlocksSixthAttempt(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := New(NewMemoryStore(), WithClock(clock.Now))
	key := Key(Login, "198.51.100.4", "User@X.com")
	assert.Equal(t, "login:198.51.100.4:user@x.com", key)

	for i := 0; i < Login.MaxAttempts; i++ {
		require.True(t, l.Check(ctx, Login, key).Allowed)
		clock.Advance(time.Minute)
	}
	res := l.Check(ctx, Login, key)
	require.False(t, res.Allowed)
	assert.WithinDuration(t, clock.Now().Add(30*time.Minute), res.BlockedUntil, 0)

	require.NoError(t, l.Reset(ctx, key))
	assert.True(t, l.Check(ctx, Login, key).Allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	a := Key(tight, "1.1.1.1", "a@x.org")
	b := Key(tight, "1.1.1.1", "b@x.org")
	for i := 0; i <= tight.MaxAttempts; i++ {
		l.Check(ctx, tight, a)
	}
	assert.False(t, l.Check(ctx, tight, a).Allowed)
	assert.True(t, l.Check(ctx, tight, b).Allowed)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := NewMemoryStore()
	l := New(store, WithClock(clock.Now))

	l.Check(ctx, tight, "plain")
	for i := 0; i <= tight.MaxAttempts; i++ {
		l.Check(ctx, tight, "blocked")
	}
	require.Equal(t, 2, store.Len())

	clock.Advance(tight.Window)
	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the unblocked entry has lapsed")

	clock.Advance(tight.BlockDuration)
	n, err = l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, store.Len())
}

func TestConcurrentChecksDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	p := Policy{Name: "burst", Window: time.Hour, MaxAttempts: 50, BlockDuration: time.Hour}
	l := New(NewMemoryStore())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, p, "shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, p.MaxAttempts, allowed)
}

type failingStore struct{ MemoryStore }

func (failingStore) Update(context.Context, string, UpdateFunc) (Entry, error) {
	return Entry{}, errors.New("store down")
}

func TestStoreErrorsFailOpen(t *testing.T) {
	l := New(&failingStore{})
	for i := 0; i < 10; i++ {
		assert.True(t, l.Check(context.Background(), tight, "k").Allowed)
	}
}

func TestRedisEntriesCarryTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := New(NewRedisStore(client))

	l.Check(context.Background(), tight, "ttl")
	assert.True(t, mr.Exists("ratelimit:ttl"))
	assert.Equal(t, tight.Window, mr.TTL("ratelimit:ttl"))

	mr.FastForward(tight.Window)
	assert.False(t, mr.Exists("ratelimit:ttl"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:4321"
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r.Header.Set("X-Real-IP", "192.0.2.9")
	assert.Equal(t, "192.0.2.9", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(r))

	bare := httptest.NewRequest("GET", "/", nil)
	bare.RemoteAddr = ""
	assert.Equal(t, "unknown", ClientIP(bare))
}

func TestPerCallerWidensPolicy(t *testing.T) {
	wide := PerCaller(Login)
	assert.Equal(t, "login_ip", wide.Name)
	assert.Equal(t, Login.MaxAttempts*CallerFactor, wide.MaxAttempts)
	assert.Equal(t, Login.Window, wide.Window)
	assert.Equal(t, Login.BlockDuration, wide.BlockDuration)
	assert.Equal(t, "login", Login.Name, "the base policy must stay untouched")
	assert.NotEqual(t, Key(Login, "10.0.0.1", ""), Key(wide, "10.0.0.1", ""))
}

func TestViolationDetailsNamesBlockExpiry(t *testing.T) {
	until := time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)
	got := ViolationDetails(Login, "10.0.0.1", Result{BlockedUntil: until, ResetTime: until})
	assert.Equal(t, "login limit exceeded by 10.0.0.1, blocked until 2026-06-01T08:30:00Z", got)
}
