package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratticdb/rattic/internal/model"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client), mr
}

func testSession(id string, userID int64) *model.Session {
	now := time.Now()
	return &model.Session{
		ID:        id,
		UserID:    userID,
		Username:  "alice",
		IsStaff:   true,
		Backend:   "model",
		CSRFToken: "csrf",
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
	}
}

func TestSession_SaveGetDelete(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	s := testSession("sess-1", 7)
	require.NoError(t, c.SaveSession(ctx, s))

	got, err := c.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.UserID)
	assert.True(t, got.IsStaff)

	assert.False(t, mr.Exists(sessionPrefix+"sess-1"), "raw session ids are not stored")
	ttl := mr.TTL(sessionKey("sess-1"))
	assert.InDelta(t, (30 * time.Minute).Seconds(), ttl.Seconds(), 2)

	require.NoError(t, c.DeleteSession(ctx, s))
	got, err = c.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSession_Expires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, testSession("sess-1", 7)))
	mr.FastForward(31 * time.Minute)

	got, err := c.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSession_SaveExpiredFails(t *testing.T) {
	c, _ := newTestCache(t)
	s := testSession("sess-1", 7)
	s.ExpiresAt = time.Now().Add(-time.Second)

	assert.Error(t, c.SaveSession(context.Background(), s))
}

func TestSession_CorruptEntryIsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set(sessionKey("bad"), "{not json"))

	got, err := c.GetSession(context.Background(), "bad")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteUserSessions(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, testSession("a", 1)))
	require.NoError(t, c.SaveSession(ctx, testSession("b", 1)))
	require.NoError(t, c.SaveSession(ctx, testSession("c", 2)))

	require.NoError(t, c.DeleteUserSessions(ctx, 1))

	for _, id := range []string{"a", "b"} {
		got, err := c.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got, "session %s should be gone", id)
	}
	other, err := c.GetSession(ctx, "c")
	require.NoError(t, err)
	assert.NotNil(t, other)

	// No sessions is not an error.
	assert.NoError(t, c.DeleteUserSessions(ctx, 99))
}

func TestDeleteUserSessions_AfterResavingOlderSession(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	older := testSession("old", 1)
	older.ExpiresAt = time.Now().Add(5 * time.Minute)
	newer := testSession("new", 1)
	newer.ExpiresAt = time.Now().Add(2 * time.Hour)

	require.NoError(t, c.SaveSession(ctx, newer))
	require.NoError(t, c.SaveSession(ctx, older))
	assert.InDelta(t, (2 * time.Hour).Seconds(), mr.TTL(userSessionsKey(1)).Seconds(), 2,
		"a shorter session must not shrink the index TTL")

	mr.FastForward(10 * time.Minute)
	assert.True(t, mr.Exists(userSessionsKey(1)))

	require.NoError(t, c.DeleteUserSessions(ctx, 1))
	got, err := c.GetSession(ctx, "new")
	require.NoError(t, err)
	assert.Nil(t, got, "the longer session is still reachable through the index")
}

func TestSession_GetReportsRedisErrors(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	c := NewFromClient(client)
	mr.Close()

	got, err := c.GetSession(context.Background(), "sess-1")
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestCheckLoginRateLimit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	fixed := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return fixed }

	for i := 0; i < 3; i++ {
		res, err := c.CheckLoginRateLimit(ctx, "10.0.0.1", 1, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "attempt %d within burst", i+1)
	}

	res, err := c.CheckLoginRateLimit(ctx, "10.0.0.1", 1, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	other, err := c.CheckLoginRateLimit(ctx, "10.0.0.2", 1, 3)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "buckets are per IP")
}

func TestCheckLoginRateLimit_Disabled(t *testing.T) {
	c, _ := newTestCache(t)

	for i := 0; i < 20; i++ {
		res, err := c.CheckLoginRateLimit(context.Background(), "10.0.0.1", 0, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestCheckLoginRateLimit_FailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	c := NewFromClient(client)
	mr.Close()

	res, err := c.CheckLoginRateLimit(context.Background(), "10.0.0.1", 1, 3)
	assert.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Allowed)
}

func TestAcquireLock(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "task", "host-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, "task", "host-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must lose")

	owner, err := c.LockOwner(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, "host-a", owner)

	mr.FastForward(time.Hour + time.Second)

	owner, err = c.LockOwner(ctx, "task")
	require.NoError(t, err)
	assert.Empty(t, owner)

	ok, err = c.AcquireLock(ctx, "task", "host-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
