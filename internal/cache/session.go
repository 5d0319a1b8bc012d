package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ratticdb/rattic/internal/model"
)

const (
	// sessionPrefix is the Redis key prefix for sessions, keyed by the
	// hash of the session id.
	sessionPrefix = "session:"
	// userSessionsPrefix indexes a user's session keys for invalidation.
	userSessionsPrefix = "session:user:"
)

func sessionKey(id string) string {
	return sessionPrefix + hashKey(id, 16)
}

func userSessionsKey(userID int64) string {
	return userSessionsPrefix + strconv.FormatInt(userID, 10)
}

// saveSession stores the session under KEYS[1] for ARGV[2] ms and adds
// it to the user index KEYS[2]. The index TTL only ever grows, so it
// outlives every session it lists.
var saveSession = redis.NewScript(`
local ttl = tonumber(ARGV[2])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
redis.call('SADD', KEYS[2], KEYS[1])
if redis.call('PTTL', KEYS[2]) < ttl then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// GetSession retrieves a session by id.
// Returns nil if not found or expired (cache miss). Redis failures are
// returned so callers can tell an outage from an anonymous request.
func (c *Cache) GetSession(ctx context.Context, id string) (*model.Session, error) {
	data, err := c.client.Get(ctx, sessionKey(id)).Bytes()
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		// Corrupted entry - treat as miss
		return nil, nil //nolint:nilerr
	}

	if session.IsExpired(time.Now()) {
		return nil, nil
	}
	return &session, nil
}

// SaveSession stores a session until its ExpiresAt.
func (c *Cache) SaveSession(ctx context.Context, session *model.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", session.ID)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	keys := []string{sessionKey(session.ID), userSessionsKey(session.UserID)}
	ms := max(ttl.Milliseconds(), 1)
	if err := saveSession.Run(ctx, c.client, keys, data, ms).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// DeleteSession removes a session. Used on logout.
func (c *Cache) DeleteSession(ctx context.Context, session *model.Session) error {
	key := sessionKey(session.ID)

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, userSessionsKey(session.UserID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteUserSessions logs a user out everywhere. Used when the user is
// deleted or deactivated.
func (c *Cache) DeleteUserSessions(ctx context.Context, userID int64) error {
	indexKey := userSessionsKey(userID)

	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}

	keys = append(keys, indexKey)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	return nil
}
