package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"ticket-queue/internal/status"
	"ticket-queue/models"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] session, KEYS[2] grants
// ARGV field, client_id, resource_id, token, granted_at ms, expires_at ms, retention ms
//
// Returns 0 while any turn record exists and -1 when the entry already had
// a turn.
const grantScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return -1
end
redis.call('HSET', KEYS[1],
	'field', ARGV[1],
	'client_id', ARGV[2],
	'resource_id', ARGV[3],
	'token', ARGV[4],
	'granted_at', ARGV[5],
	'expires_at', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[4] .. '|' .. ARGV[5] .. '|' .. ARGV[6])
return 1
`

// KEYS[1] session, KEYS[2] grants. ARGV[1] field
const clearScript = `
redis.call('HDEL', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[1], 'field') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// SessionStore keeps the single active turn. A record outlives its logical
// expiry by grace so late status checks can still see "just expired".
// Every grant also leaves a marker that lives as long as the entry, so an
// entry whose record lapsed is never granted a second turn.
type SessionStore struct {
	Redis  *redis.Client
	key    string
	grants string
	grace  time.Duration
	now    func() time.Time
}

func NewSessionStore(redisClient *redis.Client, keys QueueKeys, grace time.Duration) *SessionStore {
	return &SessionStore{
		Redis:  redisClient,
		key:    keys.Session,
		grants: keys.Grants,
		grace:  grace,
		now:    time.Now,
	}
}

// Grant starts a turn for key. It fails with ErrSessionAlreadyActive while
// any turn record exists and with ErrTurnAlreadyGranted when key had a turn
// before. There is no way to extend or renew a granted turn.
func (s *SessionStore) Grant(ctx context.Context, key models.EntryKey, ttl time.Duration) (*models.TurnSession, error) {
	if !key.Valid() {
		return nil, status.ErrInvalidKey
	}

	now := s.now()
	session := &models.TurnSession{
		Key:       key,
		Token:     uuid.NewString(),
		GrantedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	retention := ttl + s.grace
	if retention < time.Millisecond {
		retention = time.Millisecond
	}

	granted, err := s.Redis.Eval(ctx, grantScript, []string{s.key, s.grants},
		key.Field(),
		key.ClientID,
		key.ResourceID,
		session.Token,
		session.GrantedAt.UnixMilli(),
		session.ExpiresAt.UnixMilli(),
		retention.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("session: grant: %w", err)
	}
	switch granted {
	case 0:
		return nil, status.ErrSessionAlreadyActive
	case -1:
		return nil, status.ErrTurnAlreadyGranted
	}
	return session, nil
}

// GrantRecord returns the turn key was granted, as recorded when the grant
// was made, or nil if key never had one.
func (s *SessionStore) GrantRecord(ctx context.Context, key models.EntryKey) (*models.TurnSession, error) {
	marker, err := s.Redis.HGet(ctx, s.grants, key.Field()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load grant: %w", err)
	}

	parts := strings.Split(marker, "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("session: decode grant %q", marker)
	}
	return decodeSession(map[string]string{
		"client_id":   key.ClientID,
		"resource_id": key.ResourceID,
		"token":       parts[0],
		"granted_at":  parts[1],
		"expires_at":  parts[2],
	})
}

// Active returns the current turn for any key, expired or not, or nil.
func (s *SessionStore) Active(ctx context.Context) (*models.TurnSession, error) {
	fields, err := s.Redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeSession(fields)
}

// ActiveFor returns the turn held by key, or nil.
func (s *SessionStore) ActiveFor(ctx context.Context, key models.EntryKey) (*models.TurnSession, error) {
	session, err := s.Active(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	if session.Key != key {
		return nil, nil
	}
	return session, nil
}

// Clear releases the turn held by key and forgets that key was granted.
// Clearing an absent turn is a no-op.
func (s *SessionStore) Clear(ctx context.Context, key models.EntryKey) (bool, error) {
	deleted, err := s.Redis.Eval(ctx, clearScript, []string{s.key, s.grants}, key.Field()).Int()
	if err != nil {
		return false, fmt.Errorf("session: clear: %w", err)
	}
	return deleted == 1, nil
}

func decodeSession(fields map[string]string) (*models.TurnSession, error) {
	grantedMs, err := strconv.ParseInt(fields["granted_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session: decode granted_at: %w", err)
	}
	expiresMs, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session: decode expires_at: %w", err)
	}

	return &models.TurnSession{
		Key:       models.NewEntryKey(fields["client_id"], fields["resource_id"]),
		Token:     fields["token"],
		GrantedAt: time.UnixMilli(grantedMs),
		ExpiresAt: time.UnixMilli(expiresMs),
	}, nil
}
