package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"ticket-queue/internal/status"
	"ticket-queue/models"

	"github.com/redis/go-redis/v9"
)

// QueueKeys names the Redis keys shared by the ranked queue and the session
// store of one queue.
type QueueKeys struct {
	Ranked  string // sorted set, member = "<inverted seq>|<field>"
	Index   string // hash, field -> member
	Seq     string // insertion counter used for tie-breaks
	Session string // hash holding the active turn
	Grants  string // hash, field -> "<token>|<granted ms>|<expires ms>" for every granted entry
}

func NewQueueKeys(name string) QueueKeys {
	prefix := fmt.Sprintf("queue:%s", name)
	return QueueKeys{
		Ranked:  prefix + ":ranked",
		Index:   prefix + ":index",
		Seq:     prefix + ":seq",
		Session: prefix + ":turn",
		Grants:  prefix + ":grants",
	}
}

// resolveHeadLua finds the head member. The holder of an active turn stays
// pinned at the head until its entry is removed, so a later, higher scored
// booking cannot take the head away from a granted turn.
//
// KEYS[1] ranked, KEYS[2] index, KEYS[3] session
const resolveHeadLua = `
local function resolve_head()
	local field = redis.call('HGET', KEYS[3], 'field')
	if field then
		local member = redis.call('HGET', KEYS[2], field)
		if member then
			return member
		end
	end
	local top = redis.call('ZREVRANGE', KEYS[1], 0, 0)
	return top[1]
end
`

// ARGV[1] score, ARGV[2] field, ARGV[3] member
const enqueueScript = `
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`

// KEYS[3] grants. ARGV[1] field
const removeScript = `
redis.call('HDEL', KEYS[3], ARGV[1])
local member = redis.call('HGET', KEYS[2], ARGV[1])
if not member then
	return 0
end
redis.call('ZREM', KEYS[1], member)
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`

const headScript = resolveHeadLua + `
local member = resolve_head()
if not member then
	return false
end
return {member, redis.call('ZSCORE', KEYS[1], member)}
`

// KEYS[4] grants. ARGV[1] field. Returns -1 empty, 0 not head, 1 removed.
const completeHeadScript = resolveHeadLua + `
local head = resolve_head()
if not head then
	return -1
end
local member = redis.call('HGET', KEYS[2], ARGV[1])
if not member or member ~= head then
	return 0
end
redis.call('ZREM', KEYS[1], member)
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
if redis.call('HGET', KEYS[3], 'field') == ARGV[1] then
	redis.call('DEL', KEYS[3])
end
return 1
`

// KEYS[1] ranked, KEYS[2] index, KEYS[3] session, KEYS[4] grants
// ARGV[1] field, ARGV[2] token
//
// The token is checked against the turn record while it exists and against
// the grant marker once the record has lapsed.
const evictTurnScript = `
if redis.call('HGET', KEYS[3], 'field') == ARGV[1] then
	if redis.call('HGET', KEYS[3], 'token') ~= ARGV[2] then
		return 0
	end
	redis.call('DEL', KEYS[3])
else
	local marker = redis.call('HGET', KEYS[4], ARGV[1])
	if not marker or string.sub(marker, 1, #ARGV[2] + 1) ~= ARGV[2] .. '|' then
		return 0
	end
end
redis.call('HDEL', KEYS[4], ARGV[1])
local member = redis.call('HGET', KEYS[2], ARGV[1])
if not member then
	return 0
end
redis.call('ZREM', KEYS[1], member)
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`

type CompleteResult int

const (
	CompleteEmpty CompleteResult = iota - 1
	CompleteNotHead
	CompleteRemoved
)

// RankedQueue orders waiting entries by descending score. Equal scores keep
// insertion order: the earliest enqueued entry ranks first.
type RankedQueue struct {
	Redis *redis.Client
	keys  QueueKeys
}

func NewRankedQueue(redisClient *redis.Client, keys QueueKeys) *RankedQueue {
	return &RankedQueue{Redis: redisClient, keys: keys}
}

func (q *RankedQueue) Keys() QueueKeys {
	return q.keys
}

func (q *RankedQueue) Enqueue(ctx context.Context, key models.EntryKey, score float64) error {
	if !key.Valid() {
		return status.ErrInvalidKey
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return fmt.Errorf("queue: invalid score %v", score)
	}

	seq, err := q.Redis.Incr(ctx, q.keys.Seq).Result()
	if err != nil {
		return fmt.Errorf("queue: next sequence: %w", err)
	}

	field := key.Field()
	added, err := q.Redis.Eval(ctx, enqueueScript,
		[]string{q.keys.Ranked, q.keys.Index},
		strconv.FormatFloat(score, 'f', -1, 64), field, encodeMember(seq, field),
	).Int()
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	if added == 0 {
		return status.ErrDuplicateEntry
	}
	return nil
}

// Remove deletes key if present. It reports true only for the call that
// actually removed the entry.
func (q *RankedQueue) Remove(ctx context.Context, key models.EntryKey) (bool, error) {
	removed, err := q.Redis.Eval(ctx, removeScript,
		[]string{q.keys.Ranked, q.keys.Index, q.keys.Grants}, key.Field(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: remove: %w", err)
	}
	return removed == 1, nil
}

// PeekHead returns the top ranked entry, or nil when the queue is empty.
func (q *RankedQueue) PeekHead(ctx context.Context) (*models.QueueEntry, error) {
	res, err := q.Redis.Eval(ctx, headScript,
		[]string{q.keys.Ranked, q.keys.Index, q.keys.Session},
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: peek head: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: peek head: unexpected reply %v", res)
	}

	score, err := strconv.ParseFloat(res[1], 64)
	if err != nil {
		return nil, fmt.Errorf("queue: peek head: parse score: %w", err)
	}
	entry, err := decodeEntry(res[0], score)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Snapshot returns every entry, head first.
func (q *RankedQueue) Snapshot(ctx context.Context) ([]models.QueueEntry, error) {
	var (
		holderCmd *redis.StringCmd
		rangeCmd  *redis.ZSliceCmd
	)
	_, err := q.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		holderCmd = pipe.HGet(ctx, q.keys.Session, "field")
		rangeCmd = pipe.ZRevRangeWithScores(ctx, q.keys.Ranked, 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: snapshot: %w", err)
	}

	members, err := rangeCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("queue: snapshot: %w", err)
	}
	holder := holderCmd.Val()

	entries := make([]models.QueueEntry, 0, len(members))
	pinned := -1
	for _, z := range members {
		member, _ := z.Member.(string)
		entry, err := decodeEntry(member, z.Score)
		if err != nil {
			return nil, err
		}
		if holder != "" && memberField(member) == holder {
			pinned = len(entries)
		}
		entries = append(entries, entry)
	}

	if pinned > 0 {
		head := entries[pinned]
		copy(entries[1:pinned+1], entries[:pinned])
		entries[0] = head
	}
	return entries, nil
}

func (q *RankedQueue) Len(ctx context.Context) (int, error) {
	n, err := q.Redis.ZCard(ctx, q.keys.Ranked).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: length: %w", err)
	}
	return int(n), nil
}

func (q *RankedQueue) Contains(ctx context.Context, key models.EntryKey) (bool, error) {
	ok, err := q.Redis.HExists(ctx, q.keys.Index, key.Field()).Result()
	if err != nil {
		return false, fmt.Errorf("queue: contains: %w", err)
	}
	return ok, nil
}

// Rescore updates the score of an existing entry. It never re-adds an entry
// that was removed concurrently.
func (q *RankedQueue) Rescore(ctx context.Context, key models.EntryKey, score float64) (bool, error) {
	member, err := q.Redis.HGet(ctx, q.keys.Index, key.Field()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: rescore: %w", err)
	}

	changed, err := q.Redis.ZAddArgs(ctx, q.keys.Ranked, redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: score, Member: member}},
	}).Result()
	if err != nil {
		return false, fmt.Errorf("queue: rescore: %w", err)
	}
	return changed > 0, nil
}

// CompleteHead removes key only if it is the current head, in one atomic
// step, and drops the turn record it holds.
func (q *RankedQueue) CompleteHead(ctx context.Context, key models.EntryKey) (CompleteResult, error) {
	res, err := q.Redis.Eval(ctx, completeHeadScript,
		[]string{q.keys.Ranked, q.keys.Index, q.keys.Session, q.keys.Grants}, key.Field(),
	).Int()
	if err != nil {
		return CompleteNotHead, fmt.Errorf("queue: complete head: %w", err)
	}
	return CompleteResult(res), nil
}

// EvictTurn removes the entry and its turn while the grant identified by
// token is still current. A completed or removed entry makes it a no-op.
func (q *RankedQueue) EvictTurn(ctx context.Context, key models.EntryKey, token string) (bool, error) {
	res, err := q.Redis.Eval(ctx, evictTurnScript,
		[]string{q.keys.Ranked, q.keys.Index, q.keys.Session, q.keys.Grants}, key.Field(), token,
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: evict turn: %w", err)
	}
	return res == 1, nil
}

// encodeMember prefixes the field with an inverted, fixed width sequence so
// that ZREVRANGE returns equal scores in insertion order.
func encodeMember(seq int64, field string) string {
	return fmt.Sprintf("%019d|%s", math.MaxInt64-seq, field)
}

func memberField(member string) string {
	if i := strings.IndexByte(member, '|'); i >= 0 {
		return member[i+1:]
	}
	return member
}

func decodeEntry(member string, score float64) (models.QueueEntry, error) {
	key, err := models.ParseEntryKey(memberField(member))
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("queue: decode member %q: %w", member, err)
	}
	return models.QueueEntry{ClientID: key.ClientID, ResourceID: key.ResourceID, Score: score}, nil
}
