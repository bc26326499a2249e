package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/CRMPipe/internal/store"
)

// Backend holds at most one pending respond-at per conversation.
type Backend interface {
	// Schedule sets the conversation's respond-at, replacing any pending one.
	Schedule(ctx context.Context, conversationID, accountID string, dueAt time.Time) error
	// Due lists up to limit entries due at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]store.RespondAt, error)
	// Claim removes the entry only if it still holds dueAt.
	Claim(ctx context.Context, conversationID string, dueAt time.Time) (bool, error)
}

// SQLBackend keeps respond-at rows in the relational store.
type SQLBackend struct {
	repo store.RespondAtRepo
}

// NewSQLBackend creates a SQLBackend.
func NewSQLBackend(repo store.RespondAtRepo) *SQLBackend {
	return &SQLBackend{repo: repo}
}

func (b *SQLBackend) Schedule(ctx context.Context, conversationID, accountID string, dueAt time.Time) error {
	return b.repo.UpsertRespondAt(ctx, conversationID, accountID, dueAt)
}

func (b *SQLBackend) Due(ctx context.Context, now time.Time, limit int) ([]store.RespondAt, error) {
	return b.repo.DueRespondAt(ctx, now, limit)
}

func (b *SQLBackend) Claim(ctx context.Context, conversationID string, dueAt time.Time) (bool, error) {
	return b.repo.ClaimRespondAt(ctx, conversationID, dueAt)
}

// DefaultRedisPrefix namespaces the Redis keys.
const DefaultRedisPrefix = "crmpipe"

// RedisBackend keeps respond-at entries in a sorted set scored by due time in milliseconds,
// with the owning account in a side hash.
type RedisBackend struct {
	client  redis.UniversalClient
	zsetKey string
	hashKey string
}

// NewRedisBackend creates a RedisBackend under prefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{
		client:  client,
		zsetKey: prefix + ":respond_at",
		hashKey: prefix + ":respond_at:account",
	}
}

func (b *RedisBackend) Schedule(ctx context.Context, conversationID, accountID string, dueAt time.Time) error {
	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, b.zsetKey, redis.Z{Score: float64(dueAt.UnixMilli()), Member: conversationID})
	pipe.HSet(ctx, b.hashKey, conversationID, accountID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis schedule respond_at: %w", err)
	}
	return nil
}

func (b *RedisBackend) Due(ctx context.Context, now time.Time, limit int) ([]store.RespondAt, error) {
	zs, err := b.client.ZRangeByScoreWithScores(ctx, b.zsetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis due respond_at: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i] = z.Member.(string)
	}
	accounts, err := b.client.HMGet(ctx, b.hashKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis respond_at accounts: %w", err)
	}
	out := make([]store.RespondAt, 0, len(zs))
	for i, z := range zs {
		acc, _ := accounts[i].(string)
		out = append(out, store.RespondAt{
			ConversationID: ids[i],
			AccountID:      acc,
			DueAt:          time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return out, nil
}

// claimScript removes the member only while its score still equals the claimed due time.
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) == tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  redis.call('HDEL', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

func (b *RedisBackend) Claim(ctx context.Context, conversationID string, dueAt time.Time) (bool, error) {
	n, err := claimScript.Run(ctx, b.client, []string{b.zsetKey, b.hashKey}, conversationID, dueAt.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("redis claim respond_at: %w", err)
	}
	return n == 1, nil
}
