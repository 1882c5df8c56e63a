package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/floroz/livebid/internal/domain/query"
)

const (
	keyPrefix = "livebid:auction:"
	// generationTTL outlives any read-through by far; an expired counter
	// reads as 0, which only makes an in-flight Set refuse
	generationTTL = 24 * time.Hour
)

// setIfGeneration writes KEYS[1] only while KEYS[2] still holds ARGV[1]
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then gen = '0' end
if gen ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisDetailCache stores auction detail projections as JSON strings with a TTL,
// next to a per-auction generation counter that Invalidate increments.
// It satisfies query.DetailCache and auctions.CacheInvalidator.
type RedisDetailCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisDetailCache wraps an already connected client
func NewRedisDetailCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisDetailCache {
	return &RedisDetailCache{client: client, ttl: ttl, logger: logger}
}

// Connect opens a client and pings it
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func key(auctionID uuid.UUID) string {
	return keyPrefix + auctionID.String()
}

func genKey(auctionID uuid.UUID) string {
	return keyPrefix + auctionID.String() + ":gen"
}

// Get returns the cached detail, or nil and the current generation on a miss
func (c *RedisDetailCache) Get(ctx context.Context, auctionID uuid.UUID) (*query.AuctionDetail, int64, error) {
	vals, err := c.client.MGet(ctx, key(auctionID), genKey(auctionID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read cached auction %s: %w", auctionID, err)
	}

	gen, err := parseGeneration(vals[1])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read generation of auction %s: %w", auctionID, err)
	}

	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen, nil
	}

	var detail query.AuctionDetail
	if err := json.Unmarshal([]byte(raw), &detail); err != nil {
		// a corrupt entry is dropped and treated as a miss
		c.logger.Warn("Dropping undecodable cache entry", "auction_id", auctionID, "error", err)
		_ = c.client.Del(ctx, key(auctionID)).Err()
		return nil, gen, nil
	}
	return &detail, gen, nil
}

func parseGeneration(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// Set stores the projection unless the auction was invalidated since gen was read
func (c *RedisDetailCache) Set(ctx context.Context, detail *query.AuctionDetail, gen int64) (bool, error) {
	if detail == nil || detail.Auction == nil {
		return false, errors.New("cannot cache an empty auction detail")
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return false, fmt.Errorf("failed to encode auction %s: %w", detail.Auction.ID, err)
	}

	id := detail.Auction.ID
	stored, err := setIfGeneration.Run(ctx, c.client,
		[]string{key(id), genKey(id)},
		strconv.FormatInt(gen, 10), string(raw), c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to cache auction %s: %w", id, err)
	}
	return stored == 1, nil
}

// Invalidate drops the projection and moves the auction to a new generation,
// so a read-through that started earlier cannot store what it read.
// Invalidating an auction with nothing cached is not an error.
func (c *RedisDetailCache) Invalidate(ctx context.Context, auctionID uuid.UUID) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(auctionID))
		pipe.Expire(ctx, genKey(auctionID), generationTTL)
		pipe.Del(ctx, key(auctionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate auction %s: %w", auctionID, err)
	}
	return nil
}
