package remote

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// putScript stores a document once and assigns it the next offset of its
// collection. Running it as a script keeps the exists-check, the offset
// increment and both writes atomic across concurrent devices.
//
// KEYS[1] docs hash, KEYS[2] offsets zset, KEYS[3] offset counter
// ARGV[1] id, ARGV[2] data
var putScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
return seq
`)

// Redis is a DocumentStore backed by Redis.
//
// Each collection uses three keys sharing a hash tag, so they live in one
// cluster slot: a hash of id to data, a sorted set of id by offset, and an
// offset counter.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, prefix: prefix}, nil
}

// NewRedisWithClient creates a store from an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) keys(collection string) (docs, offsets, counter string) {
	base := r.prefix + "{" + collection + "}"
	return base + ":docs", base + ":offsets", base + ":seq"
}

// Put implements DocumentStore.
func (r *Redis) Put(ctx context.Context, collection, id string, data []byte) error {
	docs, offsets, counter := r.keys(collection)
	if err := putScript.Run(ctx, r.client, []string{docs, offsets, counter}, id, data).Err(); err != nil {
		return fmt.Errorf("put document %s: %w", id, err)
	}
	return nil
}

// Query implements DocumentStore.
func (r *Redis) Query(ctx context.Context, collection string, since int64, limit int) ([]Document, error) {
	docsKey, offsetsKey, _ := r.keys(collection)

	entries, err := r.client.ZRangeByScoreWithScores(ctx, offsetsKey, &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(since, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query offsets: %w", err)
	}
	if len(entries) == 0 {
		return []Document{}, nil
	}

	ids := make([]string, len(entries))
	for i, z := range entries {
		ids[i] = z.Member.(string)
	}
	values, err := r.client.HMGet(ctx, docsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}

	out := make([]Document, 0, len(entries))
	for i, z := range entries {
		s, ok := values[i].(string)
		if !ok {
			return nil, fmt.Errorf("document %s missing for offset %d", ids[i], int64(z.Score))
		}
		out = append(out, Document{ID: ids[i], Seq: int64(z.Score), Data: []byte(s)})
	}
	return out, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
