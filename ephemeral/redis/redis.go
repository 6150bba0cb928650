// Package redis implements ephemeral.Store against Redis, grounded on the
// teacher's storage/redis adapter's connection-options shape but rewritten
// against github.com/redis/go-redis/v9 (the teacher's storage/redis used the
// older v8 client; v9 is what the rest of the retrieval pack settles on).
// CompareAndSwap is implemented as a Lua script so the read-compare-write is
// atomic server-side even when multiple Authrim instances share one Redis.
package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/authrim/authrim/ephemeral"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store is a Redis-backed ephemeral.Store.
type Store struct {
	client *goredis.Client
}

// New dials Redis using opts and returns a Store.
func New(opts Options) *Store {
	return &Store{client: goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, ephemeral.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// compareAndSwapScript swaps only when the stored state matches: ARGV[3] is
// "1" when the caller passed a nil oldValue, and then the key must be absent;
// otherwise the key must exist and hold exactly ARGV[1], so a present-but-empty
// value is distinguished from a missing key by checking EXISTS first.
var compareAndSwapScript = goredis.NewScript(`
local exists = redis.call("EXISTS", KEYS[1])
if ARGV[3] == "1" then
    if exists == 1 then
        return 0
    end
else
    if exists == 0 then
        return 0
    end
    local cur = redis.call("GET", KEYS[1])
    if cur ~= ARGV[1] then
        return 0
    end
end
if tonumber(ARGV[4]) > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[4])
else
    redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

func (s *Store) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte, ttl time.Duration) (bool, error) {
	wantAbsent := "0"
	if oldValue == nil {
		wantAbsent = "1"
	}
	ttlMS := int64(0)
	if ttl > 0 {
		ttlMS = ttl.Milliseconds()
	}
	res, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, oldValue, newValue, wantAbsent, ttlMS).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
