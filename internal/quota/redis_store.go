package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "geonotes:quota:"
	ownerScanCount        = 500
)

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

var errMissingRedisClient = errors.New("quota: redis client is required")

// tryIncrementScript returns {admitted, count}.
var tryIncrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < tonumber(ARGV[1]) then
  return {1, redis.call('INCR', KEYS[1])}
end
return {0, current}
`)

// decrementScript returns {decremented, count}.
var decrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  return {0, 0}
end
return {1, redis.call('DECR', KEYS[1])}
`)

// RedisCounterStore keeps counters in Redis; Lua scripts make each call atomic.
type RedisCounterStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisCounterStore constructs a counter store; an empty prefix uses "geonotes:quota:".
func NewRedisCounterStore(client redis.Cmdable, keyPrefix string) (*RedisCounterStore, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisCounterStore{client: client, keyPrefix: prefix}, nil
}

// OpenRedis builds a client for addr; callers own Close.
func OpenRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (store *RedisCounterStore) key(ownerID string) string {
	return store.keyPrefix + ownerID
}

// TryIncrement increments the counter when it is below limit.
func (store *RedisCounterStore) TryIncrement(ctx context.Context, ownerID string, limit int64) (bool, int64, error) {
	values, err := tryIncrementScript.Run(ctx, store.client, []string{store.key(ownerID)}, limit).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(values) != 2 {
		return false, 0, fmt.Errorf("quota: unexpected script reply %v", values)
	}
	return values[0] == 1, values[1], nil
}

// Decrement lowers the counter unless it is already zero.
func (store *RedisCounterStore) Decrement(ctx context.Context, ownerID string) (int64, bool, error) {
	values, err := decrementScript.Run(ctx, store.client, []string{store.key(ownerID)}).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(values) != 2 {
		return 0, false, fmt.Errorf("quota: unexpected script reply %v", values)
	}
	return values[1], values[0] == 0, nil
}

// Count returns the owner's counter, zero when the key is absent.
func (store *RedisCounterStore) Count(ctx context.Context, ownerID string) (int64, error) {
	count, err := store.client.Get(ctx, store.key(ownerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}

// Reset overwrites the counter with an externally computed value.
func (store *RedisCounterStore) Reset(ctx context.Context, ownerID string, count int64) error {
	if count < 0 {
		count = 0
	}
	return store.client.Set(ctx, store.key(strings.TrimSpace(ownerID)), count, 0).Err()
}

// Owners walks the prefix with SCAN so reconciliation sees counters for owners that no
// longer have notes.
func (store *RedisCounterStore) Owners(ctx context.Context) ([]string, error) {
	var owners []string
	iterator := store.client.Scan(ctx, 0, globEscaper.Replace(store.keyPrefix)+"*", ownerScanCount).Iterator()
	for iterator.Next(ctx) {
		owners = append(owners, strings.TrimPrefix(iterator.Val(), store.keyPrefix))
	}
	if err := iterator.Err(); err != nil {
		return nil, err
	}
	return owners, nil
}
