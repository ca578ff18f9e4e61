package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps locks as SET NX keys with a server-side TTL, so expired
// locks disappear without the lazy reclaim the SQL backend needs.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "signlane:lock:"}
}

func (s *RedisStore) Insert(ctx context.Context, l Lock) error {
	ttl := time.Until(l.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	ok, err := s.client.SetNX(ctx, s.prefix+l.Key, l.LockID, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Lock, error) {
	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, s.prefix+key)
	pttl := pipe.PTTL(ctx, s.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return Lock{}, ErrNotFound
		}
		return Lock{}, err
	}
	return Lock{
		Key:       key,
		LockID:    get.Val(),
		ExpiresAt: time.Now().Add(pttl.Val()),
	}, nil
}

// checkAndDelScript deletes the key only when its value matches, mirroring
// the lockID-guarded delete of the SQL backend.
var checkAndDelScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisStore) Delete(ctx context.Context, key, lockID string) (bool, error) {
	n, err := checkAndDelScript.Run(ctx, s.client, []string{s.prefix + key}, lockID).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n > 0, nil
}
