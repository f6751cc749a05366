package storage

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Redis is an Adapter backed by a Redis server: each key is flattened to its
// "/"-joined Key.String() form under keyPrefix, and a set tracks every key written
// so LoadRange/RemoveRange can enumerate by prefix without a Redis SCAN.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedis wraps an existing *redis.Client. keyPrefix namespaces every key
// this adapter touches, so one Redis instance can back several workspaces.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) redisKey(key Key) string {
	return r.keyPrefix + ":kv:" + key.String()
}

func (r *Redis) indexKey() string {
	return r.keyPrefix + ":index"
}

func (r *Redis) Load(ctx context.Context, key Key) ([]byte, error) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	return data, nil
}

func (r *Redis) Save(ctx context.Context, key Key, value []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.redisKey(key), value, 0)
	pipe.SAdd(ctx, r.indexKey(), key.String())
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "redis set")
}

func (r *Redis) Remove(ctx context.Context, key Key) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.redisKey(key))
	pipe.SRem(ctx, r.indexKey(), key.String())
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "redis del")
}

func (r *Redis) LoadRange(ctx context.Context, prefix Key) ([]Entry, error) {
	all, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis smembers")
	}

	var entries []Entry
	for _, flat := range all {
		key := splitFlatKey(flat)
		if !key.HasPrefix(prefix) {
			continue
		}
		data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "redis get during range load")
		}
		entries = append(entries, Entry{Key: key, Bytes: data})
	}
	sortEntries(entries)
	return entries, nil
}

func (r *Redis) RemoveRange(ctx context.Context, prefix Key) error {
	entries, err := r.LoadRange(ctx, prefix)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	for _, e := range entries {
		pipe.Del(ctx, r.redisKey(e.Key))
		pipe.SRem(ctx, r.indexKey(), e.Key.String())
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis remove range")
}

func (r *Redis) Close() error { return r.client.Close() }

func splitFlatKey(flat string) Key {
	var key Key
	start := 0
	for i := 0; i < len(flat); i++ {
		if flat[i] == '/' {
			key = append(key, flat[start:i])
			start = i + 1
		}
	}
	key = append(key, flat[start:])
	return key
}
