package swproxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultRedisPrefix = "swproxy"

// redisStore keeps generations in Redis so several proxy instances behind a
// load balancer share one cache.
//
//	<prefix>:generations             set of generation names
//	<prefix>:keys:<generation>       set of request keys
//	<prefix>:e:<generation>:<hash>   encoded snapshot
type redisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	codec  codec
}

func newRedisStore(cfg RedisConfig, c codec, log *logrus.Logger) (*redisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	log.WithFields(logrus.Fields{"prefix": prefix, "ttl": cfg.ttlDur}).Info("redis store connected")

	return &redisStore{client: client, prefix: prefix, ttl: cfg.ttlDur, codec: c}, nil
}

func (r *redisStore) generationsKey() string { return r.prefix + ":generations" }

func (r *redisStore) keysKey(generation string) string { return r.prefix + ":keys:" + generation }

func (r *redisStore) entryKey(generation, key string) string {
	return r.prefix + ":e:" + generation + ":" + strconv.FormatUint(xxhash.Sum64String(key), 16)
}

func (r *redisStore) Open(ctx context.Context, generation string) error {
	return r.client.SAdd(ctx, r.generationsKey(), generation).Err()
}

func (r *redisStore) Generations(ctx context.Context) ([]string, error) {
	out, err := r.client.SMembers(ctx, r.generationsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (r *redisStore) DeleteGeneration(ctx context.Context, generation string) error {
	keys, err := r.client.SMembers(ctx, r.keysKey(generation)).Result()
	if err != nil {
		return fmt.Errorf("list keys of %s: %w", generation, err)
	}
	const batch = 500
	for len(keys) > 0 {
		n := min(batch, len(keys))
		del := make([]string, 0, n)
		for _, k := range keys[:n] {
			del = append(del, r.entryKey(generation, k))
		}
		if err := r.client.Del(ctx, del...).Err(); err != nil {
			return fmt.Errorf("delete entries of %s: %w", generation, err)
		}
		keys = keys[n:]
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.keysKey(generation))
		p.SRem(ctx, r.generationsKey(), generation)
		return nil
	})
	return err
}

func (r *redisStore) Match(ctx context.Context, generation, key string) (Snapshot, bool, error) {
	b, err := r.client.Get(ctx, r.entryKey(generation, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("redis get: %w", err)
	}
	snap, err := r.codec.decode(b)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return snap, true, nil
}

// Put writes snap under key. Replacing a pinned entry keeps it pinned.
func (r *redisStore) Put(ctx context.Context, generation, key string, snap Snapshot) error {
	if !snap.Pinned {
		pinned, err := r.pinned(ctx, generation, key)
		if err != nil {
			return err
		}
		snap.Pinned = pinned
	}
	b, err := r.codec.encode(snap)
	if err != nil {
		return err
	}
	ttl := r.ttl
	if snap.Pinned {
		ttl = 0
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.generationsKey(), generation)
		p.SAdd(ctx, r.keysKey(generation), key)
		p.Set(ctx, r.entryKey(generation, key), b, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (r *redisStore) pinned(ctx context.Context, generation, key string) (bool, error) {
	b, err := r.client.Get(ctx, r.entryKey(generation, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	cur, err := r.codec.decode(b)
	if err != nil {
		return false, nil
	}
	return cur.Pinned, nil
}

// Keys lists live keys and prunes members whose entry has expired.
func (r *redisStore) Keys(ctx context.Context, generation string) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.keysKey(generation)).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", generation, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.IntCmd, len(keys))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.Exists(ctx, r.entryKey(generation, k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check keys of %s: %w", generation, err)
	}

	out := make([]string, 0, len(keys))
	var stale []any
	for i, k := range keys {
		if cmds[i].Val() > 0 {
			out = append(out, k)
		} else {
			stale = append(stale, k)
		}
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.keysKey(generation), stale...).Err()
	}
	sort.Strings(out)
	return out, nil
}

func (r *redisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
