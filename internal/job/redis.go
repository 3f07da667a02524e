package job

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// casScript swaps KEYS[1] to ARGV[2] only if it currently holds ARGV[1].
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// RedisDocuments stores each document under "<prefix>:job:<id>:<kind>".
type RedisDocuments struct {
	rdb    *redis.Client
	prefix string
}

// RedisOptions configures NewRedisDocuments.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisDocuments connects to Redis and checks connectivity.
func NewRedisDocuments(ctx context.Context, opts RedisOptions) (*RedisDocuments, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisDocuments{rdb: rdb, prefix: opts.Prefix + ":job:"}, nil
}

func (d *RedisDocuments) key(k Key) string {
	return d.prefix + k.JobID + ":" + string(k.Kind)
}

func (d *RedisDocuments) Get(ctx context.Context, key Key) ([]byte, error) {
	body, err := d.rdb.Get(ctx, d.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return body, nil
}

func (d *RedisDocuments) Put(ctx context.Context, key Key, body []byte) error {
	if err := d.rdb.Set(ctx, d.key(key), body, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (d *RedisDocuments) Create(ctx context.Context, key Key, body []byte) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.key(key), body, 0).Result()
	if err != nil {
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	return ok, nil
}

func (d *RedisDocuments) CompareAndSwap(ctx context.Context, key Key, old, body []byte) (bool, error) {
	n, err := casScript.Run(ctx, d.rdb, []string{d.key(key)}, old, body).Int()
	if err != nil {
		return false, fmt.Errorf("swap %s: %w", key, err)
	}
	return n == 1, nil
}

func (d *RedisDocuments) Remove(ctx context.Context, key Key) error {
	if err := d.rdb.Del(ctx, d.key(key)).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (d *RedisDocuments) Keys(ctx context.Context) ([]Key, error) {
	var keys []Key
	iter := d.rdb.Scan(ctx, 0, d.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), d.prefix)
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			continue
		}
		k := Key{JobID: rest[:i], Kind: Kind(rest[i+1:])}
		if k.Validate() == nil {
			keys = append(keys, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	return keys, nil
}

func (d *RedisDocuments) Close() error {
	return d.rdb.Close()
}
