package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Store = (*Redis)(nil)

// RedisConfig holds connection settings for a Redis Stack server.
type RedisConfig struct {
	Addr         string        `json:"addr"`
	Password     string        `json:"password,omitempty"` // Supports ${ENV_VAR} expansion
	DB           int           `json:"db,omitempty"`
	DialTimeout  time.Duration `json:"-"`
	ReadTimeout  time.Duration `json:"-"`
	WriteTimeout time.Duration `json:"-"`
	PoolSize     int           `json:"pool_size,omitempty"`
}

// Redis implements Store against a Redis Stack server. Vector search
// uses the RediSearch module (FT.CREATE / FT.SEARCH); everything else
// is plain hashes, sets and key expiry.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to the server and verifies the connection with a
// ping.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		// go-redis panics on FT.INFO/FT.SEARCH replies under RESP3
		// unless this flag is set.
		UnstableResp3: true,
	})

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}

	return &Redis{rdb: rdb}, nil
}

func (r *Redis) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if err := r.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("store: hset %s: %w", key, err)
	}
	return nil
}

func (r *Redis) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hgetall %s: %w", key, err)
	}
	return fields, nil
}

func (r *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.rdb.SAdd(ctx, key, toAnySlice(members)...).Err(); err != nil {
		return fmt.Errorf("store: sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.rdb.SRem(ctx, key, toAnySlice(members)...).Err(); err != nil {
		return fmt.Errorf("store: srem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) SetSample(ctx context.Context, key string, count int) ([]string, error) {
	// Positive count returns distinct members.
	members, err := r.rdb.SRandMemberN(ctx, key, int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: srandmember %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: del: %w", err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: expire %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := r.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("store: ttl %s: %w", key, err)
	}
	// go-redis passes the Redis sentinels through raw: -2 means the key
	// does not exist, -1 means no expiry is set.
	switch d {
	case -2:
		return 0, false, ErrKeyNotFound
	case -1:
		return 0, false, nil
	default:
		return d, true, nil
	}
}

func (r *Redis) Batch() Batch {
	return &redisBatch{pipe: r.rdb.Pipeline()}
}

// redisBatch queues mutations on a go-redis pipeline so they reach the
// server in one round trip.
type redisBatch struct {
	pipe redis.Pipeliner
}

func (b *redisBatch) HashSet(key string, fields map[string]string) {
	b.pipe.HSet(context.Background(), key, fields)
}

func (b *redisBatch) SetAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	b.pipe.SAdd(context.Background(), key, toAnySlice(members)...)
}

func (b *redisBatch) SetRemove(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	b.pipe.SRem(context.Background(), key, toAnySlice(members)...)
}

func (b *redisBatch) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	b.pipe.Del(context.Background(), keys...)
}

func (b *redisBatch) Expire(key string, ttl time.Duration) {
	b.pipe.Expire(context.Background(), key, ttl)
}

func (b *redisBatch) Exec(ctx context.Context) error {
	if _, err := b.pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: batch exec: %w", err)
	}
	return nil
}

// EnsureIndex creates the vector index if it does not already exist.
// Safe to call repeatedly and from concurrent processes.
func (r *Redis) EnsureIndex(ctx context.Context, name, prefix string, dims int) error {
	if err := r.rdb.FTInfo(ctx, name).Err(); err == nil {
		return nil
	} else if isUnknownCommand(err) {
		return fmt.Errorf("%w: %v", ErrIndexUnsupported, err)
	} else if !isUnknownIndex(err) {
		return fmt.Errorf("store: ft.info %s: %w", name, err)
	}

	err := r.rdb.FTCreate(ctx, name,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{prefix},
		},
		&redis.FieldSchema{
			FieldName: "ns",
			FieldType: redis.SearchFieldTypeTag,
		},
		&redis.FieldSchema{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				FlatOptions: &redis.FTFlatOptions{
					Type:           "FLOAT32",
					Dim:            dims,
					DistanceMetric: "COSINE",
				},
			},
		},
	).Err()
	if err != nil {
		if isUnknownCommand(err) {
			return fmt.Errorf("%w: %v", ErrIndexUnsupported, err)
		}
		// Lost a creation race with another process; the index exists.
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return nil
		}
		return fmt.Errorf("store: ft.create %s: %w", name, err)
	}
	return nil
}

// SearchKNN issues a namespace-filtered KNN query and returns hits
// ascending by distance.
func (r *Redis) SearchKNN(ctx context.Context, index, namespace string, vector []float32, k int, fields []string) ([]VectorHit, error) {
	query := fmt.Sprintf("(@ns:{%s})=>[KNN %d @embedding $vec AS __dist]", escapeTag(namespace), k)

	returns := make([]redis.FTSearchReturn, 0, len(fields)+1)
	for _, f := range fields {
		returns = append(returns, redis.FTSearchReturn{FieldName: f})
	}
	returns = append(returns, redis.FTSearchReturn{FieldName: "__dist"})

	res, err := r.rdb.FTSearchWithArgs(ctx, index, query, &redis.FTSearchOptions{
		Return:         returns,
		SortBy:         []redis.FTSearchSortBy{{FieldName: "__dist", Asc: true}},
		DialectVersion: 2,
		Params:         map[string]interface{}{"vec": EncodeVector(vector)},
		LimitOffset:    0,
		Limit:          k,
	}).Result()
	if err != nil {
		if isUnknownCommand(err) {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnsupported, err)
		}
		if isUnknownIndex(err) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
		}
		return nil, fmt.Errorf("store: ft.search %s: %w", index, err)
	}

	hits := make([]VectorHit, 0, len(res.Docs))
	for _, doc := range res.Docs {
		hit := VectorHit{Key: doc.ID, Fields: make(map[string]string, len(doc.Fields))}
		for k, v := range doc.Fields {
			if k == "__dist" {
				score, perr := strconv.ParseFloat(v, 64)
				if perr != nil {
					return nil, fmt.Errorf("store: ft.search %s: bad distance %q", index, v)
				}
				hit.Score = score
				continue
			}
			hit.Fields[k] = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func toAnySlice(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

// escapeTag escapes RediSearch TAG query syntax so arbitrary namespace
// strings match literally.
func escapeTag(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isUnknownCommand(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown command")
}

func isUnknownIndex(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") || strings.Contains(msg, "no such index")
}
