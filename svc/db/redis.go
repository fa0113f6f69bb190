package db

import (
	"context"
	"pastelite/cfg"
	"pastelite/pkg/domain"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "paste:"

// Absent ttl_seconds/max_views fields mean "no limit".
var insertScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end
	redis.call("HSET", KEYS[1], "content", ARGV[1], "created_at", ARGV[2], "view_count", 0)
	if ARGV[3] ~= "" then
		redis.call("HSET", KEYS[1], "ttl_seconds", ARGV[3])
	end
	if ARGV[4] ~= "" then
		redis.call("HSET", KEYS[1], "max_views", ARGV[4])
	end
	if tonumber(ARGV[5]) > 0 then
		redis.call("PEXPIREAT", KEYS[1], ARGV[5])
	end
	return 1
`)

var consumeScript = redis.NewScript(`
	local f = redis.call("HMGET", KEYS[1], "content", "created_at", "ttl_seconds", "max_views", "view_count")
	if not f[1] then
		return false
	end
	local now = tonumber(ARGV[1])
	local created = tonumber(f[2])
	local ttl = f[3] and tonumber(f[3])
	local maxViews = f[4] and tonumber(f[4])
	local views = tonumber(f[5])
	if ttl and now >= created + ttl * 1000 then
		return false
	end
	if maxViews and views >= maxViews then
		return false
	end
	views = redis.call("HINCRBY", KEYS[1], "view_count", 1)
	return {f[1], f[2], f[3] or "", f[4] or "", tostring(views)}
`)

type Redis struct {
	client    *redis.Client
	timeout   time.Duration
	retention time.Duration
}

// NewRedis connects to the store named by c.RedisURL. When retention is
// positive, keys of pastes with a TTL carry a native expiry of
// expiry+retention, which is how tombstones are purged on this backend.
func NewRedis(c *cfg.Cfg, retention time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := c.RedisTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{
		client:    client,
		timeout:   timeout,
		retention: retention,
	}, nil
}
func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
func (r *Redis) Insert(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var expireAt int64
	if exp := p.ExpiresAtMs(); exp != nil && r.retention > 0 {
		expireAt = *exp + r.retention.Milliseconds()
	}
	ok, err := insertScript.Run(ctx, r.client, []string{keyPrefix + p.ID},
		p.Content, p.CreatedAt, optInt(p.TTLSeconds), optInt(p.MaxViews), expireAt).Int()
	if err != nil {
		return errors.Wrap(err, "redis insert")
	}
	if ok == 0 {
		return errors.Wrap(ErrDuplicateID, "redis insert")
	}
	p.ViewCount = 0
	return nil
}
func (r *Redis) ConsumeView(ctx context.Context, id string, nowMs int64) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := consumeScript.Run(ctx, r.client, []string{keyPrefix + id}, nowMs).StringSlice()
	if err == redis.Nil {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis consume view")
	}
	if len(res) != 5 {
		return nil, errors.Errorf("redis consume view: unexpected reply length %d", len(res))
	}
	return parsePaste(id, map[string]string{
		"content":     res[0],
		"created_at":  res[1],
		"ttl_seconds": res[2],
		"max_views":   res[3],
		"view_count":  res[4],
	})
}
func (r *Redis) Fetch(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	fields, err := r.client.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis fetch")
	}
	if len(fields) == 0 {
		return nil, domain.ErrPasteNotFound
	}
	return parsePaste(id, fields)
}
func parsePaste(id string, f map[string]string) (*domain.Paste, error) {
	p := &domain.Paste{ID: id, Content: f["content"]}
	var err error
	if p.CreatedAt, err = strconv.ParseInt(f["created_at"], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	if p.ViewCount, err = strconv.ParseInt(f["view_count"], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse view_count")
	}
	if p.TTLSeconds, err = parseOptInt(f["ttl_seconds"]); err != nil {
		return nil, errors.Wrap(err, "parse ttl_seconds")
	}
	if p.MaxViews, err = parseOptInt(f["max_views"]); err != nil {
		return nil, errors.Wrap(err, "parse max_views")
	}
	return p, nil
}
func parseOptInt(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// PurgeExpired is a no-op: expired keys are removed by Redis itself when a
// retention is configured, and kept as tombstones otherwise.
func (r *Redis) PurgeExpired(ctx context.Context, nowMs int64, retention time.Duration) (int, error) {
	return 0, nil
}
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
