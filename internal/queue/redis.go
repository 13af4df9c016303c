package queue

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// RedisTarget is a parsed Redis URL. The task queue and the block status
// cache share one Redis instance, so both clients are built from it.
type RedisTarget struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool
}

// ParseRedisTarget accepts:
//   - redis://[user[:password]@]host:port[/db]
//   - rediss://[user[:password]@]host:port[/db] (TLS)
//   - host:port (no password, db 0)
func ParseRedisTarget(redisURL string) (RedisTarget, error) {
	if redisURL == "" {
		return RedisTarget{}, fmt.Errorf("redis URL is empty")
	}
	if !strings.Contains(redisURL, "://") {
		return RedisTarget{Addr: redisURL}, nil
	}

	u, err := url.Parse(redisURL)
	if err != nil {
		return RedisTarget{}, fmt.Errorf("invalid redis URL: %w", err)
	}

	var t RedisTarget
	switch u.Scheme {
	case "redis":
	case "rediss":
		t.TLS = true
	default:
		return RedisTarget{}, fmt.Errorf("unsupported redis URL scheme: %s (expected 'redis' or 'rediss')", u.Scheme)
	}

	if u.Host == "" {
		return RedisTarget{}, fmt.Errorf("redis URL missing host")
	}
	t.Addr = u.Host

	if u.User != nil {
		t.Username = u.User.Username()
		t.Password, _ = u.User.Password()
	}

	if dbStr := strings.TrimPrefix(u.Path, "/"); dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil || db < 0 {
			return RedisTarget{}, fmt.Errorf("invalid database number in redis URL: %s", dbStr)
		}
		t.DB = db
	}

	return t, nil
}

func (t RedisTarget) tlsConfig() *tls.Config {
	if !t.TLS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// AsynqOpt returns the connection options of the task queue.
func (t RedisTarget) AsynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:      t.Addr,
		Username:  t.Username,
		Password:  t.Password,
		DB:        t.DB,
		TLSConfig: t.tlsConfig(),
	}
}

// ClientOptions returns go-redis options for direct cache access.
func (t RedisTarget) ClientOptions() *redis.Options {
	return &redis.Options{
		Addr:      t.Addr,
		Username:  t.Username,
		Password:  t.Password,
		DB:        t.DB,
		TLSConfig: t.tlsConfig(),
	}
}

// ParseRedisURL parses redisURL into asynq connection options.
func ParseRedisURL(redisURL string) (asynq.RedisClientOpt, error) {
	t, err := ParseRedisTarget(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return t.AsynqOpt(), nil
}

// NewRedisClient opens a go-redis client on the same instance as the queue.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	t, err := ParseRedisTarget(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(t.ClientOptions()), nil
}
