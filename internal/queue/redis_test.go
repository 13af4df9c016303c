package queue

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisTarget(t *testing.T) {
	tests := []struct {
		name      string
		redisURL  string
		want      RedisTarget
		wantError bool
	}{
		{
			name:     "host:port without scheme",
			redisURL: "localhost:6379",
			want:     RedisTarget{Addr: "localhost:6379"},
		},
		{
			name:     "redis URL with password and database",
			redisURL: "redis://:secretpass@redis.example.com:6379/1",
			want:     RedisTarget{Addr: "redis.example.com:6379", Password: "secretpass", DB: 1},
		},
		{
			name:     "redis URL with ACL user",
			redisURL: "redis://blocklist:pw@redis:6379/2",
			want:     RedisTarget{Addr: "redis:6379", Username: "blocklist", Password: "pw", DB: 2},
		},
		{
			name:     "URL-encoded password",
			redisURL: "redis://:p%40ssw0rd%21@localhost:6379/0",
			want:     RedisTarget{Addr: "localhost:6379", Password: "p@ssw0rd!"},
		},
		{
			name:     "rediss enables TLS",
			redisURL: "rediss://:password@secure-redis.example.com:6380",
			want:     RedisTarget{Addr: "secure-redis.example.com:6380", Password: "password", TLS: true},
		},
		{name: "empty", redisURL: "", wantError: true},
		{name: "invalid scheme", redisURL: "http://localhost:6379", wantError: true},
		{name: "invalid database number", redisURL: "redis://localhost:6379/abc", wantError: true},
		{name: "negative database number", redisURL: "redis://localhost:6379/-1", wantError: true},
		{name: "missing host", redisURL: "redis://:password@/0", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisTarget(tt.redisURL)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedisTarget_ClientsShareConnection(t *testing.T) {
	target, err := ParseRedisTarget("rediss://user:pw@cache:6380/3")
	require.NoError(t, err)

	opt := target.AsynqOpt()
	client := target.ClientOptions()

	assert.Equal(t, opt.Addr, client.Addr)
	assert.Equal(t, opt.Username, client.Username)
	assert.Equal(t, opt.Password, client.Password)
	assert.Equal(t, opt.DB, client.DB)
	require.NotNil(t, opt.TLSConfig)
	require.NotNil(t, client.TLSConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), opt.TLSConfig.MinVersion)
}

func TestParseRedisURL_PlainHasNoTLS(t *testing.T) {
	opt, err := ParseRedisURL("redis://localhost:6379/5")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", opt.Addr)
	assert.Equal(t, 5, opt.DB)
	assert.Nil(t, opt.TLSConfig)
}

func TestNewRedisClient(t *testing.T) {
	client, err := NewRedisClient("redis://localhost:6379/4")
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	assert.Equal(t, 4, client.Options().DB)

	_, err = NewRedisClient("ftp://nope")
	assert.Error(t, err)
}
