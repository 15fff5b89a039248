package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mzet97/llama.cpp-dds/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Host = "" },
			wantErr: true,
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Port = 0 },
			wantErr: true,
		},
		{
			name:    "bad db",
			mutate:  func(c *Config) { c.DB = 16 },
			wantErr: true,
		},
		{
			name:    "zero pool size",
			mutate:  func(c *Config) { c.PoolSize = 0 },
			wantErr: true,
		},
		{
			name:    "idle conns exceed pool",
			mutate:  func(c *Config) { c.MinIdleConns = c.PoolSize + 1 },
			wantErr: true,
		},
		{
			name:    "tls without material",
			mutate:  func(c *Config) { c.EnableTLS = true },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigAddr(t *testing.T) {
	cfg := &Config{Host: "redis.internal", Port: 6380}
	assert.Equal(t, "redis.internal:6380", cfg.Addr())
}

func setupTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultConfig()
	client, err := New(cfg, logger.Nop())
	if err != nil {
		t.Skipf("redis not available at %s: %v", cfg.Addr(), err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStreamRoundTrip(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	stream := fmt.Sprintf("test:stream:%d", time.Now().UnixNano())
	defer client.Del(ctx, stream)

	id, err := client.XAdd(ctx, stream, 8, map[string]interface{}{"k": "v1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, err := client.XRead(ctx, []string{stream}, []string{"0"}, 100*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0].Messages, 1)
	assert.Equal(t, "v1", res[0].Messages[0].Values["k"])
}

func TestXReadBlockTimeout(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	stream := fmt.Sprintf("test:empty:%d", time.Now().UnixNano())

	start := time.Now()
	res, err := client.XRead(ctx, []string{stream}, []string{"$"}, 100*time.Millisecond, 1)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPubSubRoundTrip(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	channel := fmt.Sprintf("test:channel:%d", time.Now().UnixNano())

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	_, err = client.Publish(ctx, channel, "hello")
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub delivery")
	}
}
