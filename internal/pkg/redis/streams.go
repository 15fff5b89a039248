package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// XAdd appends an entry to a stream, trimming retained history to roughly
// maxLen entries. Returns the assigned entry id.
func (c *Client) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.Error("redis xadd failed",
			zap.String("stream", stream),
			zap.Error(err),
		)
	}
	return id, err
}

// XRead blocks for up to block waiting for entries after the given ids on the
// given streams. A nil result with no error means the block timed out.
func (c *Client) XRead(ctx context.Context, streams []string, ids []string, block time.Duration, count int64) ([]redis.XStream, error) {
	args := &redis.XReadArgs{
		Streams: append(append([]string{}, streams...), ids...),
		Block:   block,
		Count:   count,
	}

	res, err := c.rdb.XRead(ctx, args).Result()
	if err != nil {
		if IsNil(err) {
			// block expired with no data
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

// XLen returns the number of retained entries in a stream.
func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		c.logger.Error("redis xlen failed",
			zap.String("stream", stream),
			zap.Error(err),
		)
	}
	return n, err
}

// Publish sends a fire-and-forget message on a pub/sub channel and returns
// the number of subscribers that received it.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) (int64, error) {
	n, err := c.rdb.Publish(ctx, channel, message).Result()
	if err != nil {
		c.logger.Error("redis publish failed",
			zap.String("channel", channel),
			zap.Error(err),
		)
	}
	return n, err
}

// Subscribe subscribes to pub/sub channels.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// Del removes keys. Used by tests to reset topic streams between runs.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		c.logger.Error("redis del failed",
			zap.Strings("keys", keys),
			zap.Error(err),
		)
	}
	return n, err
}
