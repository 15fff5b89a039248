package redis

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNil            = redis.Nil // key or stream entry does not exist
	ErrClosed         = errors.New("redis: client is closed")
	ErrNotInitialized = errors.New("redis: client not initialized")
)

// IsNil reports whether err is the go-redis nil reply.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsClosed reports whether err means the client has been closed.
func IsClosed(err error) bool {
	return errors.Is(err, redis.ErrClosed) || errors.Is(err, ErrClosed)
}
