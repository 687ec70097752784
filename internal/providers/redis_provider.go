package providers

import "github.com/go-redis/redis/v8"

// NewRedisProvider returns a client for the job store and the submission
// rate limiter. Connections are established lazily.
func NewRedisProvider(addr, password string, db int) *redis.Client {
	if addr == "" {
		addr = "localhost:6379"
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}
