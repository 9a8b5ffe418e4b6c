package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	Client *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.Client.Close()
}

func rateKey(subject string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", subject, now.UnixNano()/int64(window))
}

// Allow counts one hit for subject in the current fixed window and reports
// whether it is within limit.
func (s *Store) Allow(ctx context.Context, subject string, limit int, window time.Duration) (bool, error) {
	key := rateKey(subject, window, time.Now())

	pipe := s.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit), nil
}
