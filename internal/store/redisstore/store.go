// Package redisstore carries the Redis-backed pieces: change fan-out over
// pub/sub and the fixed-window request limiter.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/speakenai/speaken/internal/chat"
)

type Store struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
}

type Options struct {
	Addr     string
	Password string
	DB       int

	// RateLimit is the number of hits allowed per key and window; <= 0 disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

func New(opts Options) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(rdb, opts.RateLimit, opts.RateWindow)
}

func NewWithClient(rdb *redis.Client, limit int, window time.Duration) *Store {
	if window <= 0 {
		window = time.Minute
	}
	return &Store{rdb: rdb, limit: int64(limit), window: window}
}

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) Close() error { return s.rdb.Close() }

func userChannel(userID uint64) string {
	return fmt.Sprintf("chat:user:%d", userID)
}

func rateKey(key string) string {
	return "ratelimit:" + key
}

var _ chat.Notifier = (*Store)(nil)

// Publish sends the change to every subscriber of the owning user.
func (s *Store) Publish(ctx context.Context, c chat.Change) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, userChannel(c.UserID), b).Err()
}

// Subscribe streams the user's changes until ctx is done. The channel is
// closed when the subscription ends.
func (s *Store) Subscribe(ctx context.Context, userID uint64) (<-chan chat.Change, error) {
	ps := s.rdb.Subscribe(ctx, userChannel(userID))
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan chat.Change, 16)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var c chat.Change
				if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
					continue
				}
				c.UserID = userID
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Allow counts one hit for key in the current fixed window. The window key is
// created with its expiry and incremented in one MULTI, so a counter never
// outlives its window.
func (s *Store) Allow(ctx context.Context, key string) (bool, error) {
	if s.limit <= 0 {
		return true, nil
	}
	k := rateKey(key)
	var incr *redis.IntCmd
	if _, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, k, 0, s.window)
		incr = pipe.Incr(ctx, k)
		return nil
	}); err != nil {
		return false, err
	}
	return incr.Val() <= s.limit, nil
}
