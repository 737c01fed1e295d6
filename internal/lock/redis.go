package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "release-gate:lock:"

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisOptions tunes lease expiry
type RedisOptions struct {
	// TTL bounds how long a crashed holder blocks the key
	TTL time.Duration
	// Refresh is how often a live holder extends its lease
	Refresh time.Duration
}

// Redis is a Locker shared by every API and worker process
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	logger zerolog.Logger
}

// NewRedis creates a Redis-backed locker
func NewRedis(client *redis.Client, opts RedisOptions, logger zerolog.Logger) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Refresh <= 0 || opts.Refresh >= opts.TTL {
		opts.Refresh = opts.TTL / 3
	}
	return &Redis{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, redisKey, token, r.opts.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	l := &redisLease{
		locker:   r,
		key:      key,
		redisKey: redisKey,
		token:    token,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.keepAlive()

	r.logger.Debug().Str("key", key).Msg("Lock acquired")
	return l, nil
}

type redisLease struct {
	locker   *Redis
	key      string
	redisKey string
	token    string
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) keepAlive() {
	defer close(l.done)
	ticker := time.NewTicker(l.locker.opts.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.locker.opts.Refresh)
			n, err := extendScript.Run(ctx, l.locker.client, []string{l.redisKey}, l.token, l.locker.opts.TTL.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.locker.logger.Warn().Err(err).Str("key", l.key).Msg("Failed to extend lock")
				continue
			}
			if n == 0 {
				l.locker.logger.Error().Str("key", l.key).Msg("Lock lost")
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() { close(l.stop) })
	<-l.done

	n, err := releaseScript.Run(ctx, l.locker.client, []string{l.redisKey}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLost
	}
	l.locker.logger.Debug().Str("key", l.key).Msg("Lock released")
	return nil
}
