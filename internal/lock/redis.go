package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
)

// releaseScript deletes the key only while it still carries our token, so a
// lock that expired and was re-acquired elsewhere is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript pushes the expiry out only while the key still carries our token
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every process using the same Redis
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zerolog.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker whose keys expire after ttl unless renewed.
// A held lock is renewed every ttl/3 until released, so ttl only bounds how
// long a crashed holder keeps the key.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "rentrig:exec-lock:",
		ttl:    ttl,
		logger: logger,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Release, error) {
	token := uuid.New().String()
	redisKey := l.prefix + key

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, apperr.New(apperr.CodeUnavailable, "lock.acquire", "lock backend unavailable", err)
	}
	if !ok {
		return nil, held(key)
	}

	done := make(chan struct{})
	go l.keepAlive(redisKey, token, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn().Err(err).Str("key", redisKey).Msg("failed to release execution lock")
			}
		})
	}, nil
}

// keepAlive renews the key until done is closed or the key is lost
func (l *RedisLocker) keepAlive(redisKey, token string, done <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn().Err(err).Str("key", redisKey).Msg("failed to renew execution lock")
				continue
			}
			if n == 0 {
				l.logger.Error().Str("key", redisKey).Msg("execution lock lost before release")
				return
			}
		}
	}
}
