package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLocked is returned by Obtain when another holder owns the key.
var ErrLocked = errors.New("lock is held by another worker")

// MailboxKey is the advisory lock key of a mailbox.
func MailboxKey(mailboxID string) string {
	return "archiver:mailbox:" + mailboxID
}

// Lock is a held advisory lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out non-blocking advisory locks.
type Locker interface {
	Obtain(ctx context.Context, key string) (Lock, error)
}

// RedisConfig for the redis-backed locker
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisLocker implements Locker with SET NX and a token checked on release,
// so an expired holder cannot release a lock someone else now owns.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// NewRedisLocker connects to redis and checks the connection.
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}, nil
}

// Obtain sets key if it is free.
func (l *RedisLocker) Obtain(ctx context.Context, key string) (Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLock{client: l.client, key: key, token: token}, nil
}

// Close closes the redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// Obtain marks key as held if it is free.
func (l *LocalLocker) Obtain(_ context.Context, key string) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}
	return &localLock{owner: l, key: key}, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	once  sync.Once
}

func (l *localLock) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.key)
		l.owner.mu.Unlock()
	})
	return nil
}
