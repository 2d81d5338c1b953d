package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/db"
)

// ErrRunLocked means another ingestion run holds the lock.
var ErrRunLocked = eris.New("ingest: run already in progress")

// Locker guarantees at most one ingestion run at a time. Acquire never
// blocks waiting for the holder: it returns ErrRunLocked instead. The
// returned release func must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalLocker serializes runs within one process.
type LocalLocker struct {
	mu sync.Mutex
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(_ context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrRunLocked
	}
	return l.mu.Unlock, nil
}

// runLockKey is the advisory lock id shared by every host running ingestion.
const runLockKey int64 = 0x6a75726973 // "juris"

// PostgresLocker holds a transaction-scoped advisory lock for the duration
// of the run. The lock is released when the transaction ends, including when
// the connection drops.
type PostgresLocker struct {
	pool db.Pool
}

// NewPostgresLocker creates a PostgresLocker on pool.
func NewPostgresLocker(pool db.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// Acquire implements Locker.
func (l *PostgresLocker) Acquire(ctx context.Context) (func(), error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: begin lock tx")
	}

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, runLockKey).Scan(&locked); err != nil {
		_ = tx.Rollback(ctx)
		return nil, eris.Wrap(err, "ingest: try advisory lock")
	}
	if !locked {
		_ = tx.Rollback(ctx)
		return nil, ErrRunLocked
	}

	return func() {
		if err := tx.Rollback(context.Background()); err != nil {
			zap.L().Warn("ingest: release advisory lock", zap.Error(err))
		}
	}, nil
}

// redisLockClient is the subset of redis.Cmdable used by RedisLocker.
type redisLockClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseScript deletes the lock only if it still carries our token, so an
// expired holder never frees a lock taken over by another host.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker holds a lock key with a TTL. It suits deployments where cron
// fires on several hosts without a shared Postgres.
type RedisLocker struct {
	client redisLockClient
	key    string
	ttl    time.Duration
	token  func() string
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed run
// can keep others out.
func NewRedisLocker(client redisLockClient, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = "jurishealth:ingest:lock"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, token: uuid.NewString}
}

// DialRedisLocker parses url and connects a RedisLocker.
func DialRedisLocker(ctx context.Context, url string, ttl time.Duration) (*RedisLocker, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, eris.Wrap(err, "ingest: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, eris.Wrap(err, "ingest: ping redis")
	}
	return NewRedisLocker(client, "", ttl), client, nil
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context) (func(), error) {
	token := l.token()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: redis setnx")
	}
	if !ok {
		return nil, ErrRunLocked
	}

	return func() {
		// the run ctx may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Int64()
		if err != nil {
			zap.L().Warn("ingest: release redis lock", zap.Error(err))
			return
		}
		if n == 0 {
			zap.L().Warn("ingest: redis lock expired before release", zap.Duration("ttl", l.ttl))
		}
	}, nil
}
