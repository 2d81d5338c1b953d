package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	var l LocalLocker
	ctx := context.Background()

	release, err := l.Acquire(ctx)
	require.NoError(t, err)

	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRunLocked)

	release()
	release2, err := l.Acquire(ctx)
	require.NoError(t, err)
	release2()
}

func TestPostgresLocker_Acquired(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).
		WithArgs(runLockKey).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectRollback()

	release, err := NewPostgresLocker(mock).Acquire(context.Background())
	require.NoError(t, err)
	release()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocker_Held(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).
		WithArgs(runLockKey).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	_, err = NewPostgresLocker(mock).Acquire(context.Background())
	assert.ErrorIs(t, err, ErrRunLocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocker_BeginFails(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err = NewPostgresLocker(mock).Acquire(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRunLocked)
}

// fakeRedis implements SET NX and the token-checked release in memory.
type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[keys[0]] == args[0] {
		delete(f.keys, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLocker(t *testing.T) {
	fr := newFakeRedis()
	ctx := context.Background()
	a := NewRedisLocker(fr, "", 90*time.Minute)
	b := NewRedisLocker(fr, "", 90*time.Minute)

	release, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, fr.ttls["jurishealth:ingest:lock"])

	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRunLocked)

	release()
	assert.Empty(t, fr.keys)

	releaseB, err := b.Acquire(ctx)
	require.NoError(t, err)
	releaseB()
}

// A holder whose key expired and was taken over must not free the new lock.
func TestRedisLocker_ReleaseAfterTakeover(t *testing.T) {
	fr := newFakeRedis()
	ctx := context.Background()
	a := NewRedisLocker(fr, "k", time.Minute)

	release, err := a.Acquire(ctx)
	require.NoError(t, err)

	fr.mu.Lock()
	fr.keys["k"] = "someone-else"
	fr.mu.Unlock()

	release()
	assert.Equal(t, "someone-else", fr.keys["k"])
}

func TestRedisLocker_SetError(t *testing.T) {
	l := NewRedisLocker(errRedis{}, "", 0)
	_, err := l.Acquire(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRunLocked)
}

type errRedis struct{}

func (errRedis) SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(false, errors.New("dial tcp: connection refused"))
}

func (errRedis) Eval(context.Context, string, []string, ...any) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("unreachable"))
}
