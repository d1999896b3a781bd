package locksource

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tryAdvisoryLock = `SELECT pg_try_advisory_xact_lock($1);`

// Crushkey hashes a lock name into the bigint keyspace of the advisory
// lock functions.
func crushkey(key string) int64 {
	h := fnv.New64a()
	io.WriteString(h, key)
	return int64(h.Sum64())
}

var _ Source = (*PostgresSource)(nil)

// PostgresSource mints locks backed by Postgres transaction-scoped
// advisory locks.
type PostgresSource struct {
	pool  *pgxpool.Pool
	retry time.Duration
}

// NewPostgresSource returns a Source drawing connections from pool.
//
// Retry is the polling period for blocking Lock calls.
func NewPostgresSource(pool *pgxpool.Pool, retry time.Duration) *PostgresSource {
	if retry == 0 {
		retry = time.Second
	}
	return &PostgresSource{pool: pool, retry: retry}
}

// NewLock implements Source.
func (s *PostgresSource) NewLock() Locker {
	return &pgLock{pool: s.pool, retry: s.retry}
}

// PgLock holds an advisory lock inside an open transaction; rolling the
// transaction back on Unlock releases the lock. A connection failure
// releases the lock server-side, so a crashed holder cannot wedge the
// platform.
type pgLock struct {
	pool  *pgxpool.Pool
	retry time.Duration

	mu   sync.Mutex
	held bool
	tx   pgx.Tx
}

var errNotLocked = errors.New("locksource: not locked")

// TryLock implements Locker.
func (l *pgLock) TryLock(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		// Refusing here keeps a handle from acting like a recursive lock.
		return false, nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("locksource: begin: %w", err)
	}
	var ok bool
	if err := tx.QueryRow(ctx, tryAdvisoryLock, crushkey(key)).Scan(&ok); err != nil {
		tx.Rollback(ctx)
		return false, fmt.Errorf("locksource: acquire %q: %w", key, err)
	}
	if !ok {
		tx.Rollback(ctx)
		return false, nil
	}
	l.held = true
	l.tx = tx
	return true, nil
}

// Lock implements Locker.
func (l *pgLock) Lock(ctx context.Context, key string) error {
	ok, err := l.TryLock(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	t := time.NewTicker(l.retry)
	defer t.Stop()
	for !ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			ok, err = l.TryLock(ctx, key)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Unlock implements Locker.
func (l *pgLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return errNotLocked
	}
	err := l.tx.Rollback(context.Background())
	l.held = false
	l.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("locksource: release: %w", err)
	}
	return nil
}
