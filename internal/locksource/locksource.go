// Package locksource provides the locks guarding singleton background
// work: the platform-wide scan run and each feed source's sync.
//
// Locks must be consistent system-wide to provide any benefit: deployments
// with multiple processes need the Postgres-backed source so that a guard
// survives process restarts; tests and single-process offline use can rely
// on the local one.
package locksource

import "context"

// Locker is one acquirable lock handle.
//
// A Locker is single-use in the sense that Unlock must be called between
// acquisitions; handles are not safe for concurrent use.
type Locker interface {
	// Lock blocks until the named lock is acquired or the context is
	// canceled.
	Lock(ctx context.Context, key string) error
	// TryLock is a non-blocking acquisition attempt. It reports false,
	// without error, when the lock is held elsewhere.
	TryLock(ctx context.Context, key string) (bool, error)
	// Unlock releases the held lock.
	Unlock() error
}

// Source mints Locker handles sharing one underlying namespace.
type Source interface {
	NewLock() Locker
}
