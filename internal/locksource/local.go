package locksource

import (
	"context"
	"sync"
)

var (
	_ Source = (*localSource)(nil)
	_ Locker = (*localLock)(nil)
)

type localSource struct {
	sync.RWMutex
	m map[string]chan struct{}
}

// Local provides locks backed by process-local concurrency primitives.
func Local() Source {
	return &localSource{m: make(map[string]chan struct{})}
}

func (s *localSource) NewLock() Locker {
	return &localLock{s: s}
}

func (s *localSource) getch(key string) chan struct{} {
	s.RLock()
	ch, ok := s.m[key]
	s.RUnlock()
	if !ok {
		s.Lock()
		defer s.Unlock()
		ch, ok = s.m[key]
		if !ok {
			ch = make(chan struct{}, 1)
			ch <- struct{}{}
			s.m[key] = ch
		}
	}
	return ch
}

type localLock struct {
	s  *localSource
	ch chan struct{}
}

func (l *localLock) Lock(ctx context.Context, key string) error {
	ch := l.s.getch(key)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		l.ch = ch
		return nil
	}
}

func (l *localLock) TryLock(ctx context.Context, key string) (bool, error) {
	ch := l.s.getch(key)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-ch:
		l.ch = ch
		return true, nil
	default:
		return false, nil
	}
}

func (l *localLock) Unlock() error {
	if l.ch == nil {
		return errNotLocked
	}
	l.ch <- struct{}{}
	l.ch = nil
	return nil
}
