package mutate

import (
	"context"
	"sort"
	"sync"
)

type pathLock struct {
	// ch has capacity one; a buffered token means the lock is held.
	ch   chan struct{}
	refs int
}

// Locks is a table of per-document locks. Entries are created on first use
// and reclaimed when the last holder or waiter leaves, so the table stays
// proportional to in-flight work rather than vault size.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*pathLock)}
}

// Acquire takes the lock for one path, blocking until it is free or the
// context is cancelled. The returned release function must be called exactly
// once.
func (l *Locks) Acquire(ctx context.Context, path string) (func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[path]
	if !ok {
		pl = &pathLock{ch: make(chan struct{}, 1)}
		l.locks[path] = pl
	}
	pl.refs++
	l.mu.Unlock()

	select {
	case pl.ch <- struct{}{}:
		return func() {
			<-pl.ch
			l.drop(path, pl)
		}, nil
	case <-ctx.Done():
		l.drop(path, pl)
		return nil, ctx.Err()
	}
}

// AcquireAll takes the locks for several paths. Duplicates are collapsed and
// acquisition happens in sorted order, so two callers locking overlapping
// sets cannot deadlock.
func (l *Locks) AcquireAll(ctx context.Context, paths ...string) (func(), error) {
	unique := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	sort.Strings(unique)

	releases := make([]func(), 0, len(unique))
	for _, p := range unique {
		release, err := l.Acquire(ctx, p)
		if err != nil {
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
			return nil, err
		}
		releases = append(releases, release)
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}, nil
}

func (l *Locks) drop(path string, pl *pathLock) {
	l.mu.Lock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, path)
	}
	l.mu.Unlock()
}
