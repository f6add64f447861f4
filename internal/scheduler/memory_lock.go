package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/tourbridge/internal/idgen"
)

// MemoryLocker implements Locker within one process. It is used when no
// Redis is configured and in tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryEntry
	now    func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryEntry), now: time.Now}
}

// Acquire takes key for ttl or returns ErrLocked.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.leases[key]; ok && now.Before(e.expires) {
		return nil, ErrLocked
	}
	token := idgen.New()
	l.leases[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

// Held reports whether key is currently leased.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.leases[key]
	return ok && l.now().Before(e.expires)
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

// owned must be called with the locker's mutex held.
func (l *memoryLease) owned() bool {
	e, ok := l.locker.leases[l.key]
	return ok && e.token == l.token && l.locker.now().Before(e.expires)
}

func (l *memoryLease) Extend(_ context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if !l.owned() {
		return ErrLeaseLost
	}
	l.locker.leases[l.key] = memoryEntry{token: l.token, expires: l.locker.now().Add(ttl)}
	return nil
}

func (l *memoryLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if !l.owned() {
		return ErrLeaseLost
	}
	delete(l.locker.leases, l.key)
	return nil
}
