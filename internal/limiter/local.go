package limiter

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process limiter with the same window and lockout rules as PG.
type Local struct {
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// NewLocal constructs an in-process limiter.
func NewLocal(window time.Duration, maxFails int, blockFor time.Duration) *Local {
	return &Local{
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
}

func key(email string, client []byte) string {
	return NormalizeEmail(email) + "\x00" + string(client)
}

func (l *Local) Allow(_ context.Context, email string, client []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key(email, client)]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (l *Local) Success(_ context.Context, email string, client []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key(email, client))
	return nil
}

func (l *Local) Failure(_ context.Context, email string, client []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key(email, client)
	e, ok := l.entries[k]
	if !ok || now.Sub(e.updatedAt) > l.window {
		e = &entry{}
		l.entries[k] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails < l.maxFails {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(l.blockFor)
	return true, l.blockFor, nil
}
