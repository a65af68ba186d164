package backend

import (
	"sync"

	"github.com/kevschoo/staybook/internal/model"
)

// AuthState holds the signed-in principal and fans changes out to subscribers.
// Identity implementations embed it to get Current and Subscribe.
//
// Notifications are serialized; callbacks must not call back into AuthState.
type AuthState struct {
	notify sync.Mutex // serializes Set and the initial delivery of Subscribe

	mu      sync.Mutex
	current *model.Principal
	subs    map[int]func(*model.Principal)
	next    int
}

// Current returns a copy of the signed-in principal or nil.
func (a *AuthState) Current() *model.Principal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return clonePrincipal(a.current)
}

// Set replaces the principal and notifies every subscriber.
func (a *AuthState) Set(p *model.Principal) {
	a.notify.Lock()
	defer a.notify.Unlock()

	a.mu.Lock()
	a.current = clonePrincipal(p)
	fns := make([]func(*model.Principal), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(clonePrincipal(p))
	}
}

// Subscribe registers fn and delivers the current principal immediately.
func (a *AuthState) Subscribe(fn func(*model.Principal)) func() {
	a.notify.Lock()
	defer a.notify.Unlock()

	a.mu.Lock()
	if a.subs == nil {
		a.subs = make(map[int]func(*model.Principal))
	}
	id := a.next
	a.next++
	a.subs[id] = fn
	cur := clonePrincipal(a.current)
	a.mu.Unlock()

	fn(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered callbacks.
func (a *AuthState) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

func clonePrincipal(p *model.Principal) *model.Principal {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
