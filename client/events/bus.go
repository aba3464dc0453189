// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package events is an in-process publish/subscribe bus for wallet
// notifications.
package events

import "sync"

type handler[T any] struct {
	id uint64
	f  func(T)
}

// topic is a list of handlers for one kind of notification. Handlers are
// called synchronously, in subscription order, without the lock held.
type topic[T any] struct {
	mtx      sync.RWMutex
	nextID   uint64
	handlers []handler[T]
}

func (t *topic[T]) subscribe(f func(T)) func() {
	t.mtx.Lock()
	t.nextID++
	id := t.nextID
	t.handlers = append(t.handlers, handler[T]{id: id, f: f})
	t.mtx.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mtx.Lock()
			defer t.mtx.Unlock()
			for i, h := range t.handlers {
				if h.id == id {
					t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (t *topic[T]) publish(v T) {
	t.mtx.RLock()
	hs := make([]handler[T], len(t.handlers))
	copy(hs, t.handlers)
	t.mtx.RUnlock()
	for _, h := range hs {
		h.f(v)
	}
}

func (t *topic[T]) count() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.handlers)
}

// Bus carries account removal, selected account and onboarding
// notifications.
type Bus struct {
	accountRemoved  topic[string]
	selectedAccount topic[string]
	onboarding      topic[bool]
}

// NewBus is the constructor for a Bus.
func NewBus() *Bus {
	return new(Bus)
}

// SubscribeAccountRemoved registers a handler for removed account addresses.
func (b *Bus) SubscribeAccountRemoved(f func(addr string)) func() {
	return b.accountRemoved.subscribe(f)
}

// SubscribeSelectedAccountChange registers a handler for selected account
// changes.
func (b *Bus) SubscribeSelectedAccountChange(f func(addr string)) func() {
	return b.selectedAccount.subscribe(f)
}

// SubscribeOnboardingChange registers a handler for onboarding status changes.
func (b *Bus) SubscribeOnboardingChange(f func(completed bool)) func() {
	return b.onboarding.subscribe(f)
}

// PublishAccountRemoved notifies subscribers that an account was removed.
func (b *Bus) PublishAccountRemoved(addr string) {
	b.accountRemoved.publish(addr)
}

// PublishSelectedAccountChange notifies subscribers of a new selected account.
func (b *Bus) PublishSelectedAccountChange(addr string) {
	b.selectedAccount.publish(addr)
}

// PublishOnboardingChange notifies subscribers of the onboarding status.
func (b *Bus) PublishOnboardingChange(completed bool) {
	b.onboarding.publish(completed)
}

// Subscribers is the total number of subscriptions.
func (b *Bus) Subscribers() int {
	return b.accountRemoved.count() + b.selectedAccount.count() + b.onboarding.count()
}
