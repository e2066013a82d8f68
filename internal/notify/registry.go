package notify

import "sync"

// Subscription is the handle returned by a callback registration. Cancelling
// it removes the callback; a cancelled handle never fires again. Handles are
// what make duplicate registration structurally impossible: registering the
// same function twice yields two independent subscriptions, and cleanup is a
// matter of cancelling the handle rather than comparing function identity.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the callback. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// registry is a multi-subscriber callback list for one event kind.
// Callbacks are invoked in registration order, outside the registry lock.
type registry[T any] struct {
	mu   sync.Mutex
	next uint64
	subs []regEntry[T]
}

type regEntry[T any] struct {
	id uint64
	fn func(T)
}

func (r *registry[T]) subscribe(fn func(T)) *Subscription {
	r.mu.Lock()
	r.next++
	id := r.next
	r.subs = append(r.subs, regEntry[T]{id: id, fn: fn})
	r.mu.Unlock()

	return &Subscription{cancel: func() {
		r.mu.Lock()
		for i, e := range r.subs {
			if e.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
	}}
}

// notify invokes all current callbacks with v, in registration order.
func (r *registry[T]) notify(v T) {
	r.mu.Lock()
	fns := make([]func(T), len(r.subs))
	for i, e := range r.subs {
		fns[i] = e.fn
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
