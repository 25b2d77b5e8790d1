package events

import (
	"sync"
)

// Bus fans decoded events out to listeners. Publish calls listeners
// synchronously in registration order, so events reach every listener in the
// order they were published.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	kinds  [numKinds][]listener[Payload]
	any    []listener[Event]
	ready  []listener[User]
	errs   []listener[error]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers fn for every event whose payload type is P. The
// returned function removes the registration.
func Subscribe[P Payload](b *Bus, fn func(P)) (unsubscribe func()) {
	var zero P
	kind := zero.Kind()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.kinds[kind] = append(b.kinds[kind], listener[Payload]{id: id, fn: func(p Payload) {
		if v, ok := p.(P); ok {
			fn(v)
		}
	}})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.kinds[kind] = without(b.kinds[kind], id)
	}
}

// OnAny registers fn for every published event regardless of kind.
func (b *Bus) OnAny(fn func(Event)) (unsubscribe func()) {
	return add(b, &b.any, fn)
}

// OnReady registers fn for the ready notification emitted after login.
func (b *Bus) OnReady(fn func(User)) (unsubscribe func()) {
	return add(b, &b.ready, fn)
}

// OnError registers fn for transport and session errors.
func (b *Bus) OnError(fn func(error)) (unsubscribe func()) {
	return add(b, &b.errs, fn)
}

// Publish delivers e to kind listeners, then to OnAny listeners.
func (b *Bus) Publish(e Event) {
	if e.Payload == nil || e.Kind < 0 || e.Kind >= numKinds {
		return
	}
	b.mu.RLock()
	typed := append([]listener[Payload](nil), b.kinds[e.Kind]...)
	all := append([]listener[Event](nil), b.any...)
	b.mu.RUnlock()
	for _, l := range typed {
		l.fn(e.Payload)
	}
	for _, l := range all {
		l.fn(e)
	}
}

// PublishReady notifies ready listeners.
func (b *Bus) PublishReady(u User) {
	b.mu.RLock()
	ls := append([]listener[User](nil), b.ready...)
	b.mu.RUnlock()
	for _, l := range ls {
		l.fn(u)
	}
}

// PublishError notifies error listeners.
func (b *Bus) PublishError(err error) {
	if err == nil {
		return
	}
	b.mu.RLock()
	ls := append([]listener[error](nil), b.errs...)
	b.mu.RUnlock()
	for _, l := range ls {
		l.fn(err)
	}
}

func add[T any](b *Bus, list *[]listener[T], fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	*list = append(*list, listener[T]{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		*list = without(*list, id)
	}
}

func without[T any](ls []listener[T], id uint64) []listener[T] {
	out := ls[:0:0]
	for _, l := range ls {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}
