package plugins

import "sync"

// Hook is a strongly-typed, single-event publish/subscribe point —
// the replacement for a string-keyed event emitter. Each lifecycle event
// gets its own Hook[T] instance carrying its own payload type, and
// subscribers register typed callbacks instead of switching on an event
// name.
type Hook[T any] struct {
	mu   sync.RWMutex
	subs []func(T)
}

// Subscribe registers a callback invoked on every future Publish.
func (h *Hook[T]) Subscribe(fn func(T)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

// Publish invokes every subscriber in registration order with payload v.
func (h *Hook[T]) Publish(v T) {
	h.mu.RLock()
	subs := make([]func(T), len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Hooks aggregates one Hook per lifecycle event named in the component
// design: onServerStart, onServerReady, onRequestStart, onRequestTiming,
// onRouteError, onSecurityThreat, onWorkerReady, onShutdown.
type Hooks struct {
	OnServerStart    Hook[struct{}]
	OnServerReady    Hook[struct{}]
	OnRequestStart   Hook[*RequestContext]
	OnRequestTiming  Hook[TimingInfo]
	OnRouteError     Hook[RouteErrorInfo]
	OnSecurityThreat Hook[SecurityThreat]
	OnWorkerReady    Hook[WorkerReadyInfo]
	OnShutdown       Hook[ShutdownInfo]
}
