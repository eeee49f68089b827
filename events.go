package offlinekit

import (
	"sync"

	"go.uber.org/zap"
)

// EventHandler receives an emitted event and its payload.
type EventHandler func(event string, payload any)

type subscription struct {
	id      uint64
	handler EventHandler
}

// emitter is an observer registry: event name to an ordered list of handlers.
type emitter struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string][]subscription
	log       *zap.Logger
}

func newEmitter(log *zap.Logger) *emitter {
	return &emitter{listeners: make(map[string][]subscription), log: log}
}

// Subscribe registers handler for event and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (e *emitter) Subscribe(event string, handler EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { e.unsubscribe(event, id) })
	}
}

func (e *emitter) unsubscribe(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.listeners[event]
	for i, s := range subs {
		if s.id == id {
			e.listeners[event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(e.listeners[event]) == 0 {
		delete(e.listeners, event)
	}
}

// emit calls every handler for event in registration order. A panicking
// handler is logged and does not stop the others.
func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	subs := append([]subscription(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event handler panicked",
						zap.String("event", event), zap.Any("panic", r))
				}
			}()
			s.handler(event, payload)
		}()
	}
}
