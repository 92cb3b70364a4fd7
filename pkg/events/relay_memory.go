package events

import (
	"context"
	"sync"
)

const memoryListenerBuffer = 64

type memoryListener struct {
	ch   chan StorageChange
	quit chan struct{}
}

// MemoryRelay connects buses living in one process, e.g. several windows of
// the same CLI session or tests standing in for browser tabs. Each listener
// receives changes in broadcast order on its own goroutine.
type MemoryRelay struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]memoryListener
}

// NewMemoryRelay constructs an empty relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{listeners: make(map[uint64]memoryListener)}
}

func (r *MemoryRelay) Broadcast(ctx context.Context, change StorageChange) error {
	r.mu.Lock()
	targets := make([]memoryListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		targets = append(targets, l)
	}
	r.mu.Unlock()

	for _, l := range targets {
		select {
		case l.ch <- change:
		case <-l.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *MemoryRelay) Listen(_ context.Context, deliver func(StorageChange)) (func() error, error) {
	l := memoryListener{
		ch:   make(chan StorageChange, memoryListenerBuffer),
		quit: make(chan struct{}),
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = l
	r.mu.Unlock()

	go func() {
		for {
			select {
			case change := <-l.ch:
				deliver(change)
			case <-l.quit:
				return
			}
		}
	}()

	var once sync.Once
	stop := func() error {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
			close(l.quit)
		})
		return nil
	}
	return stop, nil
}
