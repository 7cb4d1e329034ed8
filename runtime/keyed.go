// Package runtime handles ordered execution and local fan-out of events.
// It orchestrates sessions without containing business logic or domain rules.
package runtime

import (
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// KeyedExecutor runs tasks one at a time per key, in submission order.
// Tasks for different keys run concurrently. A key owns a goroutine only
// while it has pending work.
type KeyedExecutor struct {
	log    *slog.Logger
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func NewKeyedExecutor(log *slog.Logger) *KeyedExecutor {
	return &KeyedExecutor{log: log, queues: make(map[string][]func())}
}

// Submit enqueues task behind every task already submitted for key.
func (e *KeyedExecutor) Submit(key string, task func()) {
	e.mu.Lock()
	pending, running := e.queues[key]
	e.queues[key] = append(pending, task)
	if !running {
		e.wg.Add(1)
		go e.drain(key)
	}
	e.mu.Unlock()
}

// Do submits task and waits for it to run. If ctx ends first, Do returns
// ctx.Err() and the task still runs in order.
func (e *KeyedExecutor) Do(ctx context.Context, key string, task func()) error {
	done := make(chan struct{})
	e.Submit(key, func() {
		defer close(done)
		task()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of keys currently holding work.
func (e *KeyedExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues)
}

// Wait blocks until every submitted task has run.
func (e *KeyedExecutor) Wait() {
	e.wg.Wait()
}

func (e *KeyedExecutor) drain(key string) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		tasks := e.queues[key]
		if len(tasks) == 0 {
			delete(e.queues, key)
			e.mu.Unlock()
			return
		}
		task := tasks[0]
		tasks[0] = nil
		e.queues[key] = tasks[1:]
		e.mu.Unlock()

		e.run(key, task)
	}
}

// run keeps the key's queue alive when a task panics.
func (e *KeyedExecutor) run(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Task panicked", "key", key, "error", fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r))
		}
	}()
	task()
}
