package sync

import (
	"context"

	"github.com/JohanCodinha/reportq/internal/queue"
)

// Event is emitted by the engine for user-facing notifications.
type Event interface {
	isEvent()
}

// PendingCountChanged carries the number of reports not yet synced.
type PendingCountChanged struct {
	Count int
}

// ReportSynced is emitted when a report was accepted by the backend.
type ReportSynced struct {
	ID      int64
	IssueID string
}

// ReportFailed is emitted after a failed attempt. Permanent reports will not
// be retried automatically and need the user to retry or discard them.
type ReportFailed struct {
	ID        int64
	Err       error
	Kind      queue.ErrorKind
	Attempts  int
	Permanent bool
}

func (PendingCountChanged) isEvent() {}
func (ReportSynced) isEvent()        {}
func (ReportFailed) isEvent()        {}

// Subscribe registers fn for every event. Handlers run synchronously on the
// syncing goroutine and must not block. The returned func unsubscribes.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	handlers := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		handlers = append(handlers, fn)
	}
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (e *Engine) emitCount(ctx context.Context) {
	n, err := e.store.Count(ctx)
	if err != nil {
		log.Warn("failed to count pending reports: %v", err)
		return
	}
	e.emit(PendingCountChanged{Count: n})
}
