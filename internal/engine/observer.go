package engine

import (
	"github.com/xiaot623/roundtable/internal/domain"
)

// NotifyKind identifies what a Notification reports.
type NotifyKind string

const (
	NotifyRecord         NotifyKind = "record"
	NotifyTick           NotifyKind = "tick"
	NotifyStatus         NotifyKind = "status"
	NotifySnapshotOpaque NotifyKind = "snapshot_opaque"
)

// Notification is delivered synchronously to the engine's observer.
type Notification struct {
	Kind   NotifyKind
	RunID  string
	Round  int
	Record *domain.Record
	Tick   *TickResult
	Status domain.RunStatus
	Reason string
}

// Observer receives engine notifications. It must not call back into the
// engine.
type Observer interface {
	Notify(n Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(n Notification)

// Notify calls f(n).
func (f ObserverFunc) Notify(n Notification) { f(n) }

func (e *Engine) notify(n Notification) {
	if e.opts.Observer == nil {
		return
	}
	n.RunID = e.opts.RunID
	e.opts.Observer.Notify(n)
}
