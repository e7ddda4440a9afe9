package walletcore

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
)

// EventKind tags a listener notification. One tagged enum dispatched
// through an injected Executor replaces a per-event listener interface
// hierarchy.
type EventKind int

const (
	CoinsReceived EventKind = iota
	CoinsSent
	Reorganized
	Changed
	ScriptsChanged
	ConfidenceChanged
	KeysAdded
	CurrentKeyChanged
)

func (k EventKind) String() string {
	switch k {
	case CoinsReceived:
		return "CoinsReceived"
	case CoinsSent:
		return "CoinsSent"
	case Reorganized:
		return "Reorganized"
	case Changed:
		return "Changed"
	case ScriptsChanged:
		return "ScriptsChanged"
	case ConfidenceChanged:
		return "ConfidenceChanged"
	case KeysAdded:
		return "KeysAdded"
	case CurrentKeyChanged:
		return "CurrentKeyChanged"
	default:
		return "Unknown"
	}
}

// Event is a single notification queued by a mutator and dispatched after
// the wallet lock is released.
type Event struct {
	Kind         EventKind
	TxID         chainhash.Hash
	ValueToMe    int64
	ValueFromMe  int64
	ConflictWith []chainhash.Hash
}

// Executor runs a queued listener callback. Implementations are never
// invoked with the wallet lock held.
type Executor interface {
	Submit(func())
}

// SameThreadExecutorT runs the callback synchronously, on the calling
// goroutine. Safe to use here specifically because dispatch always happens
// after the wallet lock has already been released.
type SameThreadExecutorT struct{}

func (SameThreadExecutorT) Submit(fn func()) { fn() }

// SameThreadExecutor is the zero-configuration Executor.
var SameThreadExecutor Executor = SameThreadExecutorT{}

// WorkerExecutor runs callbacks on a single background goroutine, draining
// a bounded channel - for callers that want listener work off the
// goroutine that drove the mutation.
type WorkerExecutor struct {
	tasks chan func()
	done  chan struct{}
}

// NewWorkerExecutor starts a worker goroutine with the given queue depth.
func NewWorkerExecutor(queueDepth int) *WorkerExecutor {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	w := &WorkerExecutor{tasks: make(chan func(), queueDepth), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *WorkerExecutor) run() {
	for {
		select {
		case fn := <-w.tasks:
			fn()
		case <-w.done:
			return
		}
	}
}

// Submit enqueues fn for the worker goroutine. Blocks if the queue is full.
func (w *WorkerExecutor) Submit(fn func()) {
	w.tasks <- fn
}

// Stop halts the worker goroutine. Queued tasks are dropped.
func (w *WorkerExecutor) Stop() {
	close(w.done)
}

// listenerHandle is a registered (executor, callback) pair, keyed by a uuid
// so callers can unsubscribe.
type listenerHandle struct {
	id       string
	executor Executor
	callback func(Event)
}

// Subscribe registers callback for delivery via executor on every queued
// event, returning a handle for Unsubscribe.
func (w *Wallet) Subscribe(executor Executor, callback func(Event)) string {
	if executor == nil {
		executor = SameThreadExecutor
	}
	id := uuid.NewString()
	w.mu.Lock()
	w.listeners = append(w.listeners, listenerHandle{id: id, executor: executor, callback: callback})
	w.mu.Unlock()
	return id
}

// Unsubscribe removes a previously registered listener.
func (w *Wallet) Unsubscribe(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, l := range w.listeners {
		if l.id == id {
			w.listeners = append(w.listeners[:i], w.listeners[i+1:]...)
			return
		}
	}
}

// queueEvent stages an event for dispatch once the caller releases the
// wallet lock (see dispatchQueued). Caller must hold w.mu.
func (w *Wallet) queueEvent(ev Event) {
	w.pendingEvents = append(w.pendingEvents, ev)
}

// dispatchQueued submits every staged event to every listener via its
// executor, then clears the queue. Must be called with the wallet lock
// NOT held - a panicking listener callback is caught and forwarded to the
// uncaught-exception handler rather than propagated; listeners cannot
// corrupt wallet state.
func (w *Wallet) dispatchQueued() {
	w.mu.Lock()
	events := w.pendingEvents
	w.pendingEvents = nil
	listeners := append([]listenerHandle(nil), w.listeners...)
	w.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			ev, l := ev, l
			l.executor.Submit(func() {
				defer func() {
					if r := recover(); r != nil {
						w.handleListenerPanic(ev, r)
					}
				}()
				l.callback(ev)
			})
		}
	}
}

func (w *Wallet) handleListenerPanic(ev Event, r interface{}) {
	if w.logger != nil {
		w.logger.Error("listener callback panicked", "event", ev.Kind.String(), "txid", ev.TxID.String(), "recover", r)
	}
	if w.uncaughtHandler != nil {
		w.uncaughtHandler(ev, r)
	}
}

// SetUncaughtExceptionHandler installs the process-wide handler listener
// panics are forwarded to.
func (w *Wallet) SetUncaughtExceptionHandler(h func(Event, interface{})) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uncaughtHandler = h
}
