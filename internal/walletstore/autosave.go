package walletstore

import (
	"sync"
	"time"
)

// Autosaver coalesces save requests: ScheduleSave arms (or re-arms) a
// debounce timer, SaveNow preempts it and writes synchronously. A debounced
// save runs on the timer's own goroutine and SaveNow runs on its caller's;
// the Autosaver does not serialize the two, so a save already in flight can
// overlap a SaveNow (Store.SaveSnapshot serializes writes under its lock).
type Autosaver struct {
	save  func() error
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	onError func(error)
}

// NewAutosaver builds an Autosaver around a save function, typically a
// closure capturing a wallet snapshot and handing it to Store.SaveSnapshot.
// delay <= 0 uses one second.
func NewAutosaver(save func() error, delay time.Duration, onError func(error)) *Autosaver {
	if delay <= 0 {
		delay = time.Second
	}
	return &Autosaver{save: save, delay: delay, onError: onError}
}

// ScheduleSave arms the debounce timer. Safe to call from under the wallet
// lock: it never blocks and never calls back into the wallet.
func (a *Autosaver) ScheduleSave() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if a.timer != nil {
		a.timer.Reset(a.delay)
		return
	}
	a.timer = time.AfterFunc(a.delay, a.fire)
}

func (a *Autosaver) fire() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	if err := a.save(); err != nil && a.onError != nil {
		a.onError(err)
	}
}

// SaveNow cancels any pending debounce and writes synchronously.
func (a *Autosaver) SaveNow() error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	return a.save()
}

// Stop cancels any pending save. Further ScheduleSave calls are ignored;
// SaveNow still works for a final flush.
func (a *Autosaver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
