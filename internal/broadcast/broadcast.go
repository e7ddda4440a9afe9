// Package broadcast defines the tiny capability a committed transaction is
// handed to once the state machine has accepted it: the network layer,
// reduced to the two futures callers actually wait on. Nothing in
// internal/walletcore depends on this - committing and broadcasting are
// separate steps, and a failed broadcast leaves the transaction PENDING
// for retry.
package broadcast

import (
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// Broadcast is the future a Broadcaster hands back: two independent
// completions, since a peer accepting a transaction and the network at
// large relaying it are observably different events.
type Broadcast interface {
	AwaitSent() error
	AwaitRelayed() error
}

// Broadcaster sends a fully-signed transaction to the network.
type Broadcaster interface {
	Broadcast(tx txgraph.Tx) (Broadcast, error)
}

// syncBroadcast is the Broadcast a synchronous, single-call send produces:
// both futures resolve immediately to whatever the call itself returned.
type syncBroadcast struct{ err error }

func (s syncBroadcast) AwaitSent() error    { return s.err }
func (s syncBroadcast) AwaitRelayed() error { return s.err }

// SyncFunc adapts a synchronous broadcast call (internal/backend's REST
// clients all work this way: one round trip, no separate relay signal) into
// a Broadcaster.
type SyncFunc func(tx txgraph.Tx) error

// Broadcast implements Broadcaster.
func (f SyncFunc) Broadcast(tx txgraph.Tx) (Broadcast, error) {
	err := f(tx)
	return syncBroadcast{err: err}, err
}
