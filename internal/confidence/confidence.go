// Package confidence tracks the wallet's belief about each transaction's
// status: PENDING, BUILDING(depth, appeared-in-block), DEAD(overriding tx),
// IN_CONFLICT, or UNKNOWN. It also tracks "seen by N peers" and exposes
// depth-reached futures. The Table is constructed once per process and
// passed into each wallet explicitly rather than referenced through a
// package-level global, so sharing it is a visible decision.
package confidence

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// State is the wallet's belief about a transaction's status.
type State int

const (
	Unknown State = iota
	Pending
	Building
	Dead
	InConflict
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Building:
		return "BUILDING"
	case Dead:
		return "DEAD"
	case InConflict:
		return "IN_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Height is an optional block height: the "never seen a block" state is a
// field, not a magic value.
type Height struct {
	Value uint32
	Valid bool
}

// NoHeight is the zero value: no height recorded.
var NoHeight = Height{}

// SomeHeight wraps a concrete height.
func SomeHeight(h uint32) Height { return Height{Value: h, Valid: true} }

// BlockAppearance records that a transaction appeared in a specific block
// at a specific in-block offset.
type BlockAppearance struct {
	BlockHash   chainhash.Hash
	BlockHeight uint32
	Offset      int
}

// Record is the mutable confidence state for a single transaction. Callers
// go through the Table's accessor methods, which hold its lock.
type Record struct {
	TxID  chainhash.Hash
	state State

	// BUILDING
	depth                    uint32
	appearedIn               []BlockAppearance
	ignoreNextBlockIncrement bool

	// DEAD
	overridingTx *chainhash.Hash

	// IN_CONFLICT
	conflictsWith map[chainhash.Hash]struct{}

	// PENDING
	broadcastBy map[string]struct{} // peer identifiers that relayed this tx

	depthWaiters []depthWaiter
}

type depthWaiter struct {
	target uint32
	ch     chan struct{}
}

// State returns the current confidence state.
func (r *Record) State() State { return r.state }

// Depth returns the BUILDING depth (0 if not BUILDING). Depth 1 means
// newly confirmed (inclusive of the transaction's own block).
func (r *Record) Depth() uint32 { return r.depth }

// AppearedIn returns the recorded block appearances, most recent last. More
// than one entry means the transaction was seen on competing chains.
func (r *Record) AppearedIn() []BlockAppearance {
	return append([]BlockAppearance(nil), r.appearedIn...)
}

// OverridingTx returns the transaction that double-spent this one, if DEAD.
func (r *Record) OverridingTx() (chainhash.Hash, bool) {
	if r.overridingTx == nil {
		return chainhash.Hash{}, false
	}
	return *r.overridingTx, true
}

// ConflictsWith returns the set of txids this record is IN_CONFLICT with.
func (r *Record) ConflictsWith() []chainhash.Hash {
	out := make([]chainhash.Hash, 0, len(r.conflictsWith))
	for h := range r.conflictsWith {
		out = append(out, h)
	}
	return out
}

// NumBroadcastPeers returns how many distinct peers have relayed this tx.
func (r *Record) NumBroadcastPeers() int { return len(r.broadcastBy) }

// Table is the process-wide confidence table, keyed by txid, internally
// synchronized so it is safe to share between wallets.
type Table struct {
	mu      sync.Mutex
	records map[chainhash.Hash]*Record

	// eventHorizon bounds how many blocks of depth the broadcast peer set
	// is kept around for; past it the set is cleared.
	eventHorizon uint32
}

// NewTable constructs an empty confidence table. An eventHorizon of 0 uses
// the default of 10.
func NewTable(eventHorizon uint32) *Table {
	if eventHorizon == 0 {
		eventHorizon = 10
	}
	return &Table{records: make(map[chainhash.Hash]*Record), eventHorizon: eventHorizon}
}

// getOrCreate returns the record for txid, creating an UNKNOWN one if
// absent. Caller must hold t.mu.
func (t *Table) getOrCreate(txid chainhash.Hash) *Record {
	r, ok := t.records[txid]
	if !ok {
		r = &Record{TxID: txid, conflictsWith: make(map[chainhash.Hash]struct{}), broadcastBy: make(map[string]struct{})}
		t.records[txid] = r
	}
	return r
}

// Get returns the record for txid and whether it exists.
func (t *Table) Get(txid chainhash.Hash) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[txid]
	return r, ok
}

// SetPending transitions a record to PENDING, clearing depth and any
// DEAD/CONFLICT markers. Recorded block appearances survive: a transaction
// demoted during a reorg keeps the history of where it was once seen.
func (t *Table) SetPending(txid chainhash.Hash) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(txid)
	r.state = Pending
	r.depth = 0
	r.overridingTx = nil
	r.conflictsWith = make(map[chainhash.Hash]struct{})
	return r
}

// SetBuilding transitions a record to BUILDING with the given appearance,
// starting depth at 1 unless an explicit depth is supplied by reorg replay.
func (t *Table) SetBuilding(txid chainhash.Hash, appearance BlockAppearance, depth uint32) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(txid)
	r.state = Building
	if depth == 0 {
		depth = 1
	}
	r.depth = depth
	t.addAppearanceLocked(r, appearance)
	r.overridingTx = nil
	r.conflictsWith = make(map[chainhash.Hash]struct{})
	t.notifyDepthLocked(r)
	return r
}

// AddAppearance records a block appearance without changing state, for
// side-chain sightings.
func (t *Table) AddAppearance(txid chainhash.Hash, appearance BlockAppearance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addAppearanceLocked(t.getOrCreate(txid), appearance)
}

func (t *Table) addAppearanceLocked(r *Record, appearance BlockAppearance) {
	for _, app := range r.appearedIn {
		if app.BlockHash == appearance.BlockHash {
			return
		}
	}
	r.appearedIn = append(r.appearedIn, appearance)
}

// RemoveAppearance forgets that txid appeared in blockHash, used when that
// block is rolled back during a reorganization.
func (t *Table) RemoveAppearance(txid chainhash.Hash, blockHash chainhash.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[txid]
	if !ok {
		return
	}
	kept := r.appearedIn[:0]
	for _, app := range r.appearedIn {
		if app.BlockHash != blockHash {
			kept = append(kept, app)
		}
	}
	r.appearedIn = kept
}

// SetDead transitions a record to DEAD with the overriding transaction (nil
// for a reorganized-out coinbase, which nothing double-spent).
func (t *Table) SetDead(txid chainhash.Hash, overridingTxID *chainhash.Hash) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(txid)
	r.state = Dead
	r.overridingTx = overridingTxID
	return r
}

// SetInConflict transitions a record to IN_CONFLICT, recording the peer
// transaction(s) it conflicts with.
func (t *Table) SetInConflict(txid chainhash.Hash, with ...chainhash.Hash) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(txid)
	r.state = InConflict
	for _, w := range with {
		r.conflictsWith[w] = struct{}{}
	}
	return r
}

// ClearConflictToPending demotes an IN_CONFLICT record back to PENDING,
// used when its dependency closure no longer spends any contested outpoint.
func (t *Table) ClearConflictToPending(txid chainhash.Hash) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(txid)
	if r.state == InConflict {
		r.state = Pending
		r.conflictsWith = make(map[chainhash.Hash]struct{})
	}
	return r
}

// IncrementDepth adds one to the depth of a BUILDING record, unless its
// "ignore next block" flag is set (in which case the flag is consumed and
// depth stays put for this call). Once depth exceeds the event horizon the
// broadcast peer set is cleared.
func (t *Table) IncrementDepth(txid chainhash.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[txid]
	if !ok || r.state != Building {
		return
	}
	if r.ignoreNextBlockIncrement {
		r.ignoreNextBlockIncrement = false
		return
	}
	r.depth++
	if r.depth > t.eventHorizon {
		r.broadcastBy = make(map[string]struct{})
	}
	t.notifyDepthLocked(r)
}

// SuppressNextDepthIncrement marks a record so the next block-driven
// IncrementDepth call is a no-op: the block that just recorded this
// transaction's appearance is already counted in its starting depth.
func (t *Table) SuppressNextDepthIncrement(txid chainhash.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(txid)
	r.ignoreNextBlockIncrement = true
}

// SubtractDepth lowers the depth of a record by n during reorg rollback.
// Depth cannot go below zero; reaching zero does not itself change state
// (the caller moves pool membership and demotes to PENDING separately).
func (t *Table) SubtractDepth(txid chainhash.Hash, n uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[txid]
	if !ok {
		return
	}
	if n >= r.depth {
		r.depth = 0
	} else {
		r.depth -= n
	}
}

// ResurrectCoinbase moves a DEAD coinbase back to BUILDING with the given
// appearance.
func (t *Table) ResurrectCoinbase(txid chainhash.Hash, appearance BlockAppearance, depth uint32) *Record {
	return t.SetBuilding(txid, appearance, depth)
}

// MarkSeenBy records that peerID relayed/announced this transaction.
func (t *Table) MarkSeenBy(txid chainhash.Hash, peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(txid)
	r.broadcastBy[peerID] = struct{}{}
}

// AwaitDepth returns a channel that closes once the transaction's BUILDING
// depth reaches or exceeds target, or immediately (already closed) if it
// has. The channel completes at most once and is not cancellable from the
// outside; callers that may abandon the wait select on their own ctx.Done()
// alongside it.
func (t *Table) AwaitDepth(txid chainhash.Hash, target uint32) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(txid)
	ch := make(chan struct{})
	if r.state == Building && r.depth >= target {
		close(ch)
		return ch
	}
	r.depthWaiters = append(r.depthWaiters, depthWaiter{target: target, ch: ch})
	return ch
}

// notifyDepthLocked wakes any depth waiters whose target has been reached.
// Caller must hold t.mu.
func (t *Table) notifyDepthLocked(r *Record) {
	remaining := r.depthWaiters[:0]
	for _, w := range r.depthWaiters {
		if r.depth >= w.target {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	r.depthWaiters = remaining
}

// Delete removes a record entirely (used by wallet reset).
func (t *Table) Delete(txid chainhash.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, txid)
}
