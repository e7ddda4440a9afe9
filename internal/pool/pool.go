// Package pool implements the wallet's four disjoint transaction pools
// (UNSPENT, SPENT, PENDING, DEAD) plus the global id->tx index, the set of
// currently-spendable owned outputs ("my unspents"), and a bounded ring of
// risk-dropped transactions. The pool store is the only place that resolves
// "connected output" and "spent by" - both by outpoint lookup, never by
// owning pointer, so transactions never hold a reference cycle.
package pool

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// Kind names one of the four pools.
type Kind int

const (
	Unspent Kind = iota
	Spent
	Pending
	Dead
)

func (k Kind) String() string {
	switch k {
	case Unspent:
		return "UNSPENT"
	case Spent:
		return "SPENT"
	case Pending:
		return "PENDING"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN_POOL"
	}
}

// ConsistencyError reports a violated pool invariant, fatal at the point
// of detection.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("pool: consistency violation: %s", e.Reason)
}

// connection records that a specific input slot currently spends an output.
type connection struct {
	spenderTxID chainhash.Hash
	inputIndex  int
}

// entry is the bookkeeping the store keeps per tracked transaction, on top
// of the immutable txgraph.Tx value.
type entry struct {
	tx   txgraph.Tx
	kind Kind

	// spentBy maps an output index of this tx to the connection consuming
	// it, if any (invariant 3).
	spentBy map[int]connection
}

// Store is the four-pool transaction store. All mutation happens under an
// external wallet lock (see internal/walletcore); Store itself is not
// internally synchronized - a second lock here would just be redundant
// nesting under the single coarse wallet lock.
type Store struct {
	byID map[chainhash.Hash]*entry

	// outpointIndex maps an outpoint to the connection spending it, across
	// all pools - connections resolve through this table, never through
	// owning pointers, so the tx graph stays acyclic.
	outpointIndex map[txgraph.OutPoint]connection

	myUnspents map[txgraph.OutPoint]struct{}

	riskRing *RiskRing
}

// NewStore constructs an empty pool store.
func NewStore() *Store {
	return &Store{
		byID:          make(map[chainhash.Hash]*entry),
		outpointIndex: make(map[txgraph.OutPoint]connection),
		myUnspents:    make(map[txgraph.OutPoint]struct{}),
		riskRing:      NewRiskRing(1000),
	}
}

// Put inserts tx into pool `kind`. Fails fatally if the transaction is
// already tracked in any pool, the same pool included.
func (s *Store) Put(kind Kind, tx txgraph.Tx) error {
	txid := tx.TxID()
	if existing, ok := s.byID[txid]; ok {
		return &ConsistencyError{Reason: fmt.Sprintf("put %s into %s: already tracked in %s", txid, kind, existing.kind)}
	}
	s.byID[txid] = &entry{tx: tx, kind: kind, spentBy: make(map[int]connection)}
	if kind == Unspent || kind == Pending {
		s.refreshUnspentsForNewTx(txid)
	}
	return nil
}

// Move atomically reassigns txid from `from` to `to`.
func (s *Store) Move(txid chainhash.Hash, from, to Kind) error {
	e, ok := s.byID[txid]
	if !ok {
		return &ConsistencyError{Reason: fmt.Sprintf("move %s: not tracked", txid)}
	}
	if e.kind != from {
		return &ConsistencyError{Reason: fmt.Sprintf("move %s: expected pool %s, found %s", txid, from, e.kind)}
	}
	e.kind = to
	s.refreshUnspentsForNewTx(txid)
	return nil
}

// Remove drops a transaction from tracking entirely (used by reset and by
// risky-pending cleanup). It is an error to remove a transaction any of
// whose outputs are currently connected to a spender.
func (s *Store) Remove(txid chainhash.Hash) error {
	e, ok := s.byID[txid]
	if !ok {
		return nil
	}
	for i := range e.tx.Outputs {
		op := txgraph.NewOutPoint(txid, uint32(i))
		if _, spent := s.outpointIndex[op]; spent {
			return &ConsistencyError{Reason: fmt.Sprintf("remove %s: output %d still connected", txid, i)}
		}
		delete(s.myUnspents, op)
	}
	delete(s.byID, txid)
	return nil
}

// Get returns the tracked transaction, if any.
func (s *Store) Get(txid chainhash.Hash) (txgraph.Tx, bool) {
	e, ok := s.byID[txid]
	if !ok {
		return txgraph.Tx{}, false
	}
	return e.tx, true
}

// PoolOf returns the pool a tracked transaction belongs to.
func (s *Store) PoolOf(txid chainhash.Hash) (Kind, bool) {
	e, ok := s.byID[txid]
	if !ok {
		return 0, false
	}
	return e.kind, true
}

// IsTracked reports whether txid is tracked in any pool.
func (s *Store) IsTracked(txid chainhash.Hash) bool {
	_, ok := s.byID[txid]
	return ok
}

// All returns every tracked transaction, regardless of pool.
func (s *Store) All() []txgraph.Tx {
	out := make([]txgraph.Tx, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.tx)
	}
	return out
}

// InPool returns all transactions currently in the given pool.
func (s *Store) InPool(kind Kind) []txgraph.Tx {
	var out []txgraph.Tx
	for _, e := range s.byID {
		if e.kind == kind {
			out = append(out, e.tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].TxID(), out[j].TxID()
		return a.String() < b.String()
	})
	return out
}

// Connect resolves input (spenderTxID, inputIndex) against the output it
// cites, recording the back-reference and removing the output from
// my-unspents. It fails if the outpoint is already connected to a different
// input (ABORT_ON_CONFLICT mode, the only mode the wallet core exercises -
// double-spend handling is layered on top by inspecting the failure, not by
// the pool silently overwriting the old connection).
func (s *Store) Connect(spenderTxID chainhash.Hash, inputIndex int, op txgraph.OutPoint) error {
	if existing, ok := s.outpointIndex[op]; ok {
		if existing.spenderTxID == spenderTxID && existing.inputIndex == inputIndex {
			return nil // idempotent re-connect
		}
		return &ConsistencyError{Reason: fmt.Sprintf("connect %s: already spent by %s:%d", op, existing.spenderTxID, existing.inputIndex)}
	}
	s.outpointIndex[op] = connection{spenderTxID: spenderTxID, inputIndex: inputIndex}
	delete(s.myUnspents, op)

	if e, ok := s.byID[op.Hash]; ok {
		e.spentBy[int(op.Index)] = connection{spenderTxID: spenderTxID, inputIndex: inputIndex}
		if e.kind == Unspent && !s.hasUnspentOwnedOutput(op.Hash) {
			e.kind = Spent
		}
	}
	return nil
}

// ConflictingSpender returns the connection currently occupying outpoint
// op, if any - used by the classifier/state machine to detect a double
// spend without mutating state.
func (s *Store) ConflictingSpender(op txgraph.OutPoint) (chainhash.Hash, int, bool) {
	c, ok := s.outpointIndex[op]
	if !ok {
		return chainhash.Hash{}, 0, false
	}
	return c.spenderTxID, c.inputIndex, true
}

// Disconnect removes the "spent by" back-reference for outpoint op and
// restores it to my-unspents if it is an owned, trackable output (used
// during reorg replay).
func (s *Store) Disconnect(op txgraph.OutPoint, owned bool) {
	delete(s.outpointIndex, op)
	if e, ok := s.byID[op.Hash]; ok {
		delete(e.spentBy, int(op.Index))
	}
	if owned {
		s.markAvailable(op)
	}
	// A fully-spent parent regaining an available output is unspent again.
	if e, ok := s.byID[op.Hash]; ok && e.kind == Spent && s.hasUnspentOwnedOutput(op.Hash) {
		e.kind = Unspent
	}
}

// SpentBy returns the connection consuming output op, if any.
func (s *Store) SpentBy(op txgraph.OutPoint) (chainhash.Hash, int, bool) {
	return s.ConflictingSpender(op)
}

// MarkAvailable adds op to my-unspents (used when connecting a newly
// classified owned output, or when a disconnect restores one).
func (s *Store) MarkAvailable(op txgraph.OutPoint) {
	s.markAvailable(op)
}

func (s *Store) markAvailable(op txgraph.OutPoint) {
	if _, spent := s.outpointIndex[op]; spent {
		return
	}
	s.myUnspents[op] = struct{}{}
}

// Unavailable removes op from my-unspents without recording a spend
// connection (used when an output is recognized as not ours, or dropped).
func (s *Store) Unavailable(op txgraph.OutPoint) {
	delete(s.myUnspents, op)
}

// MyUnspents returns a snapshot of currently spendable owned outputs.
func (s *Store) MyUnspents() []txgraph.OutPoint {
	out := make([]txgraph.OutPoint, 0, len(s.myUnspents))
	for op := range s.myUnspents {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// hasUnspentOwnedOutput reports whether any of tx's outputs are currently
// in my-unspents.
func (s *Store) hasUnspentOwnedOutput(txid chainhash.Hash) bool {
	e, ok := s.byID[txid]
	if !ok {
		return false
	}
	for i := range e.tx.Outputs {
		if _, ok := s.myUnspents[txgraph.NewOutPoint(txid, uint32(i))]; ok {
			return true
		}
	}
	return false
}

// refreshUnspentsForNewTx is a placeholder hook invoked after Put/Move; the
// state machine is responsible for calling MarkAvailable for each owned
// output explicitly (it alone knows ownership), so this intentionally does
// nothing - kept as a seam so Move/Put remain the single mutation points a
// future invariant check can hook into.
func (s *Store) refreshUnspentsForNewTx(chainhash.Hash) {}

// RiskRing returns the bounded ring of risk-dropped transactions.
func (s *Store) RiskRing() *RiskRing { return s.riskRing }

// CheckConsistency verifies the pool invariants: UNSPENT members have an
// available owned output, SPENT members have none, and per-output spent-by
// records agree with the outpoint index. Called by the state machine after
// every mutator; any violation is fatal.
func (s *Store) CheckConsistency() error {
	for txid, e := range s.byID {
		switch e.kind {
		case Unspent:
			if !s.hasUnspentOwnedOutput(txid) {
				return &ConsistencyError{Reason: fmt.Sprintf("%s in UNSPENT has no available owned output", txid)}
			}
		case Spent:
			for i := range e.tx.Outputs {
				op := txgraph.NewOutPoint(txid, uint32(i))
				if _, avail := s.myUnspents[op]; avail {
					return &ConsistencyError{Reason: fmt.Sprintf("%s in SPENT has available output %d", txid, i)}
				}
			}
		}
		for i, c := range e.spentBy {
			op := txgraph.NewOutPoint(txid, uint32(i))
			idx, ok := s.outpointIndex[op]
			if !ok || idx != c {
				return &ConsistencyError{Reason: fmt.Sprintf("%s output %d spentBy mismatch with outpoint index", txid, i)}
			}
		}
	}
	return nil
}

// Reset clears the store entirely.
func (s *Store) Reset() {
	s.byID = make(map[chainhash.Hash]*entry)
	s.outpointIndex = make(map[txgraph.OutPoint]connection)
	s.myUnspents = make(map[txgraph.OutPoint]struct{})
	s.riskRing = NewRiskRing(1000)
}
