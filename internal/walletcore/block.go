package walletcore

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/confidence"
	"github.com/klingon-exchange/spvwallet/internal/pool"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// ReceiveFromBlock routes a transaction that appeared in a block: into
// UNSPENT/SPENT when the block is on the best chain, or left PENDING for a
// side-chain sighting. A DEAD coinbase reappearing on the best chain is
// resurrected first. Best-chain confirmation wins any double spend outright:
// every pending transaction occupying one of this transaction's outpoints is
// killed with this transaction recorded as its overrider. The depth increment
// the following NotifyNewBestBlock would apply for the same block is
// suppressed, so confirmation counts each block exactly once.
func (w *Wallet) ReceiveFromBlock(tx txgraph.Tx, block BlockInfo, position ChainPosition, offset int) error {
	w.mu.Lock()
	err := w.receiveFromBlockLocked(tx, block, position, offset, time.Now())
	w.mu.Unlock()
	if err == nil {
		w.dispatchQueued()
	}
	return err
}

func (w *Wallet) receiveFromBlockLocked(tx txgraph.Tx, block BlockInfo, position ChainPosition, offset int, now time.Time) error {
	txid := tx.TxID()
	appearance := confidence.BlockAppearance{BlockHash: block.Hash, BlockHeight: block.Height, Offset: offset}

	if position == BestChain {
		if kind, ok := w.store.PoolOf(txid); ok && kind == pool.Dead && tx.IsCoinbase() {
			if err := w.resurrectCoinbaseLocked(txid, appearance); err != nil {
				return err
			}
			w.confidence.SuppressNextDepthIncrement(txid)
			w.touchUpdateTime(txid, now)
			w.scheduleSaveLocked()
			return w.checkConsistencyLocked()
		}
		if err := w.killConflictingSpendersLocked(tx); err != nil {
			return err
		}
	}

	if !w.store.IsTracked(txid) {
		if err := w.commitLocked(tx, commitOptions{}, now); err != nil {
			return err
		}
	}

	if err := w.transitionTrackedToBlockLocked(tx, appearance, position); err != nil {
		return err
	}
	if position == BestChain {
		w.confidence.SuppressNextDepthIncrement(txid)
	}
	w.touchUpdateTime(txid, now)
	w.scheduleSaveLocked()
	return nil
}

// killConflictingSpendersLocked kills every tracked, non-dead transaction
// that currently occupies one of tx's outpoints. A pending double spend
// losing to a confirmed one is the common case; a previously confirmed
// spender losing means the chain replaced it without an explicit reorg
// callback, and it is overridden all the same.
func (w *Wallet) killConflictingSpendersLocked(tx txgraph.Tx) error {
	txid := tx.TxID()
	for _, in := range tx.Inputs {
		spenderID, _, ok := w.store.ConflictingSpender(in.PreviousOutPoint)
		if !ok || spenderID == txid {
			continue
		}
		kind, tracked := w.store.PoolOf(spenderID)
		if !tracked || kind == pool.Dead {
			continue
		}
		overrider := txid
		if err := w.killLocked(spenderID, &overrider); err != nil {
			return err
		}
	}
	return nil
}

// resurrectCoinbaseLocked moves a reorganized-out coinbase back from DEAD
// toward UNSPENT/SPENT with a fresh BUILDING appearance.
func (w *Wallet) resurrectCoinbaseLocked(txid chainhash.Hash, appearance confidence.BlockAppearance) error {
	tx, ok := w.store.Get(txid)
	if !ok {
		return nil
	}
	if err := w.store.Move(txid, pool.Dead, pool.Pending); err != nil {
		return err
	}
	w.markOwnedOutputsAvailableLocked(tx)
	w.confidence.ResurrectCoinbase(txid, appearance, 1)
	return w.transitionTrackedToBlockLocked(tx, appearance, BestChain)
}

// transitionTrackedToBlockLocked moves an already-tracked transaction into
// its best-chain pool (UNSPENT/SPENT) or keeps it PENDING for a side-chain
// sighting, reconnecting any inputs that were not yet connected and, on the
// best chain, demoting any dependency closure out of IN_CONFLICT.
func (w *Wallet) transitionTrackedToBlockLocked(tx txgraph.Tx, appearance confidence.BlockAppearance, position ChainPosition) error {
	txid := tx.TxID()
	kind, ok := w.store.PoolOf(txid)
	if !ok {
		return nil
	}

	if _, err := w.connectInputsLocked(tx); err != nil {
		return err
	}
	w.connectPendingChildrenLocked(tx)

	if position != BestChain {
		// A side-chain sighting is remembered but changes neither pool nor
		// confidence state; the appearance matters if that chain later wins.
		w.confidence.AddAppearance(txid, appearance)
		return w.checkConsistencyLocked()
	}

	if kind == pool.Dead {
		// Confirmed after we wrote it off: whatever overrode it lost the
		// miner race, and this transaction's outputs are live again.
		w.markOwnedOutputsAvailableLocked(tx)
	}
	target := pool.Spent
	if w.hasAvailableOwnedOutputLocked(tx) {
		target = pool.Unspent
	}
	if kind != target {
		if err := w.store.Move(txid, kind, target); err != nil {
			return err
		}
	}

	w.confidence.SetBuilding(txid, appearance, 1)
	w.queueEvent(Event{Kind: ConfidenceChanged, TxID: txid})

	w.demoteConflictClosureLocked(txid)

	return w.checkConsistencyLocked()
}

func (w *Wallet) hasAvailableOwnedOutputLocked(tx txgraph.Tx) bool {
	txid := tx.TxID()
	for i, out := range tx.Outputs {
		if !w.keys.IsRelevantScript(out.ScriptPubKey) {
			continue
		}
		op := txgraph.NewOutPoint(txid, uint32(i))
		if _, _, spent := w.store.SpentBy(op); !spent {
			return true
		}
	}
	return false
}

// demoteConflictClosureLocked clears IN_CONFLICT back to PENDING for txid
// and its dependency closure, provided none of them still spends an outpoint
// another tracked transaction holds.
func (w *Wallet) demoteConflictClosureLocked(txid chainhash.Hash) {
	for _, c := range w.conflictClosureLocked([]chainhash.Hash{txid}) {
		rec, ok := w.confidence.Get(c)
		if !ok || rec.State() != confidence.InConflict {
			continue
		}
		if w.stillConflictsLocked(c) {
			continue
		}
		w.confidence.ClearConflictToPending(c)
		w.queueEvent(Event{Kind: ConfidenceChanged, TxID: c})
	}
}

// stillConflictsLocked reports whether tx spends any outpoint another
// tracked transaction is also recorded as conflicting over.
func (w *Wallet) stillConflictsLocked(txid chainhash.Hash) bool {
	tx, ok := w.store.Get(txid)
	if !ok {
		return false
	}
	for _, in := range tx.Inputs {
		if spenderID, _, ok := w.store.ConflictingSpender(in.PreviousOutPoint); ok && spenderID != txid {
			return true
		}
	}
	return false
}

// NotifyNewBestBlock bumps the depth of every BUILDING transaction (unless
// its next increment is suppressed by a just-processed ReceiveFromBlock for
// the same block) and records the new last-seen-block triple. A repeat
// notification for an already-seen block hash is a no-op.
func (w *Wallet) NotifyNewBestBlock(block BlockInfo) error {
	w.mu.Lock()
	err := w.notifyNewBestBlockLocked(block)
	w.mu.Unlock()
	if err == nil {
		w.dispatchQueued()
	}
	return err
}

func (w *Wallet) notifyNewBestBlockLocked(block BlockInfo) error {
	if w.lastSeenValid && w.lastSeen.Hash == block.Hash {
		return nil
	}

	for _, tx := range w.store.InPool(pool.Unspent) {
		w.confidence.IncrementDepth(tx.TxID())
	}
	for _, tx := range w.store.InPool(pool.Spent) {
		w.confidence.IncrementDepth(tx.TxID())
	}

	w.lastSeen = block
	w.lastSeenValid = true
	w.queueEvent(Event{Kind: Changed})
	w.scheduleSaveLocked()
	return w.checkConsistencyLocked()
}
