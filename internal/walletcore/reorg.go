package walletcore

import (
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/pool"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// OffsetTx pairs a transaction with the in-block offset it will appear (or
// appeared) at. Replay order within a block is always offset order.
type OffsetTx struct {
	Tx     txgraph.Tx
	Offset int
}

// ReorgBlock names a block on the new best chain together with every
// transaction of interest it contains, in any order (Reorganize sorts by
// Offset itself).
type ReorgBlock struct {
	Block BlockInfo
	Txs   []OffsetTx
}

type blockTxEntry struct {
	tx     txgraph.Tx
	offset int
}

// txsAppearingInLocked returns every tracked transaction recorded as
// appearing in blockHash, sorted by in-block offset ascending.
func (w *Wallet) txsAppearingInLocked(blockHash chainhash.Hash) []blockTxEntry {
	var out []blockTxEntry
	for _, tx := range w.store.All() {
		rec, ok := w.confidence.Get(tx.TxID())
		if !ok {
			continue
		}
		for _, app := range rec.AppearedIn() {
			if app.BlockHash == blockHash {
				out = append(out, blockTxEntry{tx: tx, offset: app.Offset})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out
}

// Reorganize rolls back every block in oldBlocks (tip toward split, reverse
// in-block order within each block), killing rolled-back coinbases and their
// descendants, demoting surviving transactions to PENDING and reconnecting
// them, subtracting the rolled-back depth from every remaining BUILDING
// transaction, then replays newBlocks bottom-up exactly as ReceiveFromBlock
// and NotifyNewBestBlock would have seen them live. Dead transactions stay
// dead unless a new block resurrects a coinbase. Any consistency violation
// surfaced after replay is fatal; the wallet is left in its best-effort
// state and the error is returned.
func (w *Wallet) Reorganize(splitPoint BlockInfo, oldBlocks []BlockInfo, newBlocks []ReorgBlock) error {
	w.mu.Lock()
	err := w.reorganizeLocked(splitPoint, oldBlocks, newBlocks, time.Now())
	w.mu.Unlock()
	if err == nil {
		w.dispatchQueued()
	}
	return err
}

func (w *Wallet) reorganizeLocked(splitPoint BlockInfo, oldBlocks []BlockInfo, newBlocks []ReorgBlock, now time.Time) error {
	// Bucket tracked transactions by old block before any mutation confuses
	// the picture. oldBlocks arrives tip-first, which is the rollback order.
	buckets := make([][]blockTxEntry, len(oldBlocks))
	for i, b := range oldBlocks {
		buckets[i] = w.txsAppearingInLocked(b.Hash)
	}

	// Roll back each old block: coinbases die (with descendants), everything
	// else has its outputs' spent-by links cleared and is buffered for
	// reinsertion as pending.
	var buffered []chainhash.Hash
	for i, entries := range buckets {
		for j := len(entries) - 1; j >= 0; j-- {
			tx := entries[j].tx
			txid := tx.TxID()
			w.confidence.RemoveAppearance(txid, oldBlocks[i].Hash)
			kind, ok := w.store.PoolOf(txid)
			if !ok || kind == pool.Dead {
				continue
			}
			if tx.IsCoinbase() {
				if err := w.killLocked(txid, nil); err != nil {
					return err
				}
				continue
			}
			w.disconnectOwnOutputsLocked(tx)
			buffered = append(buffered, txid)
		}
	}

	// Move every buffered transaction back to PENDING and reconnect it
	// (inputs and pending children both) against the post-rollback state.
	for _, txid := range buffered {
		tx, ok := w.store.Get(txid)
		if !ok {
			continue
		}
		kind, ok := w.store.PoolOf(txid)
		if !ok || kind == pool.Pending {
			continue
		}
		if err := w.store.Move(txid, kind, pool.Pending); err != nil {
			return err
		}
		w.confidence.SetPending(txid)
		w.queueEvent(Event{Kind: ConfidenceChanged, TxID: txid})
		if _, err := w.connectInputsLocked(tx); err != nil {
			return err
		}
		w.connectPendingChildrenLocked(tx)
		w.markOwnedOutputsAvailableLocked(tx)
	}

	// Transactions still confirmed (in blocks below the split) lose the
	// rolled-back depth.
	depthDrop := uint32(len(oldBlocks))
	if depthDrop > 0 {
		for _, tx := range w.store.InPool(pool.Unspent) {
			w.confidence.SubtractDepth(tx.TxID(), depthDrop)
		}
		for _, tx := range w.store.InPool(pool.Spent) {
			w.confidence.SubtractDepth(tx.TxID(), depthDrop)
		}
	}

	w.lastSeen = splitPoint
	w.lastSeenValid = true

	// Replay the new chain bottom-up (closest to the split first), each
	// block's transactions in offset order, then the block notification -
	// the same sequence a live download would have produced.
	for i := len(newBlocks) - 1; i >= 0; i-- {
		nb := newBlocks[i]
		sorted := append([]OffsetTx(nil), nb.Txs...)
		sort.Slice(sorted, func(a, b int) bool { return sorted[a].Offset < sorted[b].Offset })
		for _, ot := range sorted {
			if err := w.receiveFromBlockLocked(ot.Tx, nb.Block, BestChain, ot.Offset, now); err != nil {
				return err
			}
		}
		if err := w.notifyNewBestBlockLocked(nb.Block); err != nil {
			return err
		}
	}

	w.queueEvent(Event{Kind: Reorganized})
	w.scheduleSaveLocked()
	return w.checkConsistencyLocked()
}

// disconnectOwnOutputsLocked clears the spent-by back-reference on every
// output of tx, restoring owned outputs to my-unspents. The spender's own
// input needs no separate bookkeeping: connections resolve through the
// outpoint index, so deleting the index entry unconnects it.
func (w *Wallet) disconnectOwnOutputsLocked(tx txgraph.Tx) {
	txid := tx.TxID()
	for i, out := range tx.Outputs {
		op := txgraph.NewOutPoint(txid, uint32(i))
		if _, _, spent := w.store.SpentBy(op); spent {
			owned := w.keys.IsRelevantScript(out.ScriptPubKey)
			w.store.Disconnect(op, owned)
		}
	}
}
