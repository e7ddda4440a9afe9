package walletcore

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/confidence"
	"github.com/klingon-exchange/spvwallet/internal/pool"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// commitOptions parameterizes the shared commit path between Commit
// (inbound/self-originated pending) and ReceiveFromBlock (confirmed).
type commitOptions struct {
	selfOriginated bool
}

// Commit inserts a newly relevant transaction: it records the update time,
// computes value-to-me/value-from-me, connects inputs and outputs against
// the tracked set, classifies the result as PENDING/IN_CONFLICT/DEAD, marks
// touched keys used, and queues listener notifications. It is the entry
// point the classifier uses for inbound relevant transactions; the
// transaction builder commits its own spends through CommitSelfOriginated.
func (w *Wallet) Commit(tx txgraph.Tx) error {
	w.mu.Lock()
	err := w.commitLocked(tx, commitOptions{}, time.Now())
	w.mu.Unlock()
	if err == nil {
		w.dispatchQueued()
	}
	return err
}

// CommitSelfOriginated is Commit for a transaction this wallet built itself.
// The provenance matters later: the default coin selector may spend the
// change of a self-originated pending transaction before it confirms, but
// never that of one received from elsewhere.
func (w *Wallet) CommitSelfOriginated(tx txgraph.Tx) error {
	w.mu.Lock()
	err := w.commitLocked(tx, commitOptions{selfOriginated: true}, time.Now())
	w.mu.Unlock()
	if err == nil {
		w.dispatchQueued()
	}
	return err
}

func (w *Wallet) commitLocked(tx txgraph.Tx, opts commitOptions, now time.Time) error {
	txid := tx.TxID()
	if w.store.IsTracked(txid) {
		return nil // idempotent
	}

	w.touchUpdateTime(txid, now)

	conflicts, err := w.connectInputsLocked(tx)
	if err != nil {
		return err
	}
	deadAncestor, isDeadByAncestry := w.deadAncestorLocked(tx)

	kind, state, overridingTx, conflictWith := w.classifyOutcome(txid, conflicts, deadAncestor, isDeadByAncestry)

	if err := w.store.Put(kind, tx); err != nil {
		return err
	}
	if opts.selfOriginated {
		w.selfOriginated[txid] = true
	}

	switch state {
	case confidence.Dead:
		w.confidence.SetDead(txid, overridingTx)
	case confidence.InConflict:
		w.confidence.SetInConflict(txid, conflictWith...)
		for _, c := range w.conflictClosureLocked(conflictWith) {
			if c == txid {
				continue
			}
			w.confidence.SetInConflict(c, txid)
		}
	default:
		w.confidence.SetPending(txid)
	}

	if kind != pool.Dead {
		w.connectPendingChildrenLocked(tx)
		w.markOwnedOutputsAvailableLocked(tx)
	}

	w.markTouchedKeysUsedLocked(tx)

	valueToMe, valueFromMe := w.scanValueLocked(tx)
	ev := Event{Kind: CoinsReceived, TxID: txid, ValueToMe: valueToMe, ValueFromMe: valueFromMe, ConflictWith: conflictWith}
	if valueFromMe > 0 {
		ev.Kind = CoinsSent
	}
	w.queueEvent(ev)
	if state == confidence.InConflict || state == confidence.Dead {
		w.queueEvent(Event{Kind: ConfidenceChanged, TxID: txid})
	}

	if err := w.checkConsistencyLocked(); err != nil {
		return err
	}
	w.scheduleSaveLocked()
	return nil
}

// connectInputsLocked attempts to connect every input of tx to the output
// it cites. An input whose outpoint is already connected to a different
// spender is left unconnected and the existing spender's txid is returned
// as a conflict, never silently overwritten.
func (w *Wallet) connectInputsLocked(tx txgraph.Tx) ([]chainhash.Hash, error) {
	txid := tx.TxID()
	var conflicts []chainhash.Hash
	for i, in := range tx.Inputs {
		op := in.PreviousOutPoint
		if spenderID, _, ok := w.store.ConflictingSpender(op); ok {
			if spenderID != txid {
				conflicts = append(conflicts, spenderID)
			}
			continue
		}
		ownerKind, tracked := w.store.PoolOf(op.Hash)
		if !tracked || (ownerKind != pool.Unspent && ownerKind != pool.Spent && ownerKind != pool.Pending) {
			continue // not one of our tracked outputs - nothing to connect
		}
		if err := w.store.Connect(txid, i, op); err != nil {
			return nil, err
		}
	}
	return conflicts, nil
}

// deadAncestorLocked reports whether any input spends an output of a DEAD
// transaction, and which one.
func (w *Wallet) deadAncestorLocked(tx txgraph.Tx) (chainhash.Hash, bool) {
	for _, in := range tx.Inputs {
		if kind, ok := w.store.PoolOf(in.PreviousOutPoint.Hash); ok && kind == pool.Dead {
			return in.PreviousOutPoint.Hash, true
		}
	}
	return chainhash.Hash{}, false
}

// classifyOutcome decides a committing transaction's pool and confidence:
// conflicting with a confirmed spend, or building on a DEAD ancestor, makes
// it DEAD; conflicting with pending spends makes the whole cluster
// IN_CONFLICT; anything else enters PENDING.
func (w *Wallet) classifyOutcome(txid chainhash.Hash, conflicts []chainhash.Hash, deadAncestor chainhash.Hash, isDeadByAncestry bool) (kind pool.Kind, state confidence.State, overridingTx *chainhash.Hash, conflictWith []chainhash.Hash) {
	if isDeadByAncestry {
		anc := deadAncestor
		return pool.Dead, confidence.Dead, &anc, nil
	}
	for _, c := range conflicts {
		ck, ok := w.store.PoolOf(c)
		if !ok {
			continue
		}
		switch ck {
		case pool.Unspent, pool.Spent:
			cc := c
			return pool.Dead, confidence.Dead, &cc, nil
		case pool.Dead:
			cc := c
			return pool.Dead, confidence.Dead, &cc, nil
		}
		if rec, ok := w.confidence.Get(c); ok && (rec.State() == confidence.Pending || rec.State() == confidence.InConflict) {
			conflictWith = append(conflictWith, c)
		}
	}
	if len(conflictWith) > 0 {
		return pool.Pending, confidence.InConflict, nil, conflictWith
	}
	return pool.Pending, confidence.Pending, nil, nil
}

// conflictClosureLocked returns roots plus every PENDING transaction that
// transitively spends an output of a transaction in roots.
func (w *Wallet) conflictClosureLocked(roots []chainhash.Hash) []chainhash.Hash {
	seen := make(map[chainhash.Hash]bool, len(roots))
	queue := append([]chainhash.Hash(nil), roots...)
	for _, r := range roots {
		seen[r] = true
	}
	var result []chainhash.Hash
	pending := w.store.InPool(pool.Pending)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		result = append(result, cur)
		for _, ptx := range pending {
			ptxid := ptx.TxID()
			if seen[ptxid] {
				continue
			}
			for _, in := range ptx.Inputs {
				if in.PreviousOutPoint.Hash == cur {
					seen[ptxid] = true
					queue = append(queue, ptxid)
					break
				}
			}
		}
	}
	return result
}

// connectPendingChildrenLocked scans the PENDING pool for inputs citing one
// of tx's outputs and connects them.
func (w *Wallet) connectPendingChildrenLocked(tx txgraph.Tx) {
	txid := tx.TxID()
	for i := range tx.Outputs {
		op := txgraph.NewOutPoint(txid, uint32(i))
		if _, _, already := w.store.ConflictingSpender(op); already {
			continue
		}
		for _, ptx := range w.store.InPool(pool.Pending) {
			for j, in := range ptx.Inputs {
				if in.PreviousOutPoint == op {
					_ = w.store.Connect(ptx.TxID(), j, op)
				}
			}
		}
	}
}

// markOwnedOutputsAvailableLocked adds every owned, not-yet-spent output of
// tx to my-unspents.
func (w *Wallet) markOwnedOutputsAvailableLocked(tx txgraph.Tx) {
	txid := tx.TxID()
	for i, out := range tx.Outputs {
		if !w.keys.IsRelevantScript(out.ScriptPubKey) {
			continue
		}
		op := txgraph.NewOutPoint(txid, uint32(i))
		w.store.MarkAvailable(op)
	}
}

// scanValueLocked computes value-to-me (owned outputs) and value-from-me
// (inputs spending owned outputs of tracked transactions).
func (w *Wallet) scanValueLocked(tx txgraph.Tx) (valueToMe, valueFromMe int64) {
	for _, out := range tx.Outputs {
		if w.keys.IsRelevantScript(out.ScriptPubKey) {
			valueToMe += out.Value
		}
	}
	for _, in := range tx.Inputs {
		prevTx, ok := w.store.Get(in.PreviousOutPoint.Hash)
		if !ok || int(in.PreviousOutPoint.Index) >= len(prevTx.Outputs) {
			continue
		}
		out := prevTx.Outputs[in.PreviousOutPoint.Index]
		if w.keys.IsRelevantScript(out.ScriptPubKey) {
			valueFromMe += out.Value
		}
	}
	return valueToMe, valueFromMe
}

// markTouchedKeysUsedLocked marks every key an owned output/redeem script
// in tx resolves to as used, so lookahead derivation advances.
func (w *Wallet) markTouchedKeysUsedLocked(tx txgraph.Tx) {
	for _, out := range tx.Outputs {
		scriptType := txgraph.ClassifyScript(out.ScriptPubKey)
		switch scriptType {
		case txgraph.ScriptP2SH:
			if len(out.ScriptPubKey) >= 22 {
				w.keys.MarkScriptHashUsed(scriptHashFromP2SH(out.ScriptPubKey))
			}
		default:
			if hash := pubKeyHashFromScript(out.ScriptPubKey); hash != nil {
				w.keys.MarkPubKeyUsed(hash)
			}
		}
	}
}

// killLocked moves txid (wherever it is tracked) to DEAD with the given
// overriding transaction (nil for a reorganized-out coinbase), disconnecting
// its own input connections, removing its outputs from my-unspents, and
// cascading to every transaction that spends one of its outputs, directly or
// transitively.
func (w *Wallet) killLocked(txid chainhash.Hash, overridingTx *chainhash.Hash) error {
	tx, ok := w.store.Get(txid)
	if !ok {
		return nil
	}
	kind, ok := w.store.PoolOf(txid)
	if !ok {
		return nil
	}
	if kind == pool.Dead {
		return nil // already dead
	}

	// Cascade to descendants first so their own spent-by links are cleared
	// before we touch this transaction's bookkeeping.
	for i := range tx.Outputs {
		op := txgraph.NewOutPoint(txid, uint32(i))
		if spenderID, _, spent := w.store.SpentBy(op); spent {
			anc := txid
			if err := w.killLocked(spenderID, &anc); err != nil {
				return err
			}
		}
	}

	// Disconnect this transaction's own inputs so the outputs it spent
	// become available again (they may now belong to the overriding tx
	// instead, which connects them itself when it commits).
	for i, in := range tx.Inputs {
		if spenderID, idx, ok := w.store.SpentBy(in.PreviousOutPoint); ok && spenderID == txid && idx == i {
			owned := w.keys.IsRelevantScript(outputScriptFor(w, in.PreviousOutPoint))
			w.store.Disconnect(in.PreviousOutPoint, owned)
		}
	}

	if err := w.store.Move(txid, kind, pool.Dead); err != nil {
		return err
	}
	// A dead transaction's outputs are never spendable.
	for i := range tx.Outputs {
		w.store.Unavailable(txgraph.NewOutPoint(txid, uint32(i)))
	}
	w.confidence.SetDead(txid, overridingTx)
	w.queueEvent(Event{Kind: ConfidenceChanged, TxID: txid})
	return nil
}

func outputScriptFor(w *Wallet, op txgraph.OutPoint) []byte {
	tx, ok := w.store.Get(op.Hash)
	if !ok || int(op.Index) >= len(tx.Outputs) {
		return nil
	}
	return tx.Outputs[op.Index].ScriptPubKey
}

// pubKeyHashFromScript extracts the 20-byte hash from a P2PKH or P2WPKH
// scriptPubKey, or nil if script is neither.
func pubKeyHashFromScript(script []byte) []byte {
	switch {
	case len(script) == 25 && script[0] == 0x76 && script[1] == 0xa9 && script[2] == 0x14:
		return script[3:23]
	case len(script) == 22 && script[0] == 0x00 && script[1] == 0x14:
		return script[2:22]
	default:
		return nil
	}
}

// scriptHashFromP2SH extracts the 20-byte script hash from a P2SH
// scriptPubKey.
func scriptHashFromP2SH(script []byte) []byte {
	if len(script) == 23 && script[0] == 0xa9 && script[1] == 0x14 {
		return script[2:22]
	}
	return nil
}
