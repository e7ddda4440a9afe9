package walletstore

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/confidence"
	"github.com/klingon-exchange/spvwallet/internal/pool"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
	"github.com/klingon-exchange/spvwallet/internal/walletcore"
)

// Capture extracts a Snapshot from a live wallet. Called by the autosave
// closure; the individual reads each take the wallet lock, which is fine -
// a snapshot taken between two mutators is always a consistent quiescent
// state, and SaveSnapshot writes it atomically.
func Capture(w *walletcore.Wallet) (Snapshot, error) {
	var snap Snapshot

	for _, tx := range w.Store().All() {
		txid := tx.TxID()
		kind, ok := w.Store().PoolOf(txid)
		if !ok {
			continue
		}
		raw, err := txgraph.Serialize(tx)
		if err != nil {
			return snap, fmt.Errorf("serialize %s: %w", txid, err)
		}
		updatedAt, _ := w.UpdatedAt(txid)
		snap.Txs = append(snap.Txs, TxRecord{
			TxID:           txid.String(),
			Pool:           kind.String(),
			Raw:            raw,
			SelfOriginated: w.IsSelfOriginated(txid),
			UpdatedAt:      updatedAt,
		})

		if rec, ok := w.Confidence().Get(txid); ok {
			for _, app := range rec.AppearedIn() {
				snap.Appearances = append(snap.Appearances, Appearance{
					TxID:        txid.String(),
					BlockHash:   app.BlockHash.String(),
					BlockHeight: app.BlockHeight,
					Offset:      app.Offset,
				})
			}
		}
	}

	if last, ok := w.LastSeenBlock(); ok {
		snap.LastSeen = LastSeen{
			BlockHash:   last.Hash.String(),
			BlockHeight: last.Height,
			BlockTime:   last.Time,
			Valid:       true,
		}
	}

	return snap, nil
}

// Restore replays a Snapshot into a fresh wallet: confirmed transactions
// re-enter through the block path in (height, offset) order, pending ones
// through commit, dead ones are killed afterwards. Confirmation depth is
// not stored - it is recomputed from the last-seen height, which is all
// the depth counter measures anyway.
func Restore(w *walletcore.Wallet, snap Snapshot) error {
	type confirmedTx struct {
		tx  txgraph.Tx
		app Appearance
	}
	var confirmed []confirmedTx
	var pending, dead []txgraph.Tx
	selfOriginated := make(map[string]bool)

	appsByTx := make(map[string]Appearance)
	for _, app := range snap.Appearances {
		appsByTx[app.TxID] = app
	}

	for _, rec := range snap.Txs {
		tx, err := txgraph.Deserialize(rec.Raw)
		if err != nil {
			return fmt.Errorf("deserialize %s: %w", rec.TxID, err)
		}
		if rec.SelfOriginated {
			selfOriginated[rec.TxID] = true
		}
		switch rec.Pool {
		case pool.Unspent.String(), pool.Spent.String():
			app, ok := appsByTx[rec.TxID]
			if !ok {
				return fmt.Errorf("confirmed tx %s has no recorded block appearance", rec.TxID)
			}
			confirmed = append(confirmed, confirmedTx{tx: tx, app: app})
		case pool.Dead.String():
			dead = append(dead, tx)
		default:
			pending = append(pending, tx)
		}
	}

	sort.Slice(confirmed, func(i, j int) bool {
		if confirmed[i].app.BlockHeight != confirmed[j].app.BlockHeight {
			return confirmed[i].app.BlockHeight < confirmed[j].app.BlockHeight
		}
		return confirmed[i].app.Offset < confirmed[j].app.Offset
	})

	for _, c := range confirmed {
		blockHash, err := chainhash.NewHashFromStr(c.app.BlockHash)
		if err != nil {
			return fmt.Errorf("bad block hash %s: %w", c.app.BlockHash, err)
		}
		block := walletcore.BlockInfo{Hash: *blockHash, Height: c.app.BlockHeight}
		if err := w.ReceiveFromBlock(c.tx, block, walletcore.BestChain, c.app.Offset); err != nil {
			return err
		}
		depth := uint32(1)
		if snap.LastSeen.Valid && snap.LastSeen.BlockHeight >= c.app.BlockHeight {
			depth = snap.LastSeen.BlockHeight - c.app.BlockHeight + 1
		}
		w.Confidence().SetBuilding(c.tx.TxID(), confidence.BlockAppearance{
			BlockHash:   *blockHash,
			BlockHeight: c.app.BlockHeight,
			Offset:      c.app.Offset,
		}, depth)
	}

	for _, tx := range pending {
		if err := w.Commit(tx); err != nil {
			return err
		}
	}
	for _, tx := range dead {
		if err := w.Commit(tx); err != nil {
			return err
		}
		if err := w.Kill(tx.TxID(), nil); err != nil {
			return err
		}
	}

	for txidStr := range selfOriginated {
		txid, err := chainhash.NewHashFromStr(txidStr)
		if err != nil {
			continue
		}
		w.MarkSelfOriginated(*txid)
	}

	if snap.LastSeen.Valid {
		blockHash, err := chainhash.NewHashFromStr(snap.LastSeen.BlockHash)
		if err != nil {
			return fmt.Errorf("bad last-seen hash: %w", err)
		}
		w.SetLastSeenBlock(walletcore.BlockInfo{
			Hash:   *blockHash,
			Height: snap.LastSeen.BlockHeight,
			Time:   snap.LastSeen.BlockTime,
		})
	}

	return w.CheckConsistency()
}
