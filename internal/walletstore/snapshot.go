package walletstore

import (
	"database/sql"
	"fmt"
	"time"
)

// TxRecord is one tracked transaction as persisted: wire-format body plus
// its pool tag and provenance.
type TxRecord struct {
	TxID           string
	Pool           string
	Raw            []byte
	SelfOriginated bool
	UpdatedAt      time.Time
}

// Appearance is one (transaction, block) sighting.
type Appearance struct {
	TxID        string
	BlockHash   string
	BlockHeight uint32
	Offset      int
}

// LastSeen is the last-seen-block triple.
type LastSeen struct {
	BlockHash   string
	BlockHeight uint32
	BlockTime   time.Time
	Valid       bool
}

// Snapshot is the full persisted view of a wallet's transaction state.
type Snapshot struct {
	Txs         []TxRecord
	Appearances []Appearance
	LastSeen    LastSeen
}

// SaveSnapshot replaces the persisted transaction state in one database
// transaction, so a crash mid-save never leaves a half-written wallet.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM wallet_txs`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM tx_appearances`); err != nil {
		return err
	}

	insTx, err := tx.Prepare(`INSERT INTO wallet_txs (txid, pool, raw, self_originated, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insTx.Close()
	for _, rec := range snap.Txs {
		selfOriginated := 0
		if rec.SelfOriginated {
			selfOriginated = 1
		}
		if _, err := insTx.Exec(rec.TxID, rec.Pool, rec.Raw, selfOriginated, rec.UpdatedAt.Unix()); err != nil {
			return fmt.Errorf("insert tx %s: %w", rec.TxID, err)
		}
	}

	insApp, err := tx.Prepare(`INSERT INTO tx_appearances (txid, block_hash, block_height, offset) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insApp.Close()
	for _, app := range snap.Appearances {
		if _, err := insApp.Exec(app.TxID, app.BlockHash, app.BlockHeight, app.Offset); err != nil {
			return fmt.Errorf("insert appearance %s/%s: %w", app.TxID, app.BlockHash, err)
		}
	}

	if snap.LastSeen.Valid {
		if _, err := tx.Exec(
			`INSERT INTO last_seen_block (id, block_hash, block_height, block_time) VALUES (1, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET block_hash = excluded.block_hash,
			   block_height = excluded.block_height, block_time = excluded.block_time`,
			snap.LastSeen.BlockHash, snap.LastSeen.BlockHeight, snap.LastSeen.BlockTime.Unix()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadSnapshot reads the persisted transaction state back.
func (s *Store) LoadSnapshot() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot

	rows, err := s.db.Query(`SELECT txid, pool, raw, self_originated, updated_at FROM wallet_txs`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var rec TxRecord
		var selfOriginated int
		var updatedAt int64
		if err := rows.Scan(&rec.TxID, &rec.Pool, &rec.Raw, &selfOriginated, &updatedAt); err != nil {
			return snap, err
		}
		rec.SelfOriginated = selfOriginated != 0
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		snap.Txs = append(snap.Txs, rec)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	appRows, err := s.db.Query(`SELECT txid, block_hash, block_height, offset FROM tx_appearances`)
	if err != nil {
		return snap, err
	}
	defer appRows.Close()
	for appRows.Next() {
		var app Appearance
		if err := appRows.Scan(&app.TxID, &app.BlockHash, &app.BlockHeight, &app.Offset); err != nil {
			return snap, err
		}
		snap.Appearances = append(snap.Appearances, app)
	}
	if err := appRows.Err(); err != nil {
		return snap, err
	}

	var blockTime int64
	err = s.db.QueryRow(`SELECT block_hash, block_height, block_time FROM last_seen_block WHERE id = 1`).
		Scan(&snap.LastSeen.BlockHash, &snap.LastSeen.BlockHeight, &blockTime)
	switch {
	case err == sql.ErrNoRows:
		// Never seen a block; LastSeen stays invalid.
	case err != nil:
		return snap, err
	default:
		snap.LastSeen.BlockTime = time.Unix(blockTime, 0)
		snap.LastSeen.Valid = true
	}

	return snap, nil
}
