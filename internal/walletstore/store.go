// Package walletstore persists the wallet's state to SQLite: tracked
// transactions with their pool membership, confidence block appearances,
// the last-seen-block triple, and the encrypted key-chain-group blob. The
// schema is a thin shell - transaction bodies are stored in wire format,
// produced and parsed by internal/txgraph.
package walletstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides persistent storage for one wallet.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Store instance.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "wallet.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Store) initSchema() error {
	schema := `
	-- Wallet-level metadata: format version, description, network.
	CREATE TABLE IF NOT EXISTS wallet_meta (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Encrypted key-chain-group blob (one active group).
	CREATE TABLE IF NOT EXISTS keychain_group (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		blob BLOB NOT NULL,
		created_at INTEGER
	);

	-- Tracked transactions: wire-format body plus pool membership tag.
	CREATE TABLE IF NOT EXISTS wallet_txs (
		txid TEXT PRIMARY KEY,
		pool TEXT NOT NULL,
		raw BLOB NOT NULL,
		self_originated INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_txs_pool ON wallet_txs(pool);

	-- Confidence block-appearance list, one row per (tx, block).
	CREATE TABLE IF NOT EXISTS tx_appearances (
		txid TEXT NOT NULL,
		block_hash TEXT NOT NULL,
		block_height INTEGER NOT NULL,
		offset INTEGER NOT NULL,
		PRIMARY KEY (txid, block_hash)
	);

	-- Last-seen-block triple (single row).
	CREATE TABLE IF NOT EXISTS last_seen_block (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		block_hash TEXT NOT NULL,
		block_height INTEGER NOT NULL,
		block_time INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SetMeta stores a wallet metadata entry.
func (s *Store) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO wallet_meta (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

// GetMeta reads a wallet metadata entry.
func (s *Store) GetMeta(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRow(`SELECT value FROM wallet_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SaveKeyChainGroup stores the encrypted key-chain-group blob.
func (s *Store) SaveKeyChainGroup(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO keychain_group (id, blob, created_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET blob = excluded.blob`,
		blob, time.Now().Unix())
	return err
}

// LoadKeyChainGroup reads the encrypted key-chain-group blob.
func (s *Store) LoadKeyChainGroup() ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM keychain_group WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

// expandPath expands ~ to the user home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
