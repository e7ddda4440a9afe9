// Package walletcore implements the wallet's state machine: the only
// mutator of pool membership and spent flags. It wires together
// internal/pool, internal/confidence and internal/keychain under a single
// coarse lock; the keychain's own nested lock may be acquired while the
// wallet lock is held, never the reverse.
package walletcore

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/coinselect"
	"github.com/klingon-exchange/spvwallet/internal/confidence"
	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/pool"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// BlockInfo names a block well enough for the state machine's purposes: the
// core never validates proof-of-work, it only consumes a "block seen"
// signal plus this triple.
type BlockInfo struct {
	Hash   chainhash.Hash
	Height uint32
	Time   time.Time
}

// ChainPosition says whether a block a transaction appeared in is on the
// current best chain or a side chain at the time it was seen.
type ChainPosition int

const (
	BestChain ChainPosition = iota
	SideChain
)

// Saver is the auto-save collaborator: a single background owner coalescing
// writes with a debounce, plus a synchronous preempting save. ScheduleSave
// is called with the wallet lock held and must not block or re-enter the
// wallet.
type Saver interface {
	ScheduleSave()
	SaveNow() error
}

type noopSaver struct{}

func (noopSaver) ScheduleSave()  {}
func (noopSaver) SaveNow() error { return nil }

// Wallet is the state machine: the sole mutator of pool membership and
// spent flags. It owns the pool store and holds the confidence table and
// keychain by reference; the confidence table is constructed once per
// process and passed in rather than reached through a hidden global, so two
// wallets sharing a process share one table.
type Wallet struct {
	mu sync.Mutex

	store      *pool.Store
	confidence *confidence.Table
	keys       keychain.Keychain
	logger     *logging.Logger
	cfg        Config
	saver      Saver

	lastSeen      BlockInfo
	lastSeenValid bool

	updateTime map[chainhash.Hash]time.Time

	// selfOriginated records every txid committed through
	// CommitSelfOriginated, so Candidates can apply the default selector's
	// spend-own-change rule without guessing provenance from the
	// transaction's shape.
	selfOriginated map[chainhash.Hash]bool

	listeners       []listenerHandle
	pendingEvents   []Event
	uncaughtHandler func(Event, interface{})
}

// NewWallet constructs a Wallet over a fresh pool store, the given
// (process-wide) confidence table and keychain.
func NewWallet(keys keychain.Keychain, table *confidence.Table, cfg Config, logger *logging.Logger) *Wallet {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Wallet{
		store:          pool.NewStore(),
		confidence:     table,
		keys:           keys,
		logger:         logger.Component("walletcore"),
		cfg:            cfg,
		saver:          noopSaver{},
		updateTime:     make(map[chainhash.Hash]time.Time),
		selfOriginated: make(map[chainhash.Hash]bool),
	}
}

// SetSaver installs the auto-save collaborator.
func (w *Wallet) SetSaver(s Saver) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s == nil {
		s = noopSaver{}
	}
	w.saver = s
}

// Store exposes the underlying pool store for read-only collaborators
// (internal/txbuilder, internal/keyrotation, internal/classifier's
// idempotence check). Every
// mutation still funnels through the Wallet's own methods, under w.mu.
func (w *Wallet) Store() *pool.Store { return w.store }

// Confidence exposes the confidence table for read-only queries.
func (w *Wallet) Confidence() *confidence.Table { return w.confidence }

// Keychain exposes the keychain capability.
func (w *Wallet) Keychain() keychain.Keychain { return w.keys }

// LastSeenBlock returns the last block recorded by NotifyNewBestBlock or
// Reorganize, and whether one has ever been recorded. The "never seen a
// block" state is carried in the boolean, not a sentinel height.
func (w *Wallet) LastSeenBlock() (BlockInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen, w.lastSeenValid
}

// BalanceKind selects which balance definition to compute.
type BalanceKind int

const (
	// BalanceAvailable sums outputs the default coin selector would accept
	// at an unbounded target: confirmed (and mature), or self-originated
	// pending and propagated.
	BalanceAvailable BalanceKind = iota
	// BalanceEstimated sums every owned, unspent output regardless of
	// confirmation, so it is always >= AVAILABLE.
	BalanceEstimated
)

// Balance computes the requested balance over my-unspents.
func (w *Wallet) Balance(kind BalanceKind) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total int64
	for _, op := range w.store.MyUnspents() {
		tx, ok := w.store.Get(op.Hash)
		if !ok || int(op.Index) >= len(tx.Outputs) {
			continue
		}
		value := tx.Outputs[op.Index].Value
		if kind == BalanceEstimated {
			total += value
			continue
		}
		if w.isEligibleForAvailableLocked(op.Hash, tx) {
			total += value
		}
	}
	return total
}

// Candidates returns every owned, available output as an
// internal/coinselect.Candidate, for the transaction builder to hand to a
// Selector. Unlike isEligibleForAvailableLocked (which only needs a yes/no
// answer for Balance), this carries enough detail - depth, confirmation,
// coinbase-ness, propagation count, provenance - for the selector to apply
// its eligibility rule itself.
func (w *Wallet) Candidates() []coinselect.Candidate {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []coinselect.Candidate
	for _, op := range w.store.MyUnspents() {
		tx, ok := w.store.Get(op.Hash)
		if !ok || int(op.Index) >= len(tx.Outputs) {
			continue
		}
		kind, ok := w.store.PoolOf(op.Hash)
		if !ok {
			continue
		}
		rec, ok := w.confidence.Get(op.Hash)
		if !ok {
			continue
		}
		src := coinselect.SourceOther
		if w.selfOriginated[op.Hash] {
			src = coinselect.SourceSelf
		}
		value := tx.Outputs[op.Index].Value
		out = append(out, coinselect.Candidate{
			OutPoint:        op,
			Value:           value,
			ScriptType:      txgraph.ClassifyScript(tx.Outputs[op.Index].ScriptPubKey),
			Depth:           rec.Depth(),
			Confirmed:       kind == pool.Unspent || kind == pool.Spent,
			Source:          src,
			PropagatedPeers: rec.NumBroadcastPeers(),
			Coinbase:        tx.IsCoinbase(),
		})
	}
	return out
}

// isEligibleForAvailableLocked mirrors internal/coinselect's default
// eligibility rule (confirmed at depth>=1, or self-originated pending and
// propagated) without importing the selector, so Balance(AVAILABLE) stays
// cheap. DefaultSelector applies the identical rule when actually picking
// spend candidates.
func (w *Wallet) isEligibleForAvailableLocked(txid chainhash.Hash, tx txgraph.Tx) bool {
	kind, ok := w.store.PoolOf(txid)
	if !ok {
		return false
	}
	rec, ok := w.confidence.Get(txid)
	if !ok {
		return false
	}
	switch kind {
	case pool.Unspent, pool.Spent:
		if tx.IsCoinbase() {
			return rec.Depth() >= w.cfg.CoinbaseMaturity
		}
		return rec.Depth() >= 1
	case pool.Pending:
		return w.selfOriginated[txid] && rec.NumBroadcastPeers() >= 1
	default:
		return false
	}
}

// IsSelfOriginated reports whether txid was committed as a spend this
// wallet built.
func (w *Wallet) IsSelfOriginated(txid chainhash.Hash) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selfOriginated[txid]
}

// MarkSelfOriginated stamps provenance on an already-tracked transaction,
// used when reloading persisted state.
func (w *Wallet) MarkSelfOriginated(txid chainhash.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.selfOriginated[txid] = true
}

// SetLastSeenBlock overrides the last-seen-block triple, used when
// reloading persisted state.
func (w *Wallet) SetLastSeenBlock(block BlockInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = block
	w.lastSeenValid = true
}

// Kill moves txid to DEAD with the given overriding transaction (nil for a
// reorganized-out coinbase), cascading to dependent spenders.
func (w *Wallet) Kill(txid chainhash.Hash, overridingTx *chainhash.Hash) error {
	w.mu.Lock()
	err := w.killLocked(txid, overridingTx)
	if err == nil {
		err = w.checkConsistencyLocked()
	}
	w.mu.Unlock()
	if err == nil {
		w.dispatchQueued()
	}
	return err
}

// touchUpdateTime records the caller-supplied clock value against txid.
// Production callers pass time.Now(); deterministic tests inject their own.
func (w *Wallet) touchUpdateTime(txid chainhash.Hash, now time.Time) {
	w.updateTime[txid] = now
}

// UpdatedAt returns the last commit/receive time recorded for txid.
func (w *Wallet) UpdatedAt(txid chainhash.Hash) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.updateTime[txid]
	return t, ok
}

// Reset clears all pool/update-time state: the only path that destroys
// tracked transactions wholesale.
func (w *Wallet) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.store.Reset()
	w.updateTime = make(map[chainhash.Hash]time.Time)
	w.selfOriginated = make(map[chainhash.Hash]bool)
	w.lastSeen = BlockInfo{}
	w.lastSeenValid = false
}

// CheckConsistency re-runs the pool store's invariant checks, wrapping any
// violation as the fatal ConsistencyError class.
func (w *Wallet) CheckConsistency() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkConsistencyLocked()
}

func (w *Wallet) checkConsistencyLocked() error {
	if err := w.store.CheckConsistency(); err != nil {
		return &ConsistencyError{Reason: "pool store", Cause: err}
	}
	return nil
}

func (w *Wallet) scheduleSaveLocked() {
	if w.saver != nil {
		w.saver.ScheduleSave()
	}
}
