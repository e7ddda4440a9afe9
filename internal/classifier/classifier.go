// Package classifier decides whether an inbound transaction is relevant to
// the wallet's key set, runs risk analysis on relevant transactions, and
// hands accepted ones to the state machine (internal/walletcore) to
// commit. It never mutates pool or confidence state itself.
package classifier

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/pool"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// Verdict is a risk analyzer's judgement on a transaction.
type Verdict struct {
	Risky  bool
	Reason string
}

// OK is the non-risky verdict.
var OK = Verdict{}

// Risky builds a risky verdict with the given reason.
func Risky(reason string) Verdict { return Verdict{Risky: true, Reason: reason} }

// RiskAnalyzer judges whether a pending transaction is safe to track, given
// whatever of its dependencies have been seen.
type RiskAnalyzer interface {
	Analyze(tx txgraph.Tx, dependencies []txgraph.Tx) (Verdict, error)
}

// PoolView is the read-only slice of internal/pool.Store the classifier
// needs: pool membership and the outpoint index, without granting mutation
// access (mutation only ever happens through internal/walletcore).
type PoolView interface {
	IsTracked(txid chainhash.Hash) bool
	PoolOf(txid chainhash.Hash) (pool.Kind, bool)
	Get(txid chainhash.Hash) (txgraph.Tx, bool)
	ConflictingSpender(op txgraph.OutPoint) (chainhash.Hash, int, bool)
	RiskRing() *pool.RiskRing
}

// Committer is the state machine capability the classifier drives once a
// transaction clears relevance and risk checks (internal/walletcore.Wallet
// implements this via Commit).
type Committer interface {
	Commit(tx txgraph.Tx) error
}

// Classifier routes inbound pending transactions: relevance check, risk
// analysis, then commit or diversion to the risk ring.
type Classifier struct {
	pool      PoolView
	keys      keychain.Keychain
	analyzer  RiskAnalyzer
	committer Committer
	logger    *logging.Logger

	// acceptRisky, when set, bypasses the risk ring diversion entirely.
	acceptRisky bool
}

// New constructs a Classifier. analyzer defaults to StandardAnalyzer.
func New(poolView PoolView, keys keychain.Keychain, analyzer RiskAnalyzer, committer Committer, logger *logging.Logger) *Classifier {
	if analyzer == nil {
		analyzer = StandardAnalyzer{}
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Classifier{pool: poolView, keys: keys, analyzer: analyzer, committer: committer, logger: logger.Component("classifier")}
}

// SetAcceptRisky toggles whether risk-flagged transactions are committed
// anyway instead of diverted to the risk ring.
func (c *Classifier) SetAcceptRisky(accept bool) { c.acceptRisky = accept }

// IsPendingRelevant reports whether tx sends value to an owned key, spends
// an output already tracked, or double-spends a tracked transaction's
// outpoint set. Pure query - never mutates.
func (c *Classifier) IsPendingRelevant(tx txgraph.Tx) bool {
	for _, out := range tx.Outputs {
		if c.keys.IsRelevantScript(out.ScriptPubKey) {
			return true
		}
	}
	for _, in := range tx.Inputs {
		if c.pool.IsTracked(in.PreviousOutPoint.Hash) {
			return true
		}
		if _, _, ok := c.pool.ConflictingSpender(in.PreviousOutPoint); ok {
			return true
		}
	}
	return false
}

// ReceivePending takes a transaction announced by the network: idempotent
// on an already-tracked id, re-checks relevance (dependencies may have
// arrived concurrently), runs risk analysis, and on acceptance deep-clones
// the transaction (to break sharing with whatever buffer produced it)
// before committing it through the state machine.
func (c *Classifier) ReceivePending(tx txgraph.Tx, dependencies []txgraph.Tx) error {
	txid := tx.TxID()
	if c.pool.IsTracked(txid) {
		return nil // idempotent
	}
	if c.pool.RiskRing().Contains(txid.String()) {
		return nil // already evaluated and diverted; don't re-run analysis every re-announce
	}

	if !c.IsPendingRelevant(tx) {
		return nil
	}

	verdict, err := c.analyzer.Analyze(tx, dependencies)
	if err != nil {
		return err
	}
	if verdict.Risky && !c.acceptRisky {
		c.logger.Debug("diverting risky pending transaction", "txid", txid.String(), "reason", verdict.Reason)
		c.pool.RiskRing().Add(tx.Clone())
		return nil
	}

	cloned := tx.Clone()
	return c.committer.Commit(cloned)
}
