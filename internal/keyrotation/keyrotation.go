// Package keyrotation implements the key-rotation maintainer: periodically
// sweeping owned outputs whose controlling key predates a configured cutoff
// into a fresh, non-rotating address, in batches bounded by input count so
// a single sweep transaction never grows unbounded.
//
// It is built entirely on internal/txbuilder's existing plan/build/sign/
// verify/commit pipeline - a sweep is just a same-wallet empty-wallet send
// whose candidate pool has been narrowed to rotating-key outputs.
package keyrotation

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/spvwallet/internal/broadcast"
	"github.com/klingon-exchange/spvwallet/internal/coinselect"
	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/txbuilder"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
	"github.com/klingon-exchange/spvwallet/internal/walletcore"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// defaultBatchLimit is the maximum number of inputs a single sweep
// transaction will draw.
const defaultBatchLimit = 600

// ErrNothingToRotate is returned by SweepOnce when no owned output is
// currently controlled by a rotating key.
var ErrNothingToRotate = fmt.Errorf("keyrotation: no rotating-key outputs to sweep")

// Config tunes the maintainer.
type Config struct {
	// RotationAge is how old a key must be before its outputs are swept.
	// The Maintainer does not read it: NeedsRotation and SweepOnce take an
	// absolute cutoff, and Run a cutoff function, from the caller.
	RotationAge time.Duration

	// BatchLimit bounds the number of inputs a single sweep draws. Zero
	// uses defaultBatchLimit.
	BatchLimit int

	// FeePerKb is the fee rate the sweep transaction pays.
	FeePerKb int64
}

func (c Config) batchLimit() int {
	if c.BatchLimit <= 0 {
		return defaultBatchLimit
	}
	return c.BatchLimit
}

// ChainSynthesizer mints a fresh, non-rotating deterministic chain when
// every existing chain's newest key still predates the rotation cutoff.
// Encrypted wallets that cannot do this without the user's password return
// internal/walletcore.ErrDeterministicUpgradeRequiresPW instead of
// implementing it.
type ChainSynthesizer interface {
	SynthesizeChain() (keychain.Keychain, error)
}

// Maintainer drives the periodic sweep for one wallet.
type Maintainer struct {
	core      *walletcore.Wallet
	committer txbuilder.Committer
	synth     ChainSynthesizer
	unlocked  func() bool
	caster    broadcast.Broadcaster
	cfg       Config
	logger    *logging.Logger
}

// Option configures a Maintainer at construction.
type Option func(*Maintainer)

// WithSynthesizer installs the capability used when every deterministic
// chain is rotating.
func WithSynthesizer(s ChainSynthesizer) Option {
	return func(m *Maintainer) { m.synth = s }
}

// WithUnlockedCheck installs the predicate SweepOnce consults before
// signing; it should report whether the wallet currently has access to its
// private key material (false for a locked, encrypted wallet with no
// password supplied). Defaults to always-true.
func WithUnlockedCheck(fn func() bool) Option {
	return func(m *Maintainer) { m.unlocked = fn }
}

// WithBroadcaster installs the network layer the built sweep transaction is
// handed to after commit. Nil (the default) skips broadcasting - the caller
// can still read the committed transaction id from Store().
func WithBroadcaster(b broadcast.Broadcaster) Option {
	return func(m *Maintainer) { m.caster = b }
}

// WithLogger installs a component logger. Defaults to a no-op-ish default.
func WithLogger(l *logging.Logger) Option {
	return func(m *Maintainer) { m.logger = l }
}

// New builds a Maintainer over core, whose CommitSelfOriginated is used to
// commit each sweep transaction.
func New(core *walletcore.Wallet, cfg Config, opts ...Option) *Maintainer {
	m := &Maintainer{
		core:      core,
		committer: core,
		unlocked:  func() bool { return true },
		cfg:       cfg,
		logger:    logging.New(logging.DefaultConfig()).Component("keyrotation"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NeedsRotation reports whether any owned output is currently controlled by
// a key older than cutoff.
func (m *Maintainer) NeedsRotation(cutoff time.Time) bool {
	rotating := rotatingHashes(m.core.Keychain().RotatingKeys(cutoff))
	if len(rotating) == 0 {
		return false
	}
	for _, c := range m.core.Candidates() {
		if hash, ok := controllingHash(m.core.Store(), c.OutPoint); ok && rotating[hash] {
			return true
		}
	}
	return false
}

// SweepOnce runs a single batch-bounded sweep: it selects up to
// cfg.BatchLimit owned outputs controlled by a key older than cutoff, builds
// a transaction moving their sum (minus the sweep's own fee) to a fresh,
// non-rotating address, signs, verifies, commits and - if a broadcaster is
// installed - broadcasts it.
//
// Returns ErrNothingToRotate if no such output exists. Returns
// walletcore.ErrKeyRotationRequiresPassword if the wallet is locked, or
// walletcore.ErrDeterministicUpgradeRequiresPW if every deterministic chain
// is rotating and no ChainSynthesizer was installed; if the synthesizer
// fails, its error is returned wrapped.
func (m *Maintainer) SweepOnce(cutoff time.Time) (txbuilder.Result, error) {
	if !m.unlocked() {
		return txbuilder.Result{}, walletcore.ErrKeyRotationRequiresPassword
	}

	keys := m.core.Keychain()
	destKeys := keys
	if keys.AllChainsRotating(cutoff) {
		if m.synth == nil {
			return txbuilder.Result{}, walletcore.ErrDeterministicUpgradeRequiresPW
		}
		fresh, err := m.synth.SynthesizeChain()
		if err != nil {
			return txbuilder.Result{}, fmt.Errorf("keyrotation: synthesize new chain: %w", err)
		}
		destKeys = fresh
	}

	rotating := rotatingHashes(keys.RotatingKeys(cutoff))
	if len(rotating) == 0 {
		return txbuilder.Result{}, ErrNothingToRotate
	}

	src := &rotatingCandidateSource{
		core:     m.core,
		rotating: rotating,
		limit:    m.cfg.batchLimit(),
	}
	if len(src.Candidates()) == 0 {
		return txbuilder.Result{}, ErrNothingToRotate
	}

	_, destScript, err := destKeys.FreshAddress(false)
	if err != nil {
		return txbuilder.Result{}, fmt.Errorf("keyrotation: fresh destination address: %w", err)
	}

	builder := txbuilder.NewBuilder(src, m.core.Store(), keys, m.committer)
	result, err := builder.Build(txbuilder.SpendRequest{
		Outputs:     []txgraph.Output{{ScriptPubKey: destScript}},
		FeePerKb:    m.cfg.FeePerKb,
		EmptyWallet: true,
	})
	if err != nil {
		return txbuilder.Result{}, err
	}

	m.logger.Infof("swept %d rotating-key input(s) into a fresh address, txid %s", len(result.Plan.Selection.Inputs), result.Tx.TxID())

	if m.caster != nil {
		if _, err := m.caster.Broadcast(result.Tx); err != nil {
			return result, fmt.Errorf("keyrotation: broadcast swept transaction: %w", err)
		}
	}
	return result, nil
}

// Run sweeps repeatedly (one batch per iteration, since a wallet may hold
// more rotating outputs than a single batch covers) until the stop channel
// fires. It is meant to be run from a single long-lived goroutine.
func (m *Maintainer) Run(stop <-chan struct{}, interval time.Duration, cutoff func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for {
				if _, err := m.SweepOnce(cutoff()); err != nil {
					if err != ErrNothingToRotate {
						m.logger.Errorf("sweep failed: %v", err)
					}
					break
				}
			}
		}
	}
}

// rotatingCandidateSource narrows the wallet's full candidate set to
// owned, rotating-key outputs, bounded to limit entries.
type rotatingCandidateSource struct {
	core     *walletcore.Wallet
	rotating map[string]bool
	limit    int
}

func (s *rotatingCandidateSource) Candidates() []coinselect.Candidate {
	all := s.core.Candidates()
	out := make([]coinselect.Candidate, 0, len(all))
	for _, c := range all {
		if len(out) >= s.limit {
			break
		}
		hash, ok := controllingHash(s.core.Store(), c.OutPoint)
		if !ok || !s.rotating[hash] {
			continue
		}
		out = append(out, c)
	}
	return out
}

type outputSource interface {
	Get(txid chainhash.Hash) (txgraph.Tx, bool)
}

// controllingHash resolves the pubkey-hash or script-hash that gates
// spending op's output, in the same hex form rotatingHashes uses.
func controllingHash(outputs outputSource, op txgraph.OutPoint) (string, bool) {
	tx, ok := outputs.Get(op.Hash)
	if !ok || int(op.Index) >= len(tx.Outputs) {
		return "", false
	}
	script := tx.Outputs[op.Index].ScriptPubKey
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(script, &chaincfg.MainNetParams)
	if err != nil || len(addrs) != 1 {
		return "", false
	}
	switch class {
	case txscript.PubKeyHashTy, txscript.WitnessV0PubKeyHashTy, txscript.PubKeyTy:
		return fmt.Sprintf("hash:%x", addrs[0].ScriptAddress()), true
	case txscript.ScriptHashTy:
		return fmt.Sprintf("script:%x", addrs[0].ScriptAddress()), true
	default:
		return "", false
	}
}

// rotatingHashes builds the set of controlling hashes a rotating key gates:
// its own pubkey hash (covers P2PKH/P2WPKH/bare pubkey outputs) plus the
// script hash of the nested P2SH-P2WPKH redeem script it would have
// produced (covers wrapped-segwit outputs), independent of any concrete
// Keychain implementation's internal bookkeeping.
func rotatingHashes(keys []keychain.Key) map[string]bool {
	set := make(map[string]bool, len(keys)*2)
	for _, k := range keys {
		if k.PublicKey == nil {
			continue
		}
		pubKeyHash := btcutil.Hash160(k.PublicKey.SerializeCompressed())
		set[fmt.Sprintf("hash:%x", pubKeyHash)] = true

		witnessScript, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(pubKeyHash).
			Script()
		if err != nil {
			continue
		}
		scriptHash := btcutil.Hash160(witnessScript)
		set[fmt.Sprintf("script:%x", scriptHash)] = true
	}
	return set
}
