package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/spvwallet/internal/coinselect"
	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// CandidateSource supplies the spendable pool a Builder selects from
// (internal/walletcore.Wallet.Candidates).
type CandidateSource interface {
	Candidates() []coinselect.Candidate
}

// OutputSource resolves a txid to its transaction, so the signer chain can
// look up the script/value an input spends (*internal/pool.Store
// satisfies this).
type OutputSource interface {
	Get(txid chainhash.Hash) (txgraph.Tx, bool)
}

// Committer is the state-machine capability Builder hands a fully-signed
// transaction to (internal/walletcore.Wallet.CommitSelfOriginated).
type Committer interface {
	CommitSelfOriginated(tx txgraph.Tx) error
}

// SpendRequest parameterizes Build: the plan request plus the RBF-ready
// default sequence and an empty-wallet switch.
type SpendRequest struct {
	Outputs           []txgraph.Output
	FeePerKb          int64
	RecipientsPayFees bool
	MinRelayFeeRate   int64
	Selector          coinselect.Selector

	// EmptyWallet routes through coinselect.BuildEmptyWalletPlan instead of
	// BuildPlan: Outputs must contain exactly one entry naming the
	// destination script, whose value is ignored and replaced by
	// everything eligible minus fees.
	EmptyWallet bool

	// Version/LockTime default to 2/0 if zero.
	Version  int32
	LockTime uint32
}

// Result is what Build returns: the signed, committed transaction and the
// plan that produced it.
type Result struct {
	Tx   txgraph.Tx
	Plan coinselect.Plan
}

// Builder ties coin selection, output/change resolution, signing and
// commit together: plan, build, sign, verify, commit, then the caller
// broadcasts.
type Builder struct {
	Candidates CandidateSource
	Outputs    OutputSource
	Keys       keychain.Keychain
	Chain      Chain
	Committer  Committer
}

// NewBuilder wires a Builder with a default single-signer chain (the local
// key-bag signer, USE_OP_ZERO missing-key policy).
func NewBuilder(candidates CandidateSource, outputs OutputSource, keys keychain.Keychain, committer Committer) *Builder {
	local := NewLocalSigner(UseOpZero, func(op txgraph.OutPoint) (txgraph.Output, bool) {
		tx, ok := outputs.Get(op.Hash)
		if !ok || int(op.Index) >= len(tx.Outputs) {
			return txgraph.Output{}, false
		}
		return tx.Outputs[op.Index], true
	})
	return &Builder{
		Candidates: candidates,
		Outputs:    outputs,
		Keys:       keys,
		Chain:      NewChain(local),
		Committer:  committer,
	}
}

// Build runs the canonical fee-iteration plan, assembles the unsigned
// transaction, drives the signer chain over it, verifies every resulting
// script, and commits the signed transaction as self-originated.
func (b *Builder) Build(req SpendRequest) (Result, error) {
	if req.Version == 0 {
		req.Version = 2
	}
	if req.MinRelayFeeRate == 0 {
		req.MinRelayFeeRate = 1000
	}

	_, changeScript, err := b.Keys.CurrentAddress(true)
	if err != nil {
		return Result{}, fmt.Errorf("txbuilder: resolve change address: %w", err)
	}

	candidates := b.Candidates.Candidates()
	inputSpecFor := func(c coinselect.Candidate) coinselect.InputSpec {
		spec := coinselect.InputSpec{ScriptType: c.ScriptType}
		if c.ScriptType == txgraph.ScriptP2SH {
			if tx, ok := b.Outputs.Get(c.OutPoint.Hash); ok && int(c.OutPoint.Index) < len(tx.Outputs) {
				if redeem, ok := b.Keys.FindRedeemData(scriptHashFromP2SHScript(tx.Outputs[c.OutPoint.Index].ScriptPubKey)); ok {
					spec.RedeemScript = redeem.RedeemScript
				}
			}
		}
		return spec
	}

	var plan coinselect.Plan
	if req.EmptyWallet {
		if len(req.Outputs) != 1 {
			return Result{}, fmt.Errorf("txbuilder: empty-wallet mode requires exactly one output")
		}
		plan, err = coinselect.BuildEmptyWalletPlan(candidates, req.Outputs[0].ScriptPubKey, req.FeePerKb, req.MinRelayFeeRate, inputSpecFor)
	} else {
		plan, err = coinselect.BuildPlan(coinselect.PlanRequest{
			Outputs:           req.Outputs,
			FeePerKb:          req.FeePerKb,
			RecipientsPayFees: req.RecipientsPayFees,
			ChangeScript:      changeScript,
			Candidates:        candidates,
			Selector:          req.Selector,
			InputSpecFor:      inputSpecFor,
			MinRelayFeeRate:   req.MinRelayFeeRate,
			Version:           req.Version,
			LockTime:          req.LockTime,
		})
	}
	if err != nil {
		return Result{}, err
	}

	inputs := make([]txgraph.Input, len(plan.Selection.Inputs))
	meta := make([]InputMeta, len(plan.Selection.Inputs))
	for i, c := range plan.Selection.Inputs {
		inputs[i] = txgraph.NewInput(c.OutPoint, wireMaxSequenceRBF)
		if tx, ok := b.Outputs.Get(c.OutPoint.Hash); ok && int(c.OutPoint.Index) < len(tx.Outputs) {
			out := tx.Outputs[c.OutPoint.Index]
			meta[i] = InputMeta{PrevScript: out.ScriptPubKey, PrevValue: out.Value}
		}
	}

	tx := txgraph.New(req.Version, inputs, plan.Outputs, req.LockTime)
	proposal := NewProposal(tx, meta)

	fullySigned, err := b.Chain.Run(proposal, b.Keys)
	if err != nil {
		return Result{}, err
	}
	if !fullySigned {
		return Result{}, fmt.Errorf("txbuilder: transaction not fully signed after signer chain")
	}

	if err := verifyAllInputs(proposal); err != nil {
		return Result{}, err
	}

	if err := b.Committer.CommitSelfOriginated(proposal.Tx); err != nil {
		return Result{}, fmt.Errorf("txbuilder: commit signed transaction: %w", err)
	}

	return Result{Tx: proposal.Tx, Plan: plan}, nil
}

// wireMaxSequenceRBF opts every built input into replace-by-fee.
const wireMaxSequenceRBF = 0xfffffffd

// verifyAllInputs runs the script engine over every input with the full
// P2SH+witness verification flag set, the final check before a transaction
// is considered broadcast-ready.
func verifyAllInputs(p *Proposal) error {
	msg := txgraph.ToWireMsgTx(p.Tx, true)
	fetcher := proposalPrevOutFetcher{p: p}
	sigHashes := txscript.NewTxSigHashes(msg, fetcher)
	flags := txscript.ScriptBip16 | txscript.ScriptVerifyWitness | txscript.ScriptStrictMultiSig |
		txscript.ScriptVerifyDERSignatures | txscript.ScriptVerifyStrictEncoding
	for i, meta := range p.Inputs {
		engine, err := txscript.NewEngine(meta.PrevScript, msg, i, flags, nil, sigHashes, meta.PrevValue, fetcher)
		if err != nil {
			return fmt.Errorf("txbuilder: build verify engine for input %d: %w", i, err)
		}
		if err := engine.Execute(); err != nil {
			return fmt.Errorf("txbuilder: input %d fails script verification: %w", i, err)
		}
	}
	return nil
}
