// Package txbuilder completes a partial spend: it runs coin selection and
// the fee-iteration loop (internal/coinselect), drives a pluggable chain of
// signers over the result, and hands the signed transaction to the state
// machine as a self-originated commit. It depends on internal/keychain's
// narrow KeyBag capability for signing material, never on internal/wallet's
// concrete key store, so the signer chain can be exercised against a stub
// key bag in tests.
package txbuilder

import (
	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// InputMeta carries the per-input context a signer needs beyond the raw
// Input: the output it spends (for sighash computation and value), and the
// HD path the winning signer resolved its key from, so a cooperating
// downstream signer in a P2SH chain picks the same branch.
type InputMeta struct {
	PrevScript   []byte
	PrevValue    int64
	RedeemScript []byte
	HDPath       *keychain.DerivationPath
}

// Proposal is a transaction under construction by the signer chain: the
// current (possibly partially signed) transaction plus per-input metadata.
// Signers replace Tx via WithInput as they sign; the metadata slice is
// mutated in place since it never needs to survive a commit.
type Proposal struct {
	Tx     txgraph.Tx
	Inputs []InputMeta
}

// NewProposal pairs an unsigned transaction with its per-input metadata.
// len(meta) must equal len(tx.Inputs).
func NewProposal(tx txgraph.Tx, meta []InputMeta) *Proposal {
	return &Proposal{Tx: tx, Inputs: append([]InputMeta(nil), meta...)}
}

// SetInputSignature replaces input i's scriptSig/witness after a signer has
// produced them, recomputing the proposal's transaction (and its txid).
func (p *Proposal) SetInputSignature(i int, scriptSig []byte, witness txgraph.Witness) {
	in := p.Tx.Inputs[i].WithScriptSig(scriptSig).WithWitness(witness)
	p.Tx = p.Tx.WithInput(i, in)
}

// RecordHDPath stamps the HD path a signer resolved input i's key from, so
// a later signer in the chain (e.g. a cosigner for a P2SH redeem) can
// derive the same branch without re-resolving it from scratch.
func (p *Proposal) RecordHDPath(i int, path keychain.DerivationPath) {
	p.Inputs[i].HDPath = &path
}
