package txbuilder

import (
	"github.com/klingon-exchange/spvwallet/internal/keychain"
)

// Chain drives an ordered list of signers over a proposal. Each ready
// signer runs in turn; the chain stops early once a signer reports the
// proposal fully signed.
type Chain struct {
	Signers []Signer
}

// NewChain builds a signer chain. The zero value (no signers) is valid and
// always reports "not fully signed".
func NewChain(signers ...Signer) Chain {
	return Chain{Signers: signers}
}

// Run passes the proposal through every ready signer in order, stopping as
// soon as one reports the transaction fully signed.
func (c Chain) Run(p *Proposal, keys keychain.KeyBag) (bool, error) {
	fullySigned := false
	for _, signer := range c.Signers {
		if !signer.IsReady() {
			continue
		}
		done, err := signer.SignInputs(p, keys)
		if err != nil {
			return false, err
		}
		if done {
			fullySigned = true
			break
		}
	}
	return fullySigned, nil
}
