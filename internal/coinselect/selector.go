// Package coinselect implements the pluggable coin selector and the
// fee/change planning loop. It depends only on the value types below,
// never on internal/pool directly, so the default selector can be
// exercised against a synthetic candidate list in tests.
package coinselect

import (
	"sort"

	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// Source says whether a candidate output's parent transaction was created
// by this wallet or received from elsewhere. Only self-originated change
// may be spent before it confirms.
type Source int

const (
	SourceOther Source = iota
	SourceSelf
)

// Candidate is a single owned, available output eligible for selection.
type Candidate struct {
	OutPoint        txgraph.OutPoint
	Value           int64
	ScriptType      txgraph.ScriptType
	Depth           uint32 // BUILDING depth; 0 if still PENDING
	Confirmed       bool   // true if the parent is in UNSPENT/SPENT
	Source          Source
	PropagatedPeers int  // number of peers that have relayed the parent, if PENDING
	Coinbase        bool // whether the parent transaction is a coinbase
}

// CandidateSource supplies the pool of spendable outputs to select from -
// internal/walletcore.Wallet implements this.
type CandidateSource interface {
	Candidates() []Candidate
}

// Selection is the selector's output: the chosen inputs and their sum.
type Selection struct {
	Inputs []Candidate
	Total  int64
}

// Selector is the pluggable coin selection capability.
type Selector interface {
	Select(candidates []Candidate, target int64) (Selection, error)
}

// CoinbaseMaturity is the depth a coinbase output must reach before the
// default selector will spend it.
const CoinbaseMaturity = 100

// DefaultSelector is the default policy: eligible outputs are owned,
// available, and either confirmed at depth>=1 (depth>=100 if coinbase) or
// self-originated-pending with at least one propagating peer.
// Eligible candidates are sorted larger-value-first, ties broken by lower
// depth (prefer newer, to leave older coins around for
// internal/keyrotation), and selected greedily until the target is met.
type DefaultSelector struct{}

// Select implements Selector.
func (DefaultSelector) Select(candidates []Candidate, target int64) (Selection, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if isEligible(c) {
			eligible = append(eligible, c)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Value != eligible[j].Value {
			return eligible[i].Value > eligible[j].Value
		}
		return eligible[i].Depth < eligible[j].Depth
	})

	var sel Selection
	for _, c := range eligible {
		if sel.Total >= target {
			break
		}
		sel.Inputs = append(sel.Inputs, c)
		sel.Total += c.Value
	}
	return sel, nil
}

func isEligible(c Candidate) bool {
	if c.Confirmed {
		required := uint32(1)
		if c.Coinbase {
			required = CoinbaseMaturity
		}
		return c.Depth >= required
	}
	return c.Source == SourceSelf && c.PropagatedPeers >= 1
}

// AllCandidates is a trivial Selector for "empty wallet" sends: it selects
// every eligible candidate regardless of target.
type AllCandidates struct{}

// Select implements Selector, ignoring target.
func (AllCandidates) Select(candidates []Candidate, _ int64) (Selection, error) {
	var sel Selection
	for _, c := range candidates {
		if isEligible(c) {
			sel.Inputs = append(sel.Inputs, c)
			sel.Total += c.Value
		}
	}
	return sel, nil
}
