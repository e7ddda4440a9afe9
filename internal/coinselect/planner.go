package coinselect

import (
	"fmt"

	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// maxFeeIterations bounds the fee-iteration loop. The required fee is
// monotone non-decreasing and bounded, so the loop reaches a fixed point
// well inside this.
const maxFeeIterations = 20

// InsufficientFundsError mirrors internal/walletcore's error of the same
// shape so internal/coinselect can be used and tested standalone; the
// caller (internal/txbuilder) translates it to walletcore's taxonomy type
// if it needs to cross that boundary, but the fields are identical.
type InsufficientFundsError struct {
	Missing, Have, Target, Fee int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("coinselect: insufficient funds: have %d, need %d (target %d + fee %d)", e.Have, e.Target+e.Fee, e.Target, e.Fee)
}

// DustyError reports a recipient output that can't be reduced without
// going below dust.
type DustyError struct {
	Value, Dust int64
}

func (e *DustyError) Error() string {
	return fmt.Sprintf("coinselect: output value %d is below dust threshold %d", e.Value, e.Dust)
}

// CouldNotAdjustDownwardsError reports that raising change (or shrinking
// the sole empty-wallet output) for fees would push a value below dust.
type CouldNotAdjustDownwardsError struct {
	Value, MinNonDust int64
}

func (e *CouldNotAdjustDownwardsError) Error() string {
	return fmt.Sprintf("coinselect: cannot adjust %d downwards below minimum non-dust %d", e.Value, e.MinNonDust)
}

// PlanRequest parameterizes BuildPlan.
type PlanRequest struct {
	// Outputs are the recipient's requested outputs, before any fee
	// deduction.
	Outputs []txgraph.Output

	// FeePerKb is satoshis per 1000 vbytes.
	FeePerKb int64

	// RecipientsPayFees subtracts fee/N from each output instead of
	// drawing the fee from change/additional inputs only.
	RecipientsPayFees bool

	// ChangeScript is current_change_address's scriptPubKey.
	ChangeScript []byte

	// Candidates is the full eligible candidate pool; Selector narrows it.
	Candidates []Candidate
	Selector   Selector

	// InputSpecFor resolves a selected candidate's InputSpec (script type
	// plus redeem script, for precise P2SH vsize estimation).
	InputSpecFor func(Candidate) InputSpec

	MinRelayFeeRate int64

	Version  int32
	LockTime uint32
}

// Plan is BuildPlan's result: the selected inputs, final outputs (including
// change if any), and the fee paid.
type Plan struct {
	Selection Selection
	Outputs   []txgraph.Output
	Fee       int64
	Change    int64
}

// BuildPlan runs the fee-iteration loop: select candidates covering
// target+fee, add change, raise or drop dust change, compute the required
// fee from the resulting transaction's estimated virtual size, and repeat
// until the fee is sufficient. Selector defaults to DefaultSelector if nil.
func BuildPlan(req PlanRequest) (Plan, error) {
	if req.Selector == nil {
		req.Selector = DefaultSelector{}
	}
	if req.MinRelayFeeRate == 0 {
		req.MinRelayFeeRate = 1000
	}

	fee := int64(0)
	for iter := 0; iter < maxFeeIterations; iter++ {
		outputs, target, err := buildRecipientOutputs(req.Outputs, fee, req.RecipientsPayFees, req.MinRelayFeeRate)
		if err != nil {
			return Plan{}, err
		}

		need := target + fee
		sel, err := req.Selector.Select(req.Candidates, need)
		if err != nil {
			return Plan{}, err
		}
		if sel.Total < need {
			return Plan{}, &InsufficientFundsError{Missing: need - sel.Total, Have: sel.Total, Target: target, Fee: fee}
		}

		change := sel.Total - need
		finalOutputs := outputs
		if change > 0 {
			changeDust := DustThreshold(txgraph.ClassifyScript(req.ChangeScript), len(req.ChangeScript), req.MinRelayFeeRate)
			if change < changeDust {
				if req.RecipientsPayFees && len(finalOutputs) > 0 {
					shortfall := changeDust - change
					adjusted := finalOutputs[0].Value - shortfall
					firstDust := DustThreshold(txgraph.ClassifyScript(finalOutputs[0].ScriptPubKey), len(finalOutputs[0].ScriptPubKey), req.MinRelayFeeRate)
					if adjusted < firstDust {
						return Plan{}, &CouldNotAdjustDownwardsError{Value: adjusted, MinNonDust: firstDust}
					}
					finalOutputs[0].Value = adjusted
					change = changeDust
				}
			}
			if change < changeDust {
				// still dust (no recipient to borrow from, or borrowing
				// wasn't enough) - drop it into the fee instead.
				fee += change
				change = 0
			} else {
				out, err := txgraph.NewOutput(change, req.ChangeScript)
				if err != nil {
					return Plan{}, err
				}
				finalOutputs = append(finalOutputs, out)
			}
		}

		required := requiredFee(sel.Inputs, finalOutputs, req.FeePerKb, req.InputSpecFor)
		if fee >= required {
			return Plan{Selection: sel, Outputs: finalOutputs, Fee: fee, Change: change}, nil
		}
		fee = required
	}
	return Plan{}, fmt.Errorf("coinselect: fee iteration did not converge within %d iterations", maxFeeIterations)
}

// buildRecipientOutputs copies req.Outputs, optionally subtracting fee/N
// from each (remainder on the first) when recipientsPayFees, and returns
// the resulting outputs plus their total value (the selection "target").
func buildRecipientOutputs(outputs []txgraph.Output, fee int64, recipientsPayFees bool, minRelayFeeRate int64) ([]txgraph.Output, int64, error) {
	out := append([]txgraph.Output(nil), outputs...)
	if recipientsPayFees && fee > 0 && len(out) > 0 {
		n := int64(len(out))
		share := fee / n
		remainder := fee % n
		for i := range out {
			deduction := share
			if i == 0 {
				deduction += remainder
			}
			out[i].Value -= deduction
			dust := DustThreshold(txgraph.ClassifyScript(out[i].ScriptPubKey), len(out[i].ScriptPubKey), minRelayFeeRate)
			if out[i].Value < dust {
				return nil, 0, &DustyError{Value: out[i].Value, Dust: dust}
			}
		}
	}
	var target int64
	for _, o := range out {
		target += o.Value
	}
	return out, target, nil
}

func requiredFee(inputs []Candidate, outputs []txgraph.Output, feePerKb int64, inputSpecFor func(Candidate) InputSpec) int64 {
	specs := make([]InputSpec, len(inputs))
	for i, c := range inputs {
		if inputSpecFor != nil {
			specs[i] = inputSpecFor(c)
		} else {
			specs[i] = InputSpec{ScriptType: c.ScriptType}
		}
	}
	vsize := EstimateVirtualSize(specs, outputs)
	kb := vsize / 1000
	if vsize%1000 != 0 {
		kb++
	}
	return feePerKb * int64(kb)
}

// BuildEmptyWalletPlan implements the empty-wallet send: a single output
// receiving every eligible candidate's value, shrunk downwards for fees in
// one shot rather than iterating selection (there is nothing left to
// select from once everything is spent).
func BuildEmptyWalletPlan(candidates []Candidate, destScript []byte, feePerKb int64, minRelayFeeRate int64, inputSpecFor func(Candidate) InputSpec) (Plan, error) {
	if minRelayFeeRate == 0 {
		minRelayFeeRate = 1000
	}
	sel, err := AllCandidates{}.Select(candidates, 0)
	if err != nil {
		return Plan{}, err
	}
	if len(sel.Inputs) == 0 {
		return Plan{}, &InsufficientFundsError{Missing: 0, Have: 0, Target: 0, Fee: 0}
	}

	outputs := []txgraph.Output{{Value: sel.Total, ScriptPubKey: destScript}}
	required := requiredFee(sel.Inputs, outputs, feePerKb, inputSpecFor)
	finalValue := sel.Total - required
	dust := DustThreshold(txgraph.ClassifyScript(destScript), len(destScript), minRelayFeeRate)
	if finalValue < dust {
		return Plan{}, &CouldNotAdjustDownwardsError{Value: finalValue, MinNonDust: dust}
	}
	outputs[0].Value = finalValue
	return Plan{Selection: sel, Outputs: outputs, Fee: required, Change: 0}, nil
}
