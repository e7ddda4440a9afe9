package classifier

import (
	"time"

	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// StandardAnalyzer is the default RiskAnalyzer: it checks finality and
// standardness. Finality is a dozen lines against BIP-68/125 sequence
// semantics, not worth importing a full consensus-rules package for.
type StandardAnalyzer struct {
	// Now returns the wall-clock time to evaluate locktime against.
	// Defaults to time.Now if nil.
	Now func() time.Time

	// BestHeight is the current best chain height, used to evaluate a
	// height-based locktime/sequence. Callers update this as the chain
	// advances.
	BestHeight uint32

	// MinRelayFeeRate is satoshis/1000 vbytes, used for the dust check.
	MinRelayFeeRate int64
}

// NewStandardAnalyzer builds an analyzer with spec defaults.
func NewStandardAnalyzer() *StandardAnalyzer {
	return &StandardAnalyzer{MinRelayFeeRate: 1000}
}

const (
	lockTimeThreshold = 500_000_000 // locktimes >= this are a unix timestamp, else a height
	sequenceFinalMax  = 0xffffffff
	maxOpReturns      = 1
	maxStandardTxSize = 100_000 // bytes, matches Bitcoin Core's MAX_STANDARD_TX_WEIGHT/4 ballpark
)

// Analyze runs the finality and standardness checks.
func (a StandardAnalyzer) Analyze(tx txgraph.Tx, _ []txgraph.Tx) (Verdict, error) {
	if v := a.checkFinality(tx); v.Risky {
		return v, nil
	}
	if v := a.checkStandardness(tx); v.Risky {
		return v, nil
	}
	return OK, nil
}

// checkFinality reimplements the is-final predicate a full node's
// IsFinalTx/CheckFinalTx would apply: a transaction is final if its
// locktime is zero, every input's sequence number is 0xffffffff, or the
// locktime has already passed relative to BestHeight/now.
func (a StandardAnalyzer) checkFinality(tx txgraph.Tx) Verdict {
	if tx.LockTime == 0 {
		return OK
	}
	allFinal := true
	for _, in := range tx.Inputs {
		if in.Sequence != sequenceFinalMax {
			allFinal = false
			break
		}
	}
	if allFinal {
		return OK
	}
	if tx.LockTime < lockTimeThreshold {
		if uint64(a.BestHeight) >= uint64(tx.LockTime) {
			return OK
		}
	} else {
		now := a.Now
		if now == nil {
			now = time.Now
		}
		if uint64(now().Unix()) >= uint64(tx.LockTime) {
			return OK
		}
	}
	return Risky("transaction is not yet final")
}

// checkStandardness enforces: every output script is a known type, at
// most one OP_RETURN output, the serialized size is below the standard
// ceiling, and every output clears the dust threshold.
func (a StandardAnalyzer) checkStandardness(tx txgraph.Tx) Verdict {
	opReturns := 0
	for _, out := range tx.Outputs {
		scriptType := txgraph.ClassifyScript(out.ScriptPubKey)
		if scriptType == txgraph.ScriptNullData {
			opReturns++
			continue
		}
		if scriptType == txgraph.ScriptUnknown {
			return Risky("non-standard output script")
		}
		if a.MinRelayFeeRate > 0 && out.Value < dustThreshold(len(out.ScriptPubKey), scriptType, a.MinRelayFeeRate) {
			return Risky("output below dust threshold")
		}
	}
	if opReturns > maxOpReturns {
		return Risky("multiple OP_RETURN outputs")
	}

	size := estimateSize(tx)
	if size > maxStandardTxSize {
		return Risky("transaction exceeds max standard size")
	}
	return OK
}

// dustThreshold: value < 3*min_relay_fee*(serialized_size+148)/1000 for
// legacy outputs; for segwit outputs the 148-byte spending input is
// discounted to 148/4 (the same formula as coinselect.DustThreshold).
func dustThreshold(scriptLen int, scriptType txgraph.ScriptType, minRelayFeeRate int64) int64 {
	// 8 (value) + 1..9 (varint, approximated as 1) + scriptLen for the
	// output itself, plus 148 bytes for the typical spending input.
	size := int64(8 + 1 + scriptLen + 148)
	switch scriptType {
	case txgraph.ScriptP2WPKH, txgraph.ScriptP2WSH, txgraph.ScriptP2TR:
		size = int64(8 + 1 + scriptLen + 148/4)
	}
	return 3 * minRelayFeeRate * size / 1000
}

// estimateSize returns a conservative non-witness-discounted byte size
// estimate, sufficient for the "exceeds max standard size" check (the
// precise vsize computation for fee purposes lives in internal/coinselect).
func estimateSize(tx txgraph.Tx) int {
	size := 10 // version + locktime + input/output count varints (approx)
	for _, in := range tx.Inputs {
		size += 40 + 1 + len(in.ScriptSig) // outpoint + sequence + scriptSig
	}
	for _, out := range tx.Outputs {
		size += 8 + 1 + len(out.ScriptPubKey)
	}
	return size
}
