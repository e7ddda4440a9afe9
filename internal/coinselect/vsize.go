package coinselect

import (
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// Per-input byte estimates for a *signed* input of each script type.
// P2WPKH/P2SH-P2WPKH witness bytes are counted separately from the
// non-witness base so EstimateVirtualSize can apply the segwit discount
// correctly.
const (
	outpointAndSequenceBytes = 32 + 4 + 4 // prev txid + prev index + sequence

	p2pkhScriptSigBytes  = 1 + 1 + 72 + 1 + 33 // push-len + sig(~72) + push-len + pubkey
	p2shP2wpkhSigBytes    = 1 + 22             // push-len + redeem script (OP_0 <20-byte-hash>)
	p2wpkhWitnessBytes    = 1 + 1 + 72 + 1 + 33 // witness item count + sig + pubkey
	p2trWitnessBytes      = 1 + 1 + 65          // witness item count + schnorr sig
	emptyScriptSigBytes   = 1                   // zero-length scriptSig push

	txOverheadBytes  = 4 + 4 + 1 + 1 // version + locktime + input count varint + output count varint
	segwitMarkerFlag = 2
)

// InputSpec is what EstimateVirtualSize needs per input: its script type
// (to size the scriptSig/witness) and, for P2SH, the redeem script (to
// size cooperating-signer scriptSigs precisely rather than guessing).
type InputSpec struct {
	ScriptType   txgraph.ScriptType
	RedeemScript []byte
}

// EstimateVirtualSize estimates the signed transaction's vsize: non-witness
// bytes *4 + witness bytes, divided by 4 and rounded up, given the input
// script types and the actual outputs (outputs are already fully known,
// inputs are not signed yet).
func EstimateVirtualSize(inputs []InputSpec, outputs []txgraph.Output) int {
	nonWitness := txOverheadBytes
	witness := 0
	hasWitness := false

	for _, in := range inputs {
		nonWitness += outpointAndSequenceBytes
		switch in.ScriptType {
		case txgraph.ScriptP2WPKH:
			nonWitness += emptyScriptSigBytes
			witness += p2wpkhWitnessBytes
			hasWitness = true
		case txgraph.ScriptP2TR:
			nonWitness += emptyScriptSigBytes
			witness += p2trWitnessBytes
			hasWitness = true
		case txgraph.ScriptP2SH:
			if isP2WPKHRedeem(in.RedeemScript) {
				nonWitness += p2shP2wpkhSigBytes
				witness += p2wpkhWitnessBytes
				hasWitness = true
			} else {
				nonWitness += 1 + len(in.RedeemScript) + p2pkhScriptSigBytes
			}
		case txgraph.ScriptP2PK:
			nonWitness += 1 + 72 // push-len + signature only
		default: // P2PKH and anything else falls back to the legacy estimate
			nonWitness += p2pkhScriptSigBytes
		}
	}

	for _, out := range outputs {
		nonWitness += 8 + 1 + len(out.ScriptPubKey)
	}

	if hasWitness {
		nonWitness += segwitMarkerFlag
	}

	weight := nonWitness*4 + witness
	vsize := weight / 4
	if weight%4 != 0 {
		vsize++
	}
	return vsize
}

func isP2WPKHRedeem(redeem []byte) bool {
	return len(redeem) == 22 && redeem[0] == 0x00 && redeem[1] == 0x14
}

// DustThreshold: an output is dust if its value is below
// 3*minRelayFeeRate*(serializedSize+148)/1000 for legacy outputs, or the
// same formula with the spending-input size divided by 4 for segwit script
// types (the discount applies to the *input* that would spend this output,
// which is what the 148-byte constant approximates).
func DustThreshold(scriptType txgraph.ScriptType, scriptLen int, minRelayFeeRate int64) int64 {
	spendSize := int64(8 + 1 + scriptLen + 148)
	switch scriptType {
	case txgraph.ScriptP2WPKH, txgraph.ScriptP2WSH, txgraph.ScriptP2TR:
		spendSize = 8 + 1 + int64(scriptLen) + 148/4
	}
	return 3 * minRelayFeeRate * spendSize / 1000
}
