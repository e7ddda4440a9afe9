package txgraph

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// MaxMoney caps a single value at 21e14 satoshis (21,000,000 BTC).
const MaxMoney = int64(21_000_000) * 100_000_000

// Witness is a lazy sequence of byte pushes carried by a segwit input.
type Witness [][]byte

// Clone returns a deep copy of the witness.
func (w Witness) Clone() Witness {
	if w == nil {
		return nil
	}
	out := make(Witness, len(w))
	for i, item := range w {
		cp := make([]byte, len(item))
		copy(cp, item)
		out[i] = cp
	}
	return out
}

// Input references an outpoint, carries a sequence number (BIP-68/125
// semantics), a scriptSig, and an optional witness. "Connected output value"
// is cached for fee math. Equality ignores the value cache and any parent
// link - only PreviousOutPoint, Sequence, ScriptSig and Witness matter.
type Input struct {
	PreviousOutPoint OutPoint
	Sequence         uint32
	ScriptSig        []byte
	Witness          Witness

	// connectedValue caches the value of the output this input spends, for
	// fee computation. It plays no part in equality.
	connectedValue int64
	valueKnown     bool
}

// NewInput builds an unsigned input spending the given outpoint.
func NewInput(op OutPoint, sequence uint32) Input {
	return Input{PreviousOutPoint: op, Sequence: sequence}
}

// ConnectedValue returns the cached value of the output this input spends,
// if known.
func (i Input) ConnectedValue() (int64, bool) {
	return i.connectedValue, i.valueKnown
}

// WithConnectedValue returns a copy of the input with the connected output
// value cached.
func (i Input) WithConnectedValue(value int64) Input {
	i.connectedValue = value
	i.valueKnown = true
	return i
}

// WithScriptSig returns a copy of the input with a new scriptSig.
func (i Input) WithScriptSig(script []byte) Input {
	i.ScriptSig = script
	return i
}

// WithWitness returns a copy of the input with a new witness.
func (i Input) WithWitness(w Witness) Input {
	i.Witness = w
	return i
}

// Equal compares two inputs at the protocol level (ignores the value cache).
func (i Input) Equal(o Input) bool {
	return i.PreviousOutPoint == o.PreviousOutPoint &&
		i.Sequence == o.Sequence &&
		bytes.Equal(i.ScriptSig, o.ScriptSig) &&
		witnessEqual(i.Witness, o.Witness)
}

func witnessEqual(a, b Witness) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Output carries a value in satoshis and a scriptPubKey. The "spent by"
// back-reference and "available" flag are bookkeeping maintained by the
// pool store (see internal/pool), not stored on the value itself - an
// Output here is the wire-level value.
type Output struct {
	Value        int64
	ScriptPubKey []byte
}

// NewOutput validates and builds an output.
func NewOutput(value int64, script []byte) (Output, error) {
	if value < 0 {
		return Output{}, fmt.Errorf("txgraph: negative output value %d", value)
	}
	if value > MaxMoney {
		return Output{}, fmt.Errorf("txgraph: output value %d exceeds max money", value)
	}
	return Output{Value: value, ScriptPubKey: script}, nil
}

// Tx is an immutable transaction: identified by its txid, with an ordered
// list of inputs, an ordered list of outputs, a version and a locktime.
// Mutation happens by constructing a new Tx via With* before commit; once
// committed (tracked by the pool store) a Tx is never mutated in place.
type Tx struct {
	Version  int32
	Inputs   []Input
	Outputs  []Output
	LockTime uint32

	txid    chainhash.Hash
	hasTxid bool
}

// New builds a Tx from its parts and computes its txid.
func New(version int32, inputs []Input, outputs []Output, lockTime uint32) Tx {
	tx := Tx{
		Version:  version,
		Inputs:   append([]Input(nil), inputs...),
		Outputs:  append([]Output(nil), outputs...),
		LockTime: lockTime,
	}
	tx.txid = computeTxid(tx)
	tx.hasTxid = true
	return tx
}

// TxID returns the transaction's double-SHA256 id, computed over the
// non-witness serialization.
func (t Tx) TxID() chainhash.Hash {
	if !t.hasTxid {
		return computeTxid(t)
	}
	return t.txid
}

// IsCoinbase reports whether the transaction is a coinbase: exactly one
// input citing a null outpoint.
func (t Tx) IsCoinbase() bool {
	if len(t.Inputs) != 1 {
		return false
	}
	in := t.Inputs[0]
	return in.PreviousOutPoint.Hash == (chainhash.Hash{}) && in.PreviousOutPoint.Index == ^uint32(0)
}

// HasWitness reports whether any input carries a witness.
func (t Tx) HasWitness() bool {
	for _, in := range t.Inputs {
		if len(in.Witness) > 0 {
			return true
		}
	}
	return false
}

// WithInputs returns a copy of the transaction with replaced inputs,
// recomputing the txid (this is the "replace before commit" mutation model
// - once a Tx is tracked by the pool store it must not be rebuilt this way).
func (t Tx) WithInputs(inputs []Input) Tx {
	return New(t.Version, inputs, t.Outputs, t.LockTime)
}

// WithOutputs returns a copy of the transaction with replaced outputs.
func (t Tx) WithOutputs(outputs []Output) Tx {
	return New(t.Version, t.Inputs, outputs, t.LockTime)
}

// WithInput returns a copy of the transaction with input i replaced.
func (t Tx) WithInput(i int, in Input) Tx {
	inputs := append([]Input(nil), t.Inputs...)
	inputs[i] = in
	return t.WithInputs(inputs)
}

// Clone deep-copies the transaction, breaking any slice sharing with the
// original. The classifier uses this to isolate a transaction from
// whatever wallet or network buffer constructed it.
func (t Tx) Clone() Tx {
	inputs := make([]Input, len(t.Inputs))
	for i, in := range t.Inputs {
		cp := in
		cp.ScriptSig = append([]byte(nil), in.ScriptSig...)
		cp.Witness = in.Witness.Clone()
		inputs[i] = cp
	}
	outputs := make([]Output, len(t.Outputs))
	for i, out := range t.Outputs {
		outputs[i] = Output{Value: out.Value, ScriptPubKey: append([]byte(nil), out.ScriptPubKey...)}
	}
	return New(t.Version, inputs, outputs, t.LockTime)
}

// ScriptType classifies an output or input's redeemed script, used by the
// dust threshold and virtual-size estimators.
type ScriptType int

const (
	ScriptUnknown ScriptType = iota
	ScriptP2PKH
	ScriptP2PK
	ScriptP2SH
	ScriptP2WPKH
	ScriptP2WSH
	ScriptP2TR
	ScriptNullData
)

// ClassifyScript inspects a scriptPubKey and returns its ScriptType.
func ClassifyScript(script []byte) ScriptType {
	class := txscript.GetScriptClass(script)
	switch class {
	case txscript.PubKeyHashTy:
		return ScriptP2PKH
	case txscript.PubKeyTy:
		return ScriptP2PK
	case txscript.ScriptHashTy:
		return ScriptP2SH
	case txscript.WitnessV0PubKeyHashTy:
		return ScriptP2WPKH
	case txscript.WitnessV0ScriptHashTy:
		return ScriptP2WSH
	case txscript.WitnessV1TaprootTy:
		return ScriptP2TR
	case txscript.NullDataTy:
		return ScriptNullData
	default:
		return ScriptUnknown
	}
}

func computeTxid(t Tx) chainhash.Hash {
	wireTx := ToWireMsgTx(t, false)
	var buf bytes.Buffer
	// Legacy (non-witness) serialization only - the txid excludes witness
	// data.
	if err := wireTx.SerializeNoWitness(&buf); err != nil {
		// Construction from well-formed fields cannot fail serialization;
		// a failure here indicates a caller supplied an oversized script.
		panic(fmt.Sprintf("txgraph: serialize for txid: %v", err))
	}
	return chainhash.DoubleHashH(buf.Bytes())
}
