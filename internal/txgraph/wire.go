package txgraph

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ToWireMsgTx converts a Tx to a btcd wire.MsgTx, the representation the
// txscript/signing stack operates on. witness controls whether witness data
// is attached (txid computation always serializes without witnesses).
func ToWireMsgTx(t Tx, witness bool) *wire.MsgTx {
	msg := wire.NewMsgTx(t.Version)
	msg.LockTime = t.LockTime
	for _, in := range t.Inputs {
		txIn := wire.NewTxIn(&wire.OutPoint{
			Hash:  in.PreviousOutPoint.Hash,
			Index: in.PreviousOutPoint.Index,
		}, in.ScriptSig, nil)
		txIn.Sequence = in.Sequence
		if witness && len(in.Witness) > 0 {
			txIn.Witness = make(wire.TxWitness, len(in.Witness))
			for i, item := range in.Witness {
				txIn.Witness[i] = item
			}
		}
		msg.AddTxIn(txIn)
	}
	for _, out := range t.Outputs {
		msg.AddTxOut(wire.NewTxOut(out.Value, out.ScriptPubKey))
	}
	return msg
}

// FromWireMsgTx converts a btcd wire.MsgTx into a Tx.
func FromWireMsgTx(msg *wire.MsgTx) Tx {
	inputs := make([]Input, len(msg.TxIn))
	for i, txIn := range msg.TxIn {
		in := Input{
			PreviousOutPoint: NewOutPoint(txIn.PreviousOutPoint.Hash, txIn.PreviousOutPoint.Index),
			Sequence:         txIn.Sequence,
			ScriptSig:        append([]byte(nil), txIn.SignatureScript...),
		}
		if len(txIn.Witness) > 0 {
			w := make(Witness, len(txIn.Witness))
			for j, item := range txIn.Witness {
				w[j] = append([]byte(nil), item...)
			}
			in.Witness = w
		}
		inputs[i] = in
	}
	outputs := make([]Output, len(msg.TxOut))
	for i, txOut := range msg.TxOut {
		outputs[i] = Output{Value: txOut.Value, ScriptPubKey: append([]byte(nil), txOut.PkScript...)}
	}
	return New(msg.Version, inputs, outputs, msg.LockTime)
}

// Serialize encodes the transaction in wire format: legacy serialization
// if no witness data is present, BIP-141 segwit serialization (with the
// 0x00 0x01 marker/flag) otherwise.
func Serialize(t Tx) ([]byte, error) {
	msg := ToWireMsgTx(t, true)
	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("txgraph: serialize: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a wire-format transaction (legacy or segwit).
func Deserialize(raw []byte) (Tx, error) {
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return Tx{}, fmt.Errorf("txgraph: deserialize: %w", err)
	}
	return FromWireMsgTx(&msg), nil
}

// TxIDFromHex parses a big-endian-displayed txid string (as used in RPC/API
// responses) into a chainhash.Hash.
func TxIDFromHex(s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}
