package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// MissingSigPolicy says what LocalSigner does for an input it cannot sign
// (no key found in the bag).
type MissingSigPolicy int

const (
	// UseOpZero splices in a bare OP_0 placeholder, the convention an
	// unsigned multisig leg expects downstream in the chain.
	UseOpZero MissingSigPolicy = iota
	// UseDummySig splices in a correctly-shaped but invalid signature, for
	// fee estimation against a proposal that will never be broadcast.
	UseDummySig
	// Throw fails SignInputs outright.
	Throw
)

// dummySigBytes is a DER-shaped but invalid 72-byte signature, sized like a
// real ECDSA signature so vsize estimates against it match a signed input.
var dummySigBytes = func() []byte {
	b := make([]byte, 72)
	b[0] = 0x30
	b[1] = 70
	return b
}()

// Signer is one link in the signing chain: able to report readiness and to
// sign whatever inputs it can.
type Signer interface {
	IsReady() bool
	SignInputs(p *Proposal, keys keychain.KeyBag) (fullySigned bool, err error)
}

// LocalSigner is the built-in signer: it resolves redeem data from the key
// bag and signs P2PKH/P2PK/P2SH (legacy SIGHASH_ALL) and P2WPKH and nested
// P2SH-P2WPKH (BIP143) inputs, skipping any input that already correctly spends under
// P2SH+NULLDUMMY verification (so a partially-cosigned P2SH input it can't
// fully complete is left for the next signer in the chain).
type LocalSigner struct {
	Policy MissingSigPolicy

	// fetchPrevOut resolves an outpoint's connected output; supplied by
	// Builder so LocalSigner never has to know about internal/pool.
	fetchPrevOut func(op txgraph.OutPoint) (txgraph.Output, bool)
}

// NewLocalSigner builds a LocalSigner that resolves previous outputs via
// fetchPrevOut.
func NewLocalSigner(policy MissingSigPolicy, fetchPrevOut func(op txgraph.OutPoint) (txgraph.Output, bool)) *LocalSigner {
	return &LocalSigner{Policy: policy, fetchPrevOut: fetchPrevOut}
}

// IsReady always reports true: the local signer needs no external service.
func (s *LocalSigner) IsReady() bool { return true }

// SignInputs implements Signer.
func (s *LocalSigner) SignInputs(p *Proposal, keys keychain.KeyBag) (bool, error) {
	fullySigned := true
	prevOutFetcher := proposalPrevOutFetcher{p: p}
	sigHashes := txscript.NewTxSigHashes(txgraph.ToWireMsgTx(p.Tx, false), prevOutFetcher)

	for i := range p.Tx.Inputs {
		meta := p.Inputs[i]
		if meta.PrevScript == nil {
			out, ok := s.fetchPrevOut(p.Tx.Inputs[i].PreviousOutPoint)
			if !ok {
				fullySigned = false
				continue
			}
			meta.PrevScript = out.ScriptPubKey
			meta.PrevValue = out.Value
			p.Inputs[i] = meta
		}

		if s.inputAlreadySpends(p.Tx, i, meta) {
			continue
		}

		scriptType := txgraph.ClassifyScript(meta.PrevScript)
		switch scriptType {
		case txgraph.ScriptP2WPKH:
			if err := s.signP2WPKH(p, i, meta, keys, sigHashes); err != nil {
				if !s.handleMissing(p, i, err) {
					return false, err
				}
				fullySigned = false
			}
		case txgraph.ScriptP2SH:
			if err := s.signP2SH(p, i, meta, keys); err != nil {
				if !s.handleMissing(p, i, err) {
					return false, err
				}
				fullySigned = false
			}
		case txgraph.ScriptP2PKH, txgraph.ScriptP2PK:
			if err := s.signLegacy(p, i, meta, meta.PrevScript, keys); err != nil {
				if !s.handleMissing(p, i, err) {
					return false, err
				}
				fullySigned = false
			}
		default:
			fullySigned = false
		}
	}
	return fullySigned, nil
}

// ErrNoKey reports a redeem key the key bag doesn't hold - only surfaced
// when Policy is Throw.
var ErrNoKey = fmt.Errorf("txbuilder: no signing key for input")

// handleMissing applies Policy to a missing-key error: it splices a
// placeholder and swallows the error (returning true to keep going) unless
// Policy is Throw.
func (s *LocalSigner) handleMissing(p *Proposal, i int, cause error) bool {
	if s.Policy == Throw {
		return false
	}
	switch s.Policy {
	case UseOpZero:
		p.SetInputSignature(i, []byte{txscript.OP_0}, nil)
	case UseDummySig:
		meta := p.Inputs[i]
		builder := txscript.NewScriptBuilder().AddData(dummySigBytes)
		if meta.RedeemScript != nil {
			builder.AddData(meta.RedeemScript)
		}
		script, _ := builder.Script()
		p.SetInputSignature(i, script, nil)
	}
	return true
}

// inputAlreadySpends reports whether input i's current scriptSig/witness
// already correctly satisfies its previous output, evaluated with the
// P2SH+NULLDUMMY flags only, so any SIGHASH type is accepted.
func (s *LocalSigner) inputAlreadySpends(tx txgraph.Tx, i int, meta InputMeta) bool {
	if len(tx.Inputs[i].ScriptSig) == 0 && len(tx.Inputs[i].Witness) == 0 {
		return false
	}
	msg := txgraph.ToWireMsgTx(tx, true)
	fetcher := staticPrevOutFetcher{script: meta.PrevScript, value: meta.PrevValue}
	// P2SH + NULLDUMMY only: an input signed elsewhere with a
	// non-standard SIGHASH still counts as already signed.
	flags := txscript.ScriptBip16 | txscript.ScriptStrictMultiSig | txscript.ScriptVerifyWitness
	sigHashes := txscript.NewTxSigHashes(msg, fetcher)
	engine, err := txscript.NewEngine(meta.PrevScript, msg, i, flags, nil, sigHashes, meta.PrevValue, fetcher)
	if err != nil {
		return false
	}
	return engine.Execute() == nil
}

// signP2WPKH signs a native segwit P2WPKH input per BIP143.
func (s *LocalSigner) signP2WPKH(p *Proposal, i int, meta InputMeta, keys keychain.KeyBag, sigHashes *txscript.TxSigHashes) error {
	hash := pubKeyHashFromWitnessScript(meta.PrevScript)
	key, ok := keys.FindKeyByPubKeyHash(hash, txgraph.ScriptP2WPKH)
	if !ok || key.PrivateKey == nil {
		return ErrNoKey
	}
	p.RecordHDPath(i, key.Path)

	msg := txgraph.ToWireMsgTx(p.Tx, false)
	witness, err := txscript.WitnessSignature(msg, sigHashes, i, meta.PrevValue, meta.PrevScript, txscript.SigHashAll, key.PrivateKey, true)
	if err != nil {
		return fmt.Errorf("txbuilder: sign p2wpkh input %d: %w", i, err)
	}
	keys.MarkPubKeyUsed(hash)
	w := make(txgraph.Witness, len(witness))
	for j, item := range witness {
		w[j] = item
	}
	p.SetInputSignature(i, nil, w)
	return nil
}

// signLegacy signs a P2PKH or P2PK input with a SIGHASH_ALL legacy
// signature spliced into the scriptSig.
func (s *LocalSigner) signLegacy(p *Proposal, i int, meta InputMeta, subscript []byte, keys keychain.KeyBag) error {
	hash := pubKeyHashFromLegacyScript(subscript)
	var key keychain.Key
	var ok bool
	if hash != nil {
		key, ok = keys.FindKeyByPubKeyHash(hash, txgraph.ScriptP2PKH)
	} else if pubKey := pubKeyFromP2PKScript(subscript); pubKey != nil {
		key, ok = keys.FindKeyByPubKey(pubKey)
	}
	if !ok || key.PrivateKey == nil {
		return ErrNoKey
	}
	p.RecordHDPath(i, key.Path)

	msg := txgraph.ToWireMsgTx(p.Tx, false)
	script, err := txscript.SignatureScript(msg, i, subscript, txscript.SigHashAll, key.PrivateKey, true)
	if err != nil {
		return fmt.Errorf("txbuilder: sign legacy input %d: %w", i, err)
	}
	if hash != nil {
		keys.MarkPubKeyUsed(hash)
	}
	p.SetInputSignature(i, script, nil)
	return nil
}

// signP2SH resolves the redeem script via the key bag's FindRedeemData,
// signs with every key it holds a private key for, and assembles the
// scriptSig as OP_0 <sigs...> <redeemScript> (the standard CHECKMULTISIG
// calling convention; single-key P2SH redeem scripts get a one-signature
// scriptSig with no leading OP_0). A P2WPKH witness-program redeem script
// (nested P2SH-P2WPKH) is signed per BIP143 instead: the witness carries
// the signature and pubkey, the scriptSig only the redeem script push.
func (s *LocalSigner) signP2SH(p *Proposal, i int, meta InputMeta, keys keychain.KeyBag) error {
	scriptHash := scriptHashFromP2SHScript(meta.PrevScript)
	if scriptHash == nil {
		return fmt.Errorf("txbuilder: malformed p2sh script at input %d", i)
	}
	redeem, ok := keys.FindRedeemData(scriptHash)
	if !ok {
		return ErrNoKey
	}
	p.Inputs[i].RedeemScript = redeem.RedeemScript

	msg := txgraph.ToWireMsgTx(p.Tx, false)
	if txscript.IsPayToWitnessPubKeyHash(redeem.RedeemScript) && len(redeem.Keys) == 1 && redeem.Keys[0].PrivateKey != nil {
		// Nested P2SH-P2WPKH: BIP143 witness, scriptSig is the bare redeem push.
		key := redeem.Keys[0]
		sigHashes := txscript.NewTxSigHashes(msg, proposalPrevOutFetcher{p: p})
		witness, err := txscript.WitnessSignature(msg, sigHashes, i, meta.PrevValue, redeem.RedeemScript, txscript.SigHashAll, key.PrivateKey, true)
		if err != nil {
			return fmt.Errorf("txbuilder: sign p2sh-p2wpkh input %d: %w", i, err)
		}
		scriptSig, _ := txscript.NewScriptBuilder().AddData(redeem.RedeemScript).Script()
		p.RecordHDPath(i, key.Path)
		keys.MarkScriptHashUsed(scriptHash)
		p.SetInputSignature(i, scriptSig, txgraph.Witness(witness))
		return nil
	}
	multisig := txscript.GetScriptClass(redeem.RedeemScript) == txscript.MultiSigTy

	var sigs [][]byte
	for _, key := range redeem.Keys {
		if key.PrivateKey == nil {
			continue
		}
		sig, err := txscript.RawTxInSignature(msg, i, redeem.RedeemScript, txscript.SigHashAll, key.PrivateKey)
		if err != nil {
			return fmt.Errorf("txbuilder: sign p2sh input %d: %w", i, err)
		}
		sigs = append(sigs, sig)
		p.RecordHDPath(i, key.Path)
	}
	if len(sigs) == 0 {
		return ErrNoKey
	}

	builder := txscript.NewScriptBuilder()
	if multisig {
		builder.AddOp(txscript.OP_0) // CHECKMULTISIG off-by-one
	}
	for _, sig := range sigs {
		builder.AddData(sig)
	}
	builder.AddData(redeem.RedeemScript)
	script, err := builder.Script()
	if err != nil {
		return fmt.Errorf("txbuilder: build p2sh scriptSig for input %d: %w", i, err)
	}
	keys.MarkScriptHashUsed(scriptHash)
	p.SetInputSignature(i, script, nil)
	return nil
}

// proposalPrevOutFetcher adapts a Proposal's per-input metadata to
// txscript.PrevOutputFetcher, needed to build BIP143 sighashes for any
// witness input in the transaction, not just the one currently being
// signed.
type proposalPrevOutFetcher struct {
	p *Proposal
}

func (f proposalPrevOutFetcher) FetchPrevOutput(op wire.OutPoint) *wire.TxOut {
	for i, in := range f.p.Tx.Inputs {
		if in.PreviousOutPoint.Hash == op.Hash && in.PreviousOutPoint.Index == op.Index {
			meta := f.p.Inputs[i]
			return wire.NewTxOut(meta.PrevValue, meta.PrevScript)
		}
	}
	return nil
}

// staticPrevOutFetcher answers every lookup with the same output, for
// single-input script verification.
type staticPrevOutFetcher struct {
	script []byte
	value  int64
}

func (f staticPrevOutFetcher) FetchPrevOutput(wire.OutPoint) *wire.TxOut {
	return wire.NewTxOut(f.value, f.script)
}

func pubKeyHashFromWitnessScript(script []byte) []byte {
	if len(script) == 22 && script[0] == 0x00 && script[1] == 0x14 {
		return script[2:22]
	}
	return nil
}

func pubKeyHashFromLegacyScript(script []byte) []byte {
	// OP_DUP OP_HASH160 <20-byte-push> OP_EQUALVERIFY OP_CHECKSIG
	if len(script) == 25 && script[0] == txscript.OP_DUP && script[1] == txscript.OP_HASH160 && script[2] == 0x14 {
		return script[3:23]
	}
	return nil
}

func pubKeyFromP2PKScript(script []byte) []byte {
	if len(script) == 35 && script[0] == 0x21 { // compressed pubkey push
		return script[1:34]
	}
	if len(script) == 67 && script[0] == 0x41 { // uncompressed pubkey push
		return script[1:66]
	}
	return nil
}

func scriptHashFromP2SHScript(script []byte) []byte {
	// OP_HASH160 <20-byte-push> OP_EQUAL
	if len(script) == 23 && script[0] == txscript.OP_HASH160 && script[1] == 0x14 {
		return script[2:22]
	}
	return nil
}
