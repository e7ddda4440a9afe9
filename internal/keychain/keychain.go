// Package keychain defines the small capability interfaces the rest of the
// wallet core depends on for signing material lookup and key bookkeeping,
// collapsing the duck-typed "keychain" / "key bag" / "transaction bag" split
// into the three interfaces this module actually needs. internal/wallet
// holds the concrete key material and implements Keychain; everything else
// (internal/txbuilder, internal/classifier, internal/walletcore,
// internal/keyrotation) depends only on these interfaces, never on
// internal/wallet directly, so each can be tested against a stub.
package keychain

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/spvwallet/internal/txgraph"
)

// Scheme distinguishes the two deterministic derivation schemes the wallet
// can be configured with.
type Scheme int

const (
	BIP32 Scheme = iota
	BIP43
)

func (s Scheme) String() string {
	if s == BIP43 {
		return "BIP43"
	}
	return "BIP32"
}

// DerivationPath names where a key sits in the active account's deterministic
// chains.
type DerivationPath struct {
	Scheme  Scheme
	Purpose uint32 // BIP43 only: 44, 49, or 84
	Account uint32
	Change  uint32 // 0 = external, 1 = internal
	Index   uint32
}

// Key is a single derived keypair plus its provenance.
type Key struct {
	Path         DerivationPath
	PrivateKey   *btcec.PrivateKey // nil for a watch-only key
	PublicKey    *btcec.PublicKey
	CreationTime time.Time
}

// RedeemData is what a signer needs to satisfy a script-hash output: the
// redeem script plus the keys that can sign for it. For P2WPKH/P2PKH the
// redeem script is nil and exactly one key is returned.
type RedeemData struct {
	RedeemScript []byte
	Keys         []Key
}

// KeyBag is the capability the signer chain (internal/txbuilder) consumes.
// It is deliberately narrower than Keychain so a signer can be tested
// against a stub with no notion of addresses or lookahead.
type KeyBag interface {
	FindKeyByPubKey(pubKey []byte) (Key, bool)
	FindKeyByPubKeyHash(hash []byte, scriptType txgraph.ScriptType) (Key, bool)
	FindRedeemData(scriptHash []byte) (RedeemData, bool)
	IsPubKeyMine(pubKey []byte) bool
	IsScriptHashMine(hash []byte) bool
	MarkPubKeyUsed(pubKey []byte)
	MarkScriptHashUsed(hash []byte)
	EarliestKeyCreationTime() time.Time
}

// Keychain is the full capability internal/walletcore and internal/classifier
// depend on: a KeyBag plus address issuance and rotation bookkeeping.
type Keychain interface {
	KeyBag

	// CurrentAddress returns the active receive (forChange=false) or change
	// (forChange=true) address without advancing the lookahead index.
	CurrentAddress(forChange bool) (address string, script []byte, err error)

	// FreshAddress advances the deterministic chain and returns a new,
	// unused address.
	FreshAddress(forChange bool) (address string, script []byte, err error)

	// IsRelevantScript reports whether script pays an owned key, used by
	// the classifier's is_pending_relevant check.
	IsRelevantScript(script []byte) bool

	// RotatingKeys returns every owned key created strictly before cutoff,
	// for internal/keyrotation's sweep.
	RotatingKeys(cutoff time.Time) []Key

	// AllChainsRotating reports whether every deterministic chain's newest
	// key still predates cutoff, meaning no fresh (non-rotating) address is
	// available and a new chain must be synthesized first.
	AllChainsRotating(cutoff time.Time) bool
}
