package wallet

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// DefaultLookahead is the number of not-yet-used keys kept pre-derived on
// each chain (external/internal), matching the BIP44 gap-limit default this
// package already used for REST-based address scanning.
const DefaultLookahead = 20

// HDKeyChain is the wallet's single account-rooted deterministic key chain,
// implementing internal/keychain.Keychain: one active account with one
// external (receive) and one internal (change) chain derived from it.
type HDKeyChain struct {
	mu sync.RWMutex

	network    chain.Network
	scheme     keychain.Scheme
	purpose    uint32 // BIP43 only
	coinType   uint32 // BIP43 only
	account    uint32
	scriptType chain.AddressType
	params     *chaincfg.Params

	accountKey  *hdkeychain.ExtendedKey
	externalKey *hdkeychain.ExtendedKey
	internalKey *hdkeychain.ExtendedKey

	creationTime time.Time
	lookahead    uint32

	externalNext uint32
	internalNext uint32

	byPubKeyHash map[string]*derivedKey
	byPubKey     map[string]*derivedKey
	byScriptHash map[string]*derivedKey
	usedHash     map[string]bool

	logger *logging.Logger
}

type derivedKey struct {
	path       keychain.DerivationPath
	extKey     *hdkeychain.ExtendedKey
	privKey    *btcec.PrivateKey
	pubKey     *btcec.PublicKey
	pubKeyHash []byte

	// p2shScriptHash and witnessScript support the nested P2SH-P2WPKH
	// pairing (BIP49) so internal/txbuilder's P2SH signing path has real
	// redeem data to resolve, not just the bare pubkey-hash chains.
	p2shScriptHash []byte
	witnessScript  []byte
}

// NewHDKeyChain derives the active account (m/purpose'/coin'/account' for
// BIP43, m/account' for plain BIP32) and pre-populates the lookahead window
// on both chains.
func NewHDKeyChain(seed []byte, network chain.Network, scheme keychain.Scheme, scriptType chain.AddressType, account uint32, creationTime time.Time) (*HDKeyChain, error) {
	params := chain.ParamsFor(network).ChainCfg()

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	kc := &HDKeyChain{
		network:      network,
		scheme:       scheme,
		scriptType:   scriptType,
		account:      account,
		params:       params,
		creationTime: creationTime,
		lookahead:    DefaultLookahead,
		byPubKeyHash: make(map[string]*derivedKey),
		byPubKey:     make(map[string]*derivedKey),
		byScriptHash: make(map[string]*derivedKey),
		usedHash:     make(map[string]bool),
		logger:       logging.New(logging.DefaultConfig()).Component("keychain"),
	}

	var accountKey *hdkeychain.ExtendedKey
	if scheme == keychain.BIP43 {
		purpose := chain.Purpose(scriptType)
		coinType := chain.ParamsFor(network).CoinType
		kc.purpose = purpose
		kc.coinType = coinType

		purposeKey, err := master.Derive(hdkeychain.HardenedKeyStart + purpose)
		if err != nil {
			return nil, fmt.Errorf("failed to derive purpose: %w", err)
		}
		coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + coinType)
		if err != nil {
			return nil, fmt.Errorf("failed to derive coin type: %w", err)
		}
		accountKey, err = coinKey.Derive(hdkeychain.HardenedKeyStart + account)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account: %w", err)
		}
	} else {
		// The plain-BIP32 hierarchy roots its deterministic chains at m/1',
		// regardless of the requested account number.
		kc.account = 1
		accountKey, err = master.Derive(hdkeychain.HardenedKeyStart + 1)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account: %w", err)
		}
	}
	kc.accountKey = accountKey

	externalKey, err := accountKey.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive external chain: %w", err)
	}
	internalKey, err := accountKey.Derive(1)
	if err != nil {
		return nil, fmt.Errorf("failed to derive internal chain: %w", err)
	}
	kc.externalKey = externalKey
	kc.internalKey = internalKey

	if err := kc.ensureLookaheadLocked(0); err != nil {
		return nil, err
	}
	if err := kc.ensureLookaheadLocked(1); err != nil {
		return nil, err
	}

	return kc, nil
}

// SetLogger replaces the component logger, so the key chain logs into the
// same stream as the service that owns it.
func (kc *HDKeyChain) SetLogger(l *logging.Logger) {
	if l == nil {
		return
	}
	kc.mu.Lock()
	kc.logger = l.Component("keychain")
	kc.mu.Unlock()
}

// AccountPath returns the account-level derivation path string, e.g.
// "m/84'/0'/0'" or "m/1'" for the BIP32 scheme.
func (kc *HDKeyChain) AccountPath() string {
	if kc.scheme == keychain.BIP32 {
		return fmt.Sprintf("m/%d'", kc.account)
	}
	return fmt.Sprintf("m/%d'/%d'/%d'", kc.purpose, kc.coinType, kc.account)
}

// ensureLookaheadLocked derives keys on chain `change` from the current next
// index through lookahead-1 beyond it. Caller must hold kc.mu for writing.
func (kc *HDKeyChain) ensureLookaheadLocked(change uint32) error {
	chainKey := kc.externalKey
	next := kc.externalNext
	if change == 1 {
		chainKey = kc.internalKey
		next = kc.internalNext
	}

	target := next + kc.lookahead
	for idx := next; idx < target; idx++ {
		hexKey := lookaheadCacheKey(change, idx)
		if _, ok := kc.byPubKey[hexKey]; ok {
			continue
		}
		leaf, err := chainKey.Derive(idx)
		if err != nil {
			return fmt.Errorf("failed to derive index %d: %w", idx, err)
		}
		if err := kc.registerLeaf(leaf, change, idx); err != nil {
			return err
		}
	}
	return nil
}

func lookaheadCacheKey(change, index uint32) string {
	return fmt.Sprintf("%d/%d", change, index)
}

func (kc *HDKeyChain) registerLeaf(leaf *hdkeychain.ExtendedKey, change, index uint32) error {
	pub, err := leaf.ECPubKey()
	if err != nil {
		return fmt.Errorf("failed to get public key: %w", err)
	}
	priv, err := leaf.ECPrivKey()
	if err != nil {
		return fmt.Errorf("failed to get private key: %w", err)
	}

	pubKeyHash := btcutil.Hash160(pub.SerializeCompressed())

	witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, kc.params)
	if err != nil {
		return fmt.Errorf("failed to build witness address: %w", err)
	}
	witnessScript, err := txscript.PayToAddrScript(witnessAddr)
	if err != nil {
		return fmt.Errorf("failed to build witness script: %w", err)
	}
	p2shScriptHash := btcutil.Hash160(witnessScript)

	dk := &derivedKey{
		path: keychain.DerivationPath{
			Scheme:  kc.scheme,
			Purpose: kc.purpose,
			Account: kc.account,
			Change:  change,
			Index:   index,
		},
		extKey:         leaf,
		privKey:        priv,
		pubKey:         pub,
		pubKeyHash:     pubKeyHash,
		p2shScriptHash: p2shScriptHash,
		witnessScript:  witnessScript,
	}

	cacheKey := lookaheadCacheKey(change, index)
	kc.byPubKey[cacheKey] = dk
	kc.byPubKeyHash[hex.EncodeToString(pubKeyHash)] = dk
	kc.byScriptHash[hex.EncodeToString(p2shScriptHash)] = dk
	kc.byPubKey[hex.EncodeToString(pub.SerializeCompressed())] = dk
	return nil
}

// address renders dk's address under kc's active script type.
func (kc *HDKeyChain) address(dk *derivedKey) (string, []byte, error) {
	cfgParams := chain.ParamsFor(kc.network).ChainCfg()

	switch kc.scriptType {
	case chain.AddressP2PKH:
		addr, err := btcutil.NewAddressPubKeyHash(dk.pubKeyHash, cfgParams)
		if err != nil {
			return "", nil, err
		}
		script, err := txscript.PayToAddrScript(addr)
		return addr.EncodeAddress(), script, err
	case chain.AddressP2SH_P2WPKH:
		addr, err := btcutil.NewAddressScriptHashFromHash(dk.p2shScriptHash, cfgParams)
		if err != nil {
			return "", nil, err
		}
		script, err := txscript.PayToAddrScript(addr)
		return addr.EncodeAddress(), script, err
	default: // P2WPKH
		addr, err := btcutil.NewAddressWitnessPubKeyHash(dk.pubKeyHash, cfgParams)
		if err != nil {
			return "", nil, err
		}
		script, err := txscript.PayToAddrScript(addr)
		return addr.EncodeAddress(), script, err
	}
}

// CurrentAddress implements keychain.Keychain.
func (kc *HDKeyChain) CurrentAddress(forChange bool) (string, []byte, error) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()

	change := uint32(0)
	idx := kc.externalNext
	if forChange {
		change = 1
		idx = kc.internalNext
	}
	dk, ok := kc.byPubKey[lookaheadCacheKey(change, idx)]
	if !ok {
		return "", nil, fmt.Errorf("keychain: lookahead exhausted for change=%d index=%d", change, idx)
	}
	return kc.address(dk)
}

// FreshAddress implements keychain.Keychain: it advances the chain's
// next-unused pointer and returns the address now current, maintaining the
// lookahead window behind it. CurrentAddress reports the same address until
// the next advance.
func (kc *HDKeyChain) FreshAddress(forChange bool) (string, []byte, error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	change := uint32(0)
	if forChange {
		kc.internalNext++
		change = 1
	} else {
		kc.externalNext++
	}
	if err := kc.ensureLookaheadLocked(change); err != nil {
		return "", nil, err
	}

	idx := kc.externalNext
	if forChange {
		idx = kc.internalNext
	}
	dk, ok := kc.byPubKey[lookaheadCacheKey(change, idx)]
	if !ok {
		return "", nil, fmt.Errorf("keychain: lookahead exhausted for change=%d index=%d", change, idx)
	}

	return kc.address(dk)
}

// AddressAt returns the address at a specific (change, index) position,
// deriving past the lookahead window if needed (used by catch-up scans).
func (kc *HDKeyChain) AddressAt(change, index uint32) (string, error) {
	kc.mu.Lock()
	dk, ok := kc.byPubKey[lookaheadCacheKey(change, index)]
	if !ok {
		chainKey := kc.externalKey
		if change == 1 {
			chainKey = kc.internalKey
		}
		leaf, err := chainKey.Derive(index)
		if err != nil {
			kc.mu.Unlock()
			return "", fmt.Errorf("failed to derive index %d: %w", index, err)
		}
		if err := kc.registerLeaf(leaf, change, index); err != nil {
			kc.mu.Unlock()
			return "", err
		}
		dk = kc.byPubKey[lookaheadCacheKey(change, index)]
	}
	kc.mu.Unlock()

	addr, _, err := kc.address(dk)
	return addr, err
}

// FindKeyByPubKey implements keychain.KeyBag.
func (kc *HDKeyChain) FindKeyByPubKey(pubKey []byte) (keychain.Key, bool) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	dk, ok := kc.byPubKey[hex.EncodeToString(pubKey)]
	if !ok {
		return keychain.Key{}, false
	}
	return kc.toKey(dk), true
}

// FindKeyByPubKeyHash implements keychain.KeyBag. scriptType is accepted for
// interface symmetry with the spec but every lookahead key is keyed by its
// single pubkey hash regardless of which script wraps it.
func (kc *HDKeyChain) FindKeyByPubKeyHash(hash []byte, _ txgraph.ScriptType) (keychain.Key, bool) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	dk, ok := kc.byPubKeyHash[hex.EncodeToString(hash)]
	if !ok {
		return keychain.Key{}, false
	}
	return kc.toKey(dk), true
}

// FindRedeemData implements keychain.KeyBag for the nested P2SH-P2WPKH
// pairing: scriptHash is the P2SH hash of the witness program.
func (kc *HDKeyChain) FindRedeemData(scriptHash []byte) (keychain.RedeemData, bool) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	dk, ok := kc.byScriptHash[hex.EncodeToString(scriptHash)]
	if !ok {
		return keychain.RedeemData{}, false
	}
	return keychain.RedeemData{
		RedeemScript: append([]byte(nil), dk.witnessScript...),
		Keys:         []keychain.Key{kc.toKey(dk)},
	}, true
}

// IsPubKeyMine implements keychain.KeyBag.
func (kc *HDKeyChain) IsPubKeyMine(pubKey []byte) bool {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	_, ok := kc.byPubKey[hex.EncodeToString(pubKey)]
	return ok
}

// IsScriptHashMine implements keychain.KeyBag.
func (kc *HDKeyChain) IsScriptHashMine(hash []byte) bool {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	_, ok := kc.byScriptHash[hex.EncodeToString(hash)]
	return ok
}

// MarkPubKeyUsed implements keychain.KeyBag: given a serialized public key
// or its HASH160 (the form internal/txbuilder and internal/walletcore pass),
// advances the owning chain's next-unused pointer past this key's index if
// it is not already past it, and tops up the lookahead window.
func (kc *HDKeyChain) MarkPubKeyUsed(pubKey []byte) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	dk, ok := kc.byPubKey[hex.EncodeToString(pubKey)]
	if !ok {
		dk, ok = kc.byPubKeyHash[hex.EncodeToString(pubKey)]
	}
	if !ok {
		return
	}
	kc.markUsedLocked(dk)
}

// MarkScriptHashUsed implements keychain.KeyBag.
func (kc *HDKeyChain) MarkScriptHashUsed(hash []byte) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	dk, ok := kc.byScriptHash[hex.EncodeToString(hash)]
	if !ok {
		return
	}
	kc.markUsedLocked(dk)
}

func (kc *HDKeyChain) markUsedLocked(dk *derivedKey) {
	kc.usedHash[hex.EncodeToString(dk.pubKeyHash)] = true
	change := uint32(0)
	if dk.path.Change == 1 {
		change = 1
		if dk.path.Index >= kc.internalNext {
			kc.internalNext = dk.path.Index + 1
		}
	} else if dk.path.Index >= kc.externalNext {
		kc.externalNext = dk.path.Index + 1
	}
	// The mark-used callers return nothing, so a derivation failure here
	// cannot propagate; without at least a log line the wallet would just
	// quietly stop minting lookahead keys.
	if err := kc.ensureLookaheadLocked(change); err != nil {
		kc.logger.Warn("lookahead derivation failed after marking key used",
			"change", change, "next_index", dk.path.Index+1, "error", err)
	}
}

// EarliestKeyCreationTime implements keychain.KeyBag. Every key on this
// account's two chains shares the account's own creation time.
func (kc *HDKeyChain) EarliestKeyCreationTime() time.Time {
	return kc.creationTime
}

// IsRelevantScript implements keychain.Keychain.
func (kc *HDKeyChain) IsRelevantScript(script []byte) bool {
	cfgParams := chain.ParamsFor(kc.network).ChainCfg()

	class, addrs, _, err := txscript.ExtractPkScriptAddrs(script, cfgParams)
	if err != nil || len(addrs) != 1 {
		return false
	}
	hash := addrs[0].ScriptAddress()

	switch class {
	case txscript.ScriptHashTy:
		return kc.IsScriptHashMine(hash)
	default:
		return kc.IsPubKeyMine(hash) || func() bool {
			kc.mu.RLock()
			defer kc.mu.RUnlock()
			_, ok := kc.byPubKeyHash[hex.EncodeToString(hash)]
			return ok
		}()
	}
}

// RotatingKeys implements keychain.Keychain. This wallet derives from a
// single seed, so every issued key shares one creation time: either the
// whole chain is rotating or none of it is.
func (kc *HDKeyChain) RotatingKeys(cutoff time.Time) []keychain.Key {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	if !kc.creationTime.Before(cutoff) {
		return nil
	}
	out := make([]keychain.Key, 0, len(kc.byPubKeyHash))
	for _, dk := range kc.byPubKeyHash {
		out = append(out, kc.toKey(dk))
	}
	return out
}

// AllChainsRotating implements keychain.Keychain.
func (kc *HDKeyChain) AllChainsRotating(cutoff time.Time) bool {
	return kc.creationTime.Before(cutoff)
}

func (kc *HDKeyChain) toKey(dk *derivedKey) keychain.Key {
	return keychain.Key{
		Path:         dk.path,
		PrivateKey:   dk.privKey,
		PublicKey:    dk.pubKey,
		CreationTime: kc.creationTime,
	}
}

var _ keychain.Keychain = (*HDKeyChain)(nil)
