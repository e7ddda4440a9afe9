package keyrotation

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/spvwallet/internal/confidence"
	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/pool"
	"github.com/klingon-exchange/spvwallet/internal/txgraph"
	"github.com/klingon-exchange/spvwallet/internal/walletcore"
)

// rotKeychain holds one old (rotating) and one fresh key, both spendable.
type rotKeychain struct {
	oldKey, newKey   *btcec.PrivateKey
	oldHash, newHash []byte
	oldCreated       time.Time
	newCreated       time.Time
	allRotating      bool
}

func newRotKeychain(t *testing.T) *rotKeychain {
	t.Helper()
	oldKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	newKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return &rotKeychain{
		oldKey:     oldKey,
		newKey:     newKey,
		oldHash:    btcutil.Hash160(oldKey.PubKey().SerializeCompressed()),
		newHash:    btcutil.Hash160(newKey.PubKey().SerializeCompressed()),
		oldCreated: time.Unix(1500000000, 0),
		newCreated: time.Unix(1700000000, 0),
	}
}

func p2wpkh(hash []byte) []byte {
	script := make([]byte, 22)
	script[0] = 0x00
	script[1] = 0x14
	copy(script[2:], hash)
	return script
}

func (k *rotKeychain) oldScript() []byte { return p2wpkh(k.oldHash) }
func (k *rotKeychain) newScript() []byte { return p2wpkh(k.newHash) }

func (k *rotKeychain) keyFor(hash []byte) (keychain.Key, bool) {
	switch string(hash) {
	case string(k.oldHash):
		return keychain.Key{PrivateKey: k.oldKey, PublicKey: k.oldKey.PubKey(), CreationTime: k.oldCreated}, true
	case string(k.newHash):
		return keychain.Key{PrivateKey: k.newKey, PublicKey: k.newKey.PubKey(), CreationTime: k.newCreated}, true
	}
	return keychain.Key{}, false
}

func (k *rotKeychain) FindKeyByPubKey(pubKey []byte) (keychain.Key, bool) {
	return k.keyFor(btcutil.Hash160(pubKey))
}
func (k *rotKeychain) FindKeyByPubKeyHash(hash []byte, _ txgraph.ScriptType) (keychain.Key, bool) {
	return k.keyFor(hash)
}
func (k *rotKeychain) FindRedeemData([]byte) (keychain.RedeemData, bool) {
	return keychain.RedeemData{}, false
}
func (k *rotKeychain) IsPubKeyMine(pubKey []byte) bool {
	_, ok := k.keyFor(btcutil.Hash160(pubKey))
	return ok
}
func (k *rotKeychain) IsScriptHashMine([]byte) bool          { return false }
func (k *rotKeychain) MarkPubKeyUsed([]byte)                 {}
func (k *rotKeychain) MarkScriptHashUsed([]byte)             {}
func (k *rotKeychain) EarliestKeyCreationTime() time.Time    { return k.oldCreated }
func (k *rotKeychain) CurrentAddress(bool) (string, []byte, error) {
	return "fresh", k.newScript(), nil
}
func (k *rotKeychain) FreshAddress(bool) (string, []byte, error) {
	return "fresh", k.newScript(), nil
}
func (k *rotKeychain) IsRelevantScript(script []byte) bool {
	return string(script) == string(k.oldScript()) || string(script) == string(k.newScript())
}
func (k *rotKeychain) RotatingKeys(cutoff time.Time) []keychain.Key {
	var out []keychain.Key
	if k.oldCreated.Before(cutoff) {
		key, _ := k.keyFor(k.oldHash)
		out = append(out, key)
	}
	if k.newCreated.Before(cutoff) {
		key, _ := k.keyFor(k.newHash)
		out = append(out, key)
	}
	return out
}
func (k *rotKeychain) AllChainsRotating(cutoff time.Time) bool {
	if k.allRotating {
		return true
	}
	return k.newCreated.Before(cutoff)
}

var _ keychain.Keychain = (*rotKeychain)(nil)

// fundWallet confirms a coin paying value to script.
func fundWallet(t *testing.T, w *walletcore.Wallet, tag byte, value int64, script []byte, height uint32) txgraph.Tx {
	t.Helper()
	prev := txgraph.NewOutPoint(chainhash.HashH([]byte{tag}), 0)
	out, _ := txgraph.NewOutput(value, script)
	tx := txgraph.New(2, []txgraph.Input{txgraph.NewInput(prev, 0xffffffff)}, []txgraph.Output{out}, 0)

	block := walletcore.BlockInfo{Hash: chainhash.HashH([]byte{0xb0, byte(height)}), Height: height, Time: time.Unix(1700000000, 0)}
	if err := w.ReceiveFromBlock(tx, block, walletcore.BestChain, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.NotifyNewBestBlock(block); err != nil {
		t.Fatal(err)
	}
	return tx
}

func newRotWallet(t *testing.T) (*walletcore.Wallet, *rotKeychain) {
	t.Helper()
	keys := newRotKeychain(t)
	w := walletcore.NewWallet(keys, confidence.NewTable(10), walletcore.DefaultConfig(), nil)
	return w, keys
}

// cutoff lands between the old and new key creation times.
func rotationCutoff(k *rotKeychain) time.Time { return k.oldCreated.Add(24 * time.Hour) }

func TestNeedsRotation(t *testing.T) {
	w, keys := newRotWallet(t)
	m := New(w, Config{FeePerKb: 1000})

	if m.NeedsRotation(rotationCutoff(keys)) {
		t.Error("empty wallet needs no rotation")
	}

	fundWallet(t, w, 1, 50_000, keys.oldScript(), 10)
	if !m.NeedsRotation(rotationCutoff(keys)) {
		t.Error("old-key coin should need rotation")
	}

	// A coin on the fresh key does not trigger rotation.
	w2, keys2 := newRotWallet(t)
	m2 := New(w2, Config{FeePerKb: 1000})
	fundWallet(t, w2, 2, 50_000, keys2.newScript(), 10)
	if m2.NeedsRotation(rotationCutoff(keys2)) {
		t.Error("fresh-key coin should not need rotation")
	}
}

func TestSweepOnceMovesFunds(t *testing.T) {
	w, keys := newRotWallet(t)
	fund := fundWallet(t, w, 3, 50_000, keys.oldScript(), 10)

	m := New(w, Config{FeePerKb: 1000})
	result, err := m.SweepOnce(rotationCutoff(keys))
	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}

	if len(result.Tx.Outputs) != 1 {
		t.Fatalf("sweep outputs = %d, want 1", len(result.Tx.Outputs))
	}
	if string(result.Tx.Outputs[0].ScriptPubKey) != string(keys.newScript()) {
		t.Error("sweep must pay the fresh address")
	}
	if result.Tx.Outputs[0].Value != 50_000-result.Plan.Fee {
		t.Errorf("sweep value = %d, want 50000 minus fee %d", result.Tx.Outputs[0].Value, result.Plan.Fee)
	}
	if result.Tx.Inputs[0].PreviousOutPoint.Hash != fund.TxID() {
		t.Error("sweep must spend the rotating-key output")
	}

	// The sweep was committed as a self-originated pending transaction.
	kind, ok := w.Store().PoolOf(result.Tx.TxID())
	if !ok || kind != pool.Pending {
		t.Errorf("sweep pool = %v/%v, want PENDING", kind, ok)
	}
	if m.NeedsRotation(rotationCutoff(keys)) {
		t.Error("after the sweep no rotating-key output remains")
	}
}

func TestSweepOnceNothingToRotate(t *testing.T) {
	w, keys := newRotWallet(t)
	fundWallet(t, w, 4, 50_000, keys.newScript(), 10)

	m := New(w, Config{FeePerKb: 1000})
	if _, err := m.SweepOnce(rotationCutoff(keys)); !errors.Is(err, ErrNothingToRotate) {
		t.Errorf("error = %v, want ErrNothingToRotate", err)
	}
}

func TestSweepOnceLockedWallet(t *testing.T) {
	w, keys := newRotWallet(t)
	fundWallet(t, w, 5, 50_000, keys.oldScript(), 10)

	m := New(w, Config{FeePerKb: 1000}, WithUnlockedCheck(func() bool { return false }))
	if _, err := m.SweepOnce(rotationCutoff(keys)); !errors.Is(err, walletcore.ErrKeyRotationRequiresPassword) {
		t.Errorf("error = %v, want ErrKeyRotationRequiresPassword", err)
	}
}

func TestSweepOnceAllChainsRotating(t *testing.T) {
	w, keys := newRotWallet(t)
	keys.allRotating = true
	fundWallet(t, w, 6, 50_000, keys.oldScript(), 10)

	m := New(w, Config{FeePerKb: 1000})
	if _, err := m.SweepOnce(rotationCutoff(keys)); !errors.Is(err, walletcore.ErrDeterministicUpgradeRequiresPW) {
		t.Errorf("error = %v, want ErrDeterministicUpgradeRequiresPW", err)
	}
}

func TestSweepOnceSynthesizesChain(t *testing.T) {
	w, keys := newRotWallet(t)
	keys.allRotating = true
	fundWallet(t, w, 7, 50_000, keys.oldScript(), 10)

	freshChain := newRotKeychain(t)
	m := New(w, Config{FeePerKb: 1000}, WithSynthesizer(synthFunc(func() (keychain.Keychain, error) {
		return freshChain, nil
	})))

	result, err := m.SweepOnce(rotationCutoff(keys))
	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if string(result.Tx.Outputs[0].ScriptPubKey) != string(freshChain.newScript()) {
		t.Error("sweep must pay into the synthesized chain")
	}
}

// synthFunc adapts a function to ChainSynthesizer.
type synthFunc func() (keychain.Keychain, error)

func (f synthFunc) SynthesizeChain() (keychain.Keychain, error) { return f() }

func TestBatchLimitBoundsInputs(t *testing.T) {
	w, keys := newRotWallet(t)
	for i := 0; i < 5; i++ {
		fundWallet(t, w, byte(10+i), 20_000, keys.oldScript(), uint32(10+i))
	}

	m := New(w, Config{FeePerKb: 1000, BatchLimit: 3})
	result, err := m.SweepOnce(rotationCutoff(keys))
	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if len(result.Tx.Inputs) != 3 {
		t.Errorf("sweep inputs = %d, want the batch limit of 3", len(result.Tx.Inputs))
	}

	// The rest still needs rotating: the next batch picks it up.
	if !m.NeedsRotation(rotationCutoff(keys)) {
		t.Error("remaining old-key coins should still need rotation")
	}
}
