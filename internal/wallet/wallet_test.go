package wallet

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/keychain"
	"github.com/klingon-exchange/spvwallet/internal/walletcore"
)

// Test mnemonic used throughout (DO NOT USE FOR REAL FUNDS).
const testMnemonic = "panda diary marriage suffer basic glare surge auto scissors describe sell unique"

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}

	words := strings.Fields(mnemonic)
	if len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := ValidateMnemonic(tc.mnemonic); got != tc.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tc.mnemonic, got, tc.valid)
		}
	}
}

func TestSeedFromMnemonicInvalid(t *testing.T) {
	if _, err := SeedFromMnemonic("not a mnemonic", ""); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

// TestAccountPathDerivation pins the account paths each
// scheme/script/network combination must produce.
func TestAccountPathDerivation(t *testing.T) {
	seed, err := SeedFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error = %v", err)
	}
	now := time.Unix(1700000000, 0)

	cases := []struct {
		name       string
		scheme     keychain.Scheme
		scriptType chain.AddressType
		network    chain.Network
		wantPath   string
	}{
		{"BIP43/P2WPKH/MAINNET", keychain.BIP43, chain.AddressP2WPKH, chain.Mainnet, "m/84'/0'/0'"},
		{"BIP43/P2PKH/TESTNET", keychain.BIP43, chain.AddressP2PKH, chain.Testnet, "m/44'/1'/0'"},
		{"BIP32/P2WPKH/MAINNET", keychain.BIP32, chain.AddressP2WPKH, chain.Mainnet, "m/1'"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kc, err := NewHDKeyChain(seed, tc.network, tc.scheme, tc.scriptType, 0, now)
			if err != nil {
				t.Fatalf("NewHDKeyChain() error = %v", err)
			}
			if got := kc.AccountPath(); got != tc.wantPath {
				t.Errorf("AccountPath() = %q, want %q", got, tc.wantPath)
			}
		})
	}
}

func TestHDKeyChainDeterministicAddresses(t *testing.T) {
	seed, _ := SeedFromMnemonic(testMnemonic, "")
	now := time.Unix(1700000000, 0)

	kc1, err := NewHDKeyChain(seed, chain.Mainnet, keychain.BIP43, chain.AddressP2WPKH, 0, now)
	if err != nil {
		t.Fatalf("NewHDKeyChain() error = %v", err)
	}
	kc2, err := NewHDKeyChain(seed, chain.Mainnet, keychain.BIP43, chain.AddressP2WPKH, 0, now)
	if err != nil {
		t.Fatalf("NewHDKeyChain() error = %v", err)
	}

	addr1, _, err := kc1.CurrentAddress(false)
	if err != nil {
		t.Fatalf("CurrentAddress() error = %v", err)
	}
	addr2, _, err := kc2.CurrentAddress(false)
	if err != nil {
		t.Fatalf("CurrentAddress() error = %v", err)
	}
	if addr1 != addr2 {
		t.Errorf("same seed should derive the same address, got %s vs %s", addr1, addr2)
	}
	if !strings.HasPrefix(addr1, "bc1q") {
		t.Errorf("mainnet P2WPKH address should start with bc1q, got %s", addr1)
	}
}

func TestHDKeyChainFreshAddressAdvancesAndMarksUsed(t *testing.T) {
	seed, _ := SeedFromMnemonic(testMnemonic, "")
	kc, err := NewHDKeyChain(seed, chain.Mainnet, keychain.BIP43, chain.AddressP2WPKH, 0, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewHDKeyChain() error = %v", err)
	}

	first, _, err := kc.FreshAddress(false)
	if err != nil {
		t.Fatalf("FreshAddress() error = %v", err)
	}
	second, _, err := kc.FreshAddress(false)
	if err != nil {
		t.Fatalf("FreshAddress() error = %v", err)
	}
	if first == second {
		t.Error("consecutive FreshAddress calls should not repeat")
	}

	current, _, err := kc.CurrentAddress(false)
	if err != nil {
		t.Fatalf("CurrentAddress() error = %v", err)
	}
	if current != second {
		t.Errorf("CurrentAddress should report the last issued address without advancing, got %s want %s", current, second)
	}
}

func TestHDKeyChainKeyBagLookups(t *testing.T) {
	seed, _ := SeedFromMnemonic(testMnemonic, "")
	kc, err := NewHDKeyChain(seed, chain.Mainnet, keychain.BIP43, chain.AddressP2WPKH, 0, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewHDKeyChain() error = %v", err)
	}

	_, script, err := kc.CurrentAddress(false)
	if err != nil {
		t.Fatalf("CurrentAddress() error = %v", err)
	}
	if !kc.IsRelevantScript(script) {
		t.Error("own receive script should be relevant")
	}

	foreign := []byte{0x00, 0x14}
	foreign = append(foreign, make([]byte, 20)...)
	if kc.IsRelevantScript(foreign) {
		t.Error("unrelated script should not be relevant")
	}
}

func TestHDKeyChainRotatingKeys(t *testing.T) {
	seed, _ := SeedFromMnemonic(testMnemonic, "")
	birthday := time.Unix(1600000000, 0)
	kc, err := NewHDKeyChain(seed, chain.Mainnet, keychain.BIP43, chain.AddressP2WPKH, 0, birthday)
	if err != nil {
		t.Fatalf("NewHDKeyChain() error = %v", err)
	}

	cutoffBefore := birthday.Add(-time.Hour)
	if kc.AllChainsRotating(cutoffBefore) {
		t.Error("chain created after cutoff should not be rotating")
	}

	cutoffAfter := birthday.Add(time.Hour)
	if !kc.AllChainsRotating(cutoffAfter) {
		t.Error("chain created before cutoff should be rotating")
	}
	if len(kc.RotatingKeys(cutoffAfter)) == 0 {
		t.Error("expected rotating keys when chain predates cutoff")
	}
}

// ============ Crypto Tests ============

func TestEncryptDecryptKeyChainGroup(t *testing.T) {
	password := "TestPassword123!"
	plaintext := []byte(`{"mnemonic":"` + testMnemonic + `"}`)

	encrypted, err := EncryptKeyChainGroup(plaintext, password)
	if err != nil {
		t.Fatalf("EncryptKeyChainGroup() error = %v", err)
	}
	if encrypted.Version != 1 {
		t.Errorf("version = %d, want 1", encrypted.Version)
	}

	decrypted, err := DecryptKeyChainGroup(encrypted, password)
	if err != nil {
		t.Fatalf("DecryptKeyChainGroup() error = %v", err)
	}
	if string(decrypted) != `{"mnemonic":"`+testMnemonic+`"}` {
		t.Error("decrypted blob doesn't match original")
	}
}

func TestEncryptKeyChainGroupWeakPassword(t *testing.T) {
	if _, err := EncryptKeyChainGroup([]byte("data"), "weak"); err == nil {
		t.Error("should reject weak password")
	}
}

func TestDecryptKeyChainGroupWrongPassword(t *testing.T) {
	encrypted, _ := EncryptKeyChainGroup([]byte("data data data"), "TestPassword123!")
	_, err := DecryptKeyChainGroup(encrypted, "WrongPassword123!")
	if err == nil {
		t.Fatal("should fail with wrong password")
	}
	if !errors.Is(err, walletcore.ErrBadEncryptionKey) {
		t.Errorf("error should wrap ErrBadEncryptionKey, got %v", err)
	}
}

func TestSaveLoadEncryptedKeyChainGroup(t *testing.T) {
	password := "TestPassword123!"
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "keychain.json")

	encrypted, _ := EncryptKeyChainGroup([]byte("blob"), password)

	if err := SaveEncryptedKeyChainGroup(encrypted, path); err != nil {
		t.Fatalf("SaveEncryptedKeyChainGroup() error = %v", err)
	}

	loaded, err := LoadEncryptedKeyChainGroup(path)
	if err != nil {
		t.Fatalf("LoadEncryptedKeyChainGroup() error = %v", err)
	}

	decrypted, err := DecryptKeyChainGroup(loaded, password)
	if err != nil {
		t.Fatalf("DecryptKeyChainGroup() error = %v", err)
	}
	if string(decrypted) != "blob" {
		t.Error("loaded and decrypted blob doesn't match")
	}
}

func TestSaveEncryptedKeyChainGroupPermissions(t *testing.T) {
	password := "TestPassword123!"
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "keychain.json")

	encrypted, _ := EncryptKeyChainGroup([]byte("blob"), password)
	if err := SaveEncryptedKeyChainGroup(encrypted, path); err != nil {
		t.Fatalf("SaveEncryptedKeyChainGroup() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}

	// The write goes through a temp file and rename; no temp litter stays.
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the key file in %s, found %d entries", tmpDir, len(entries))
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
	}{
		{"TestPassword123!", true},
		{"TestPassword123", true},
		{"TestPassword!", true},
		{"short", false},
		{"testpassword", false},
		{"12345678", false},
		{"TESTPASSWORD", false},
		{strings.Repeat("a", 257), false},
	}

	for _, tc := range tests {
		err := ValidatePassword(tc.password)
		if tc.valid && err != nil {
			t.Errorf("ValidatePassword(%q) should be valid, got error: %v", tc.password, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("ValidatePassword(%q) should be invalid", tc.password)
		}
	}
}

func TestSecureClear(t *testing.T) {
	data := []byte("sensitive data")
	SecureClear(data)
	for _, b := range data {
		if b != 0 {
			t.Error("data should be cleared to zeros")
			break
		}
	}
}
