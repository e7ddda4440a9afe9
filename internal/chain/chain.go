// Package chain defines network parameters and address-type metadata for
// the Bitcoin networks this wallet runs on. All chain-specific values are
// hardcoded here - no external configuration needed.
package chain

import "github.com/btcsuite/btcd/chaincfg"

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH       AddressType = "p2pkh"       // Legacy (1...)
	AddressP2SH        AddressType = "p2sh"        // Script hash (3...)
	AddressP2WPKH      AddressType = "p2wpkh"      // Native SegWit (bc1q...)
	AddressP2WSH       AddressType = "p2wsh"       // SegWit script (bc1q...)
	AddressP2SH_P2WPKH AddressType = "p2sh-p2wpkh" // Nested SegWit (3...)
	AddressP2TR        AddressType = "p2tr"        // Taproot (bc1p...)
)

// Params contains all parameters for one Bitcoin network.
type Params struct {
	// Identity
	Name    string
	Network Network

	// Address encoding
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	WIF              byte

	// BIP32 HD key magic bytes (for xpub/xprv serialization)
	HDPrivateKeyID [4]byte
	HDPublicKeyID  [4]byte

	// BIP44 coin type (0 = mainnet, 1 = testnet)
	CoinType uint32

	// CoinbaseMaturity is the depth a coinbase output must reach before
	// consensus allows spending it.
	CoinbaseMaturity uint32

	// Default address type for new wallets on this network.
	DefaultAddressType AddressType
}

// Purpose returns the BIP43 purpose field for an address type: 44 for
// legacy, 49 for nested SegWit, 84 for native SegWit, 86 for Taproot.
func Purpose(t AddressType) uint32 {
	switch t {
	case AddressP2SH_P2WPKH:
		return 49
	case AddressP2WPKH:
		return 84
	case AddressP2TR:
		return 86
	default:
		return 44
	}
}

// DerivationPathString renders the BIP43 account-level path for this
// network, e.g. "m/84'/0'/0'".
func (p *Params) DerivationPathString(addrType AddressType, account uint32) string {
	return "m/" + itoa(Purpose(addrType)) + "'/" + itoa(p.CoinType) + "'/" + itoa(account) + "'"
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ParamsFor returns the parameters for a network. Unknown networks fall
// back to mainnet.
func ParamsFor(network Network) *Params {
	if network == Testnet {
		return &TestNetParams
	}
	return &MainNetParams
}

// ChainCfg converts Params to btcd's chaincfg.Params, the form the btcutil
// address constructors and txscript consume.
func (p *Params) ChainCfg() *chaincfg.Params {
	return &chaincfg.Params{
		Name: p.Name,

		PubKeyHashAddrID: p.PubKeyHashAddrID,
		ScriptHashAddrID: p.ScriptHashAddrID,
		PrivateKeyID:     p.WIF,

		Bech32HRPSegwit: p.Bech32HRP,

		HDPrivateKeyID: p.HDPrivateKeyID,
		HDPublicKeyID:  p.HDPublicKeyID,
		HDCoinType:     p.CoinType,
	}
}
