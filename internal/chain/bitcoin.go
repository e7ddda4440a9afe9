package chain

// MainNetParams are the Bitcoin mainnet parameters.
var MainNetParams = Params{
	Name:    "Bitcoin",
	Network: Mainnet,

	// Mainnet address prefixes
	PubKeyHashAddrID: 0x00, // 1...
	ScriptHashAddrID: 0x05, // 3...
	Bech32HRP:        "bc",
	WIF:              0x80,

	// BIP32 HD key prefixes (xprv/xpub)
	HDPrivateKeyID: [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
	HDPublicKeyID:  [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub

	CoinType:         0,
	CoinbaseMaturity: 100,

	DefaultAddressType: AddressP2WPKH,
}

// TestNetParams are the Bitcoin testnet3 parameters.
var TestNetParams = Params{
	Name:    "Bitcoin Testnet",
	Network: Testnet,

	// Testnet address prefixes
	PubKeyHashAddrID: 0x6F, // m or n
	ScriptHashAddrID: 0xC4, // 2...
	Bech32HRP:        "tb",
	WIF:              0xEF,

	// BIP32 HD key prefixes (tprv/tpub)
	HDPrivateKeyID: [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
	HDPublicKeyID:  [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub

	// Testnet uses coin type 1
	CoinType:         1,
	CoinbaseMaturity: 100,

	DefaultAddressType: AddressP2WPKH,
}
