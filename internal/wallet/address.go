package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/spvwallet/internal/chain"
)

// deriveP2PKH derives a legacy P2PKH address (1...).
func deriveP2PKH(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2PKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// deriveP2WPKH derives a native SegWit address (bc1q...).
func deriveP2WPKH(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// DeriveP2SH_P2WPKH derives a nested SegWit address (3...).
func DeriveP2SH_P2WPKH(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return "", fmt.Errorf("failed to create witness address: %w", err)
	}

	witnessScript, err := txscript.PayToAddrScript(witnessAddr)
	if err != nil {
		return "", fmt.Errorf("failed to create witness script: %w", err)
	}

	scriptHash := btcutil.Hash160(witnessScript)
	addr, err := btcutil.NewAddressScriptHashFromHash(scriptHash, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2SH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// AllAddressTypes derives every supported address encoding for a public key.
func AllAddressTypes(pubKey *btcec.PublicKey, params *chain.Params) (map[chain.AddressType]string, error) {
	chainParams := params.ChainCfg()
	addresses := make(map[chain.AddressType]string)

	if p2pkh, err := deriveP2PKH(pubKey, chainParams); err == nil {
		addresses[chain.AddressP2PKH] = p2pkh
	}
	if p2wpkh, err := deriveP2WPKH(pubKey, chainParams); err == nil {
		addresses[chain.AddressP2WPKH] = p2wpkh
	}
	if p2shP2wpkh, err := DeriveP2SH_P2WPKH(pubKey, chainParams); err == nil {
		addresses[chain.AddressP2SH_P2WPKH] = p2shP2wpkh
	}

	return addresses, nil
}

// ValidateAddress checks if an address is valid for a network.
func ValidateAddress(address string, params *chain.Params) bool {
	_, err := btcutil.DecodeAddress(address, params.ChainCfg())
	return err == nil
}

// ParseAddress decodes an address and reports its type.
func ParseAddress(address string, params *chain.Params) (btcutil.Address, chain.AddressType, error) {
	decoded, err := btcutil.DecodeAddress(address, params.ChainCfg())
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode address: %w", err)
	}

	var addrType chain.AddressType
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		addrType = chain.AddressP2PKH
	case *btcutil.AddressScriptHash:
		addrType = chain.AddressP2SH
	case *btcutil.AddressWitnessPubKeyHash:
		addrType = chain.AddressP2WPKH
	case *btcutil.AddressWitnessScriptHash:
		addrType = chain.AddressP2WSH
	case *btcutil.AddressTaproot:
		addrType = chain.AddressP2TR
	default:
		addrType = "unknown"
	}

	return decoded, addrType, nil
}

// AddressToScript resolves an address string to the scriptPubKey that pays
// it, the form the transaction builder consumes.
func AddressToScript(address string, params *chain.Params) ([]byte, error) {
	decoded, _, err := ParseAddress(address, params)
	if err != nil {
		return nil, err
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to build script for %s: %w", address, err)
	}
	return script, nil
}

// PrivateKeyToWIF converts a private key to Wallet Import Format.
func PrivateKeyToWIF(privKey *btcec.PrivateKey, params *chain.Params) (string, error) {
	wif, err := btcutil.NewWIF(privKey, params.ChainCfg(), true)
	if err != nil {
		return "", fmt.Errorf("failed to create WIF: %w", err)
	}
	return wif.String(), nil
}

// WIFToPrivateKey converts a WIF string to a private key.
func WIFToPrivateKey(wifStr string, params *chain.Params) (*btcec.PrivateKey, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode WIF: %w", err)
	}

	if !wif.IsForNet(params.ChainCfg()) {
		return nil, fmt.Errorf("WIF is for different network")
	}

	return wif.PrivKey, nil
}
