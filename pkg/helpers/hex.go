// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"encoding/hex"
	"fmt"
)

// HexToBytes converts a hex string to bytes.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a lowercase hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// ReverseHex decodes a hex string, reverses the bytes and re-encodes -
// converting between the display (big-endian) and wire (little-endian)
// forms of a txid or block hash.
func ReverseHex(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return hex.EncodeToString(ReverseBytes(b)), nil
}
