package models

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress returns the canonical form of an address. Hex account
// addresses are rendered with their EIP-55 checksum; anything else is
// lower-cased so mixed-case labels still compare equal.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if common.IsHexAddress(address) {
		return common.HexToAddress(address).Hex()
	}
	return strings.ToLower(address)
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ShortAddress renders 0x1234...abcd for display.
func ShortAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}
