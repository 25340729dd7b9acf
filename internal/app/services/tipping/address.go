package tipping

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
)

// normalizeAddress returns the EIP-55 checksum form of a 0x address. A
// mixed-case input that fails its own checksum is rejected; all-lower and
// all-upper inputs are normalized without a check.
func normalizeAddress(raw string) (string, error) {
	hexPart := raw[2:]
	checksummed := checksumAddress(hexPart)

	lower := strings.ToLower(hexPart)
	if hexPart != lower && hexPart != strings.ToUpper(hexPart) && raw != checksummed {
		return "", apperr.InvalidInput("address %s fails its checksum", raw)
	}
	return checksummed, nil
}

// checksumAddress applies the EIP-55 casing rule: each alphabetic nibble is
// uppercased when the corresponding nibble of keccak256(lowercase address) is
// ≥ 8.
func checksumAddress(hexPart string) string {
	lower := strings.ToLower(hexPart)

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(lower))
	hash := hex.EncodeToString(hasher.Sum(nil))

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			c = c - 'a' + 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}
