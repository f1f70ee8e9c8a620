package evm

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	if len(s) != 42 || !(strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// ChecksumAddress returns the EIP-55 mixed-case form of an address.
func ChecksumAddress(address string) (string, error) {
	if !IsAddress(address) {
		return "", fmt.Errorf("invalid EVM address: %q", address)
	}

	lower := strings.ToLower(address[2:])

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(lower))
	hash := hex.EncodeToString(hasher.Sum(nil))

	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			out[i] = c - ('a' - 'A')
		}
	}
	return "0x" + string(out), nil
}
