// Package asset handles on-chain address parsing and validation for token
// mints and wallets.
package asset

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/mr-tron/base58"
)

// AddressLen is the decoded length of a public key address.
const AddressLen = 32

// addressRegex matches the base58 alphabet (no 0, O, I, l) at the lengths a
// 32-byte key can encode to.
var addressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

var (
	ErrInvalidAddress = errors.New("asset: invalid address format")
	ErrInvalidLength  = errors.New("asset: address does not decode to 32 bytes")
)

// NativeMint is the wrapped-SOL mint used as the quote side of every swap.
const NativeMint = "So11111111111111111111111111111111111111112"

// Address is a validated base58 public key.
type Address string

// ParseAddress validates a base58 address string.
func ParseAddress(s string) (Address, error) {
	if !addressRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != AddressLen {
		return "", fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidLength, s, len(raw))
	}
	return Address(s), nil
}

// Valid reports whether s is a well-formed address.
func Valid(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}

// Short abbreviates an address for log lines and alerts.
func Short(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}

func (a Address) String() string { return string(a) }
