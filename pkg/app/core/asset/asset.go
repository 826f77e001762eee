// Package asset identifies the assets held by the exchange and converts
// between human-readable decimal amounts and 18-decimal minor units.
package asset

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Native is the sentinel identifier of the platform's base asset.
// No token contract can live at the zero address.
var Native = common.Address{}

// Decimals is the minor-unit precision of every asset on the exchange.
const Decimals = 18

// IsNative reports whether a identifies the native asset.
func IsNative(a common.Address) bool { return a == Native }

// Label returns "ETH" for the native asset and the checksummed hex otherwise.
func Label(a common.Address) string {
	if IsNative(a) {
		return "ETH"
	}
	return a.Hex()
}

// ParseUnits converts a decimal string such as "0.9" into minor units.
// Negative values, excess precision and values beyond 256 bits are rejected.
func ParseUnits(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %q exceeds %d decimals", s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %q overflows 256 bits", s)
	}
	return v, nil
}

// FormatUnits renders minor units as a decimal string without trailing zeros.
func FormatUnits(x *uint256.Int, decimals int32) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x.ToBig(), -decimals).String()
}

// ToDecimal converts minor units into a decimal value in whole units.
func ToDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}

// Ether parses s as whole native units. It panics on malformed input and is
// meant for fixtures and devnet seeding.
func Ether(s string) *uint256.Int { return mustParse(s) }

// Tokens parses s as whole token units. It panics on malformed input.
func Tokens(s string) *uint256.Int { return mustParse(s) }

func mustParse(s string) *uint256.Int {
	v, err := ParseUnits(s, Decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseAmount parses a minor-unit integer string ("1000000000000000000").
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}
