// Package amount provides arbitrary-precision arithmetic over the
// decimal-string token amounts used throughout the gateway. Allowances and
// payments represent on-chain token quantities, so every comparison and
// mutation goes through math/big integers; floating point is never used.
package amount

import (
	"fmt"
	"math/big"
	"strings"
)

// Parse converts a base-10 amount string to a big integer.
// Rejects empty strings, non-numeric input, and negative values.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}

	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", s)
	}

	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %q", s)
	}

	return n, nil
}

// IsPositive reports whether s parses to a strictly positive integer.
func IsPositive(s string) bool {
	n, err := Parse(s)
	if err != nil {
		return false
	}
	return n.Sign() > 0
}

// Cmp compares two amount strings as integers.
// Returns -1 if a < b, 0 if a == b, +1 if a > b.
func Cmp(a, b string) (int, error) {
	na, err := Parse(a)
	if err != nil {
		return 0, fmt.Errorf("left operand: %w", err)
	}

	nb, err := Parse(b)
	if err != nil {
		return 0, fmt.Errorf("right operand: %w", err)
	}

	return na.Cmp(nb), nil
}

// Add returns a + b as a decimal string.
func Add(a, b string) (string, error) {
	na, err := Parse(a)
	if err != nil {
		return "", fmt.Errorf("left operand: %w", err)
	}

	nb, err := Parse(b)
	if err != nil {
		return "", fmt.Errorf("right operand: %w", err)
	}

	return new(big.Int).Add(na, nb).String(), nil
}

// Sub returns a - b as a decimal string. The result must not go negative;
// allowance arithmetic never underflows.
func Sub(a, b string) (string, error) {
	na, err := Parse(a)
	if err != nil {
		return "", fmt.Errorf("left operand: %w", err)
	}

	nb, err := Parse(b)
	if err != nil {
		return "", fmt.Errorf("right operand: %w", err)
	}

	if na.Cmp(nb) < 0 {
		return "", fmt.Errorf("subtraction underflow: %s - %s", a, b)
	}

	return new(big.Int).Sub(na, nb).String(), nil
}

// Uint64 converts an amount string to uint64 for on-chain call arguments.
// Fails if the value does not fit.
func Uint64(s string) (uint64, error) {
	n, err := Parse(s)
	if err != nil {
		return 0, err
	}

	if !n.IsUint64() {
		return 0, fmt.Errorf("amount does not fit in uint64: %q", s)
	}

	return n.Uint64(), nil
}
