package web3

import (
	"math/big"
	"strconv"
)

// ToBaseUnits converts a decimal amount into integer base units, flooring any
// remainder. The float is read through its shortest decimal representation so
// that 0.1 ether becomes exactly 10^17 wei.
func ToBaseUnits(amount float64, decimals uint8) *big.Int {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok || r.Sign() <= 0 {
		return new(big.Int)
	}
	r.Mul(r, new(big.Rat).SetInt(pow10(decimals)))
	return floor(r)
}

// FromBaseUnits renders base units as a decimal string.
func FromBaseUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(value, pow10(decimals))
	s := r.FloatString(int(decimals))
	if decimals == 0 {
		return s
	}
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}

// MulRatio returns floor(value * ratio) with the ratio taken at its decimal
// representation, so 0.85 is applied as 17/20.
func MulRatio(value *big.Int, ratio float64) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	r := Ratio(ratio)
	r.Mul(r, new(big.Rat).SetInt(value))
	return floor(r)
}

// Ratio parses a float into an exact rational.
func Ratio(v float64) *big.Rat {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return new(big.Rat)
	}
	return r
}

// Floor truncates a non-negative rational towards zero.
func Floor(r *big.Rat) *big.Int {
	return floor(new(big.Rat).Set(r))
}

func floor(r *big.Rat) *big.Int {
	return new(big.Int).Quo(r.Num(), r.Denom())
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
