package utils

import "math/big"

// CeilDiv returns ceil(a / b) for non-negative a and positive b.
// Used for fee-token conversion so the sponsor never under-collects
// by a rounding error.
func CeilDiv(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		panic("utils: CeilDiv by zero")
	}
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// MulDiv returns floor(a * b / c).
func MulDiv(a, b, c *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, c)
}

// Pow10 returns 10^n as a big.Int.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
