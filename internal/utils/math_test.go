package utils

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCeilDiv(t *testing.T) {
	cases := []struct {
		a, b, want int64
	}{
		{0, 5, 0},
		{10, 5, 2},
		{11, 5, 3},
		{1, 1000000, 1},
		{999999, 1000000, 1},
		{1000001, 1000000, 2},
	}
	for _, c := range cases {
		got := CeilDiv(big.NewInt(c.a), big.NewInt(c.b))
		assert.Equal(t, c.want, got.Int64(), "CeilDiv(%d, %d)", c.a, c.b)
	}
}

func TestCeilDivNeverUnderCounts(t *testing.T) {
	// Reconstructing the dividend from the quotient must never fall short.
	b := big.NewInt(1_000_000)
	for a := int64(1); a < 5_000_000; a += 37_777 {
		q := CeilDiv(big.NewInt(a), b)
		back := new(big.Int).Mul(q, b)
		assert.True(t, back.Cmp(big.NewInt(a)) >= 0)
	}
}

func TestPow10(t *testing.T) {
	assert.Equal(t, "1", Pow10(0).String())
	assert.Equal(t, "1000000", Pow10(6).String())
	assert.Equal(t, "1000000000000000000", Pow10(18).String())
}
