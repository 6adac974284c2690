package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("ten euros")
	assert.Error(t, err)

	_, err = Parse("")
	assert.Error(t, err)
}

func TestArithmeticIsExact(t *testing.T) {
	// 0.1 + 0.2 is the classic binary float trap.
	sum := MustParse("0.1").Add(MustParse("0.2"))
	assert.Equal(t, "0.3", sum.String())

	product := MustParse("12.50").Mul(MustParse("3"))
	assert.Equal(t, "37.50", product.String())

	diff := MustParse("1.00").Sub(MustParse("1.00"))
	assert.True(t, diff.IsZero())
}

func TestRound2(t *testing.T) {
	assert.Equal(t, "7.43", MustParse("7.434").Round2().String())
	assert.Equal(t, "7.44", MustParse("7.435").Round2().String())
	assert.Equal(t, "0.00", Zero().Round2().String())
	assert.Equal(t, "5.00", MustParse("5").Round2().String())
}

func TestComparisons(t *testing.T) {
	require.Equal(t, 0, MustParse("10.00").Cmp(MustParse("10")))
	assert.Equal(t, -1, MustParse("9.99").Cmp(MustParse("10")))
	assert.Equal(t, 1, MustParse("10.01").Cmp(MustParse("10")))

	assert.True(t, MustParse("-0.01").IsNegative())
	assert.False(t, Zero().IsNegative())
	assert.False(t, MustParse("0.01").IsNegative())
}

func TestDivision(t *testing.T) {
	share := MustParse("100").Mul(MustParse("30")).Div(MustParse("100"))
	assert.Equal(t, 0, share.Cmp(MustParse("30")))
}
