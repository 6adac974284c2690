// Package money provides exact decimal arithmetic for monetary values.
// Amounts are carried as arbitrary-precision decimals; binary floating
// point must never be used for money.
package money

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

var ctx = apd.BaseContext.WithPrecision(34)

// Decimal is an immutable exact decimal value.
type Decimal struct {
	value apd.Decimal
}

// Parse builds a Decimal from its string form.
func Parse(s string) (Decimal, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return Decimal{value: d}, nil
}

// MustParse is Parse for literals known to be valid. It panics otherwise.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Zero returns the zero amount.
func Zero() Decimal {
	return Decimal{}
}

func (d Decimal) String() string {
	return d.value.Text('f')
}

func (d Decimal) IsZero() bool {
	return d.value.IsZero()
}

func (d Decimal) IsNegative() bool {
	return d.value.Negative && !d.value.IsZero()
}

func (d Decimal) Cmp(other Decimal) int {
	return d.value.Cmp(&other.value)
}

func (d Decimal) Add(other Decimal) Decimal {
	var result apd.Decimal
	ctx.Add(&result, &d.value, &other.value)
	return Decimal{value: result}
}

func (d Decimal) Sub(other Decimal) Decimal {
	var result apd.Decimal
	ctx.Sub(&result, &d.value, &other.value)
	return Decimal{value: result}
}

func (d Decimal) Mul(other Decimal) Decimal {
	var result apd.Decimal
	ctx.Mul(&result, &d.value, &other.value)
	return Decimal{value: result}
}

func (d Decimal) Div(other Decimal) Decimal {
	var result apd.Decimal
	ctx.Quo(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Round2 quantizes the value to exactly two decimal places, the scale
// at which every amount is quoted.
func (d Decimal) Round2() Decimal {
	var result apd.Decimal
	ctx.Quantize(&result, &d.value, -2)
	return Decimal{value: result}
}
