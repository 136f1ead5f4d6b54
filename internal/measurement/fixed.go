package measurement

import "github.com/shopspring/decimal"

// Fixed is a decimal value carried with the number of places it is shown
// with, so 78.8 kg stays "78.800".
type Fixed struct {
	Value  decimal.Decimal
	Places int32
}

// NewFixed returns units × 10^-places.
func NewFixed(units int64, places int32) Fixed {
	return Fixed{Value: decimal.New(units, -places), Places: places}
}

// scale multiplies raw by res and rounds half-up to places decimals. Raw
// values are unsigned, so Round's half-away-from-zero is half-up here.
func scale(raw uint32, res decimal.Decimal, places int32) Fixed {
	return Fixed{Value: decimal.NewFromInt(int64(raw)).Mul(res).Round(places), Places: places}
}

// Float64 returns the nearest float64. Use String for display.
func (f Fixed) Float64() float64 {
	return f.Value.InexactFloat64()
}

// String formats the value with exactly Places decimals, e.g. "78.800".
func (f Fixed) String() string {
	return f.Value.StringFixed(f.Places)
}
