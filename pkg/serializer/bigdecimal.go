package serializer

import "math/big"

// BigDecimal is an arbitrary-precision decimal: Unscaled * 10^(-Scale).
// It is the Go-native equivalent of a BigDecimal value: a pair of an
// unscaled arbitrary-precision integer and an integer scale, rather than a
// distinct decimal primitive (Go has none, and none of the example modules
// carry one either).
type BigDecimal struct {
	Unscaled *big.Int
	Scale    int32
}

// NewBigDecimal constructs a BigDecimal from an unscaled integer and scale.
func NewBigDecimal(unscaled *big.Int, scale int32) BigDecimal {
	return BigDecimal{Unscaled: unscaled, Scale: scale}
}

// Equal reports whether two BigDecimal values have the same unscaled value
// and scale (not whether they represent the same numeric value at different
// scales).
func (d BigDecimal) Equal(other BigDecimal) bool {
	if d.Scale != other.Scale {
		return false
	}

	if d.Unscaled == nil || other.Unscaled == nil {
		return d.Unscaled == other.Unscaled
	}

	return d.Unscaled.Cmp(other.Unscaled) == 0
}
