package protocol

import (
	"math"

	"github.com/shopspring/decimal"

	"klipper-analog-probe/pkg/errors"
)

// Scale is the fixed-point multiplier of a wire field.
type Scale int64

const (
	// Milli carries tare, current and threshold values.
	Milli Scale = 1000
	// Centi carries the standard deviation multiplier.
	Centi Scale = 100
)

// Decimals returns the number of fractional digits the scale resolves.
func (s Scale) Decimals() int32 {
	return int32(math.Round(math.Log10(float64(s))))
}

// Resolution returns the smallest representable step.
func (s Scale) Resolution() float64 {
	return 1 / float64(s)
}

// EncodeFixed converts v to its unsigned wire integer, rounding half
// away from zero to the scale's resolution.
func EncodeFixed(field string, v float64, s Scale) (uint32, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.ProtocolError(field, "value %v is not finite", v)
	}
	scaled := decimal.NewFromFloat(v).Mul(decimal.NewFromInt(int64(s))).Round(0)
	if scaled.IsNegative() {
		return 0, errors.ProtocolError(field, "value %v is negative", v)
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxUint32)) {
		return 0, errors.ProtocolError(field, "value %v overflows x%d encoding", v, s)
	}
	return uint32(scaled.IntPart()), nil
}

// DecodeFixed converts a wire integer back to its value.
func DecodeFixed(raw uint32, s Scale) float64 {
	f, _ := decimal.NewFromInt(int64(raw)).Div(decimal.NewFromInt(int64(s))).Float64()
	return f
}

// Quantize returns v as it will read back after a wire round trip.
func Quantize(field string, v float64, s Scale) (float64, error) {
	raw, err := EncodeFixed(field, v, s)
	if err != nil {
		return 0, err
	}
	return DecodeFixed(raw, s), nil
}

// FormatFixed renders v with the scale's number of decimals.
func FormatFixed(v float64, s Scale) string {
	return decimal.NewFromFloat(v).StringFixed(s.Decimals())
}
