// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package float8 implements conversion to and from the 8-bit floating point formats used by ONNX:
// E4M3FN, E4M3FNUZ, E5M2 and E5M2FNUZ.
//
// See https://onnx.ai/onnx/technical/float8.html for the definition of the formats.
//
// Conversions from float32 round to the nearest representable value (ties to even). When saturating,
// values beyond the largest finite value (infinities included) are clamped to it.
package float8

import (
	"math"
	"slices"
	"sort"
)

// Format describes one of the 8-bit float encodings.
type Format struct {
	Name string

	// ExponentBits and MantissaBits add up to 7 (plus the sign bit).
	ExponentBits, MantissaBits int

	// Bias of the exponent.
	Bias int

	// HasInfinity is true only for E5M2: the all-ones exponent with zero mantissa is infinity.
	HasInfinity bool

	// UnsignedZero formats (FNUZ) have no negative zero: 0x80 is the single NaN.
	UnsignedZero bool

	// values holds the positive finite values sorted ascending, with their codes.
	values []float32
	codes  []uint8
}

var (
	// E4M3FN has 4 exponent bits and 3 mantissa bits, no infinities and NaN as S.1111.111. Max 448.
	E4M3FN = newFormat("E4M3FN", 4, 3, 7, false, false)

	// E4M3FNUZ has no infinities, no negative zero and 0x80 as NaN. Max 240.
	E4M3FNUZ = newFormat("E4M3FNUZ", 4, 3, 8, false, true)

	// E5M2 follows IEEE conventions: infinities are S.11111.00 and NaNs S.11111.{01,10,11}. Max 57344.
	E5M2 = newFormat("E5M2", 5, 2, 15, true, false)

	// E5M2FNUZ has no infinities, no negative zero and 0x80 as NaN. Max 57344.
	E5M2FNUZ = newFormat("E5M2FNUZ", 5, 2, 16, false, true)
)

func newFormat(name string, exponentBits, mantissaBits, bias int, hasInfinity, unsignedZero bool) *Format {
	f := &Format{
		Name:         name,
		ExponentBits: exponentBits,
		MantissaBits: mantissaBits,
		Bias:         bias,
		HasInfinity:  hasInfinity,
		UnsignedZero: unsignedZero,
	}
	type entry struct {
		value float32
		code  uint8
	}
	var entries []entry
	for code := 0; code < 0x80; code++ {
		v := f.ToFloat32(uint8(code))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			continue
		}
		entries = append(entries, entry{v, uint8(code)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].value < entries[j].value })
	for _, e := range entries {
		f.values = append(f.values, e.value)
		f.codes = append(f.codes, e.code)
	}
	return f
}

// NaN returns the canonical (positive when possible) NaN encoding.
func (f *Format) NaN() uint8 {
	if f.UnsignedZero {
		return 0x80
	}
	return 0x7F
}

// MaxValue returns the largest finite value of the format.
func (f *Format) MaxValue() float32 {
	return f.values[len(f.values)-1]
}

// MaxCode returns the positive encoding of MaxValue.
func (f *Format) MaxCode() uint8 {
	return f.codes[len(f.codes)-1]
}

// IsNaN reports whether code encodes a NaN.
func (f *Format) IsNaN(code uint8) bool {
	if f.UnsignedZero {
		return code == 0x80
	}
	mantissaMask := uint8(1)<<f.MantissaBits - 1
	exponent := int(code&0x7F) >> f.MantissaBits
	if f.HasInfinity {
		return exponent == 1<<f.ExponentBits-1 && code&mantissaMask != 0
	}
	return code&0x7F == 0x7F
}

// ToFloat32 decodes the 8-bit code into a float32. Every value of the formats is exactly representable.
func (f *Format) ToFloat32(code uint8) float32 {
	if f.IsNaN(code) {
		return float32(math.NaN())
	}
	negative := code&0x80 != 0
	mantissaMask := uint8(1)<<f.MantissaBits - 1
	exponent := int(code&0x7F) >> f.MantissaBits
	mantissa := float64(code & mantissaMask)
	if f.HasInfinity && exponent == 1<<f.ExponentBits-1 {
		if negative {
			return float32(math.Inf(-1))
		}
		return float32(math.Inf(1))
	}
	var value float64
	if exponent == 0 {
		value = math.Ldexp(mantissa, 1-f.Bias-f.MantissaBits)
	} else {
		value = math.Ldexp(1+mantissa/float64(uint(1)<<f.MantissaBits), exponent-f.Bias)
	}
	if negative {
		value = -value
	}
	return float32(value)
}

// FromFloat32 encodes x, rounding to the nearest value with ties to even.
//
// If saturate is true, values larger in magnitude than MaxValue (infinities included) become ±MaxValue.
// Otherwise they become infinity for E5M2, or NaN for the finite-only formats.
func (f *Format) FromFloat32(x float32, saturate bool) uint8 {
	if math.IsNaN(float64(x)) {
		return f.NaN()
	}
	var sign uint8
	if math.Signbit(float64(x)) {
		sign = 0x80
	}
	abs := float32(math.Abs(float64(x)))

	maxValue := f.MaxValue()
	if abs > maxValue {
		if math.IsInf(float64(abs), 0) || !f.roundsDownToMax(abs) {
			if saturate {
				return sign | f.MaxCode()
			}
			if f.HasInfinity {
				return sign | 0x7C
			}
			if f.UnsignedZero {
				return f.NaN()
			}
			return sign | 0x7F
		}
		return sign | f.MaxCode()
	}

	code := f.nearestCode(abs)
	if code == 0 && f.UnsignedZero {
		// No negative zero.
		return 0
	}
	return sign | code
}

// roundsDownToMax returns whether a value above MaxValue is still closer to it than to the next
// (unrepresentable) step, following the round-to-nearest rule.
func (f *Format) roundsDownToMax(abs float32) bool {
	n := len(f.values)
	half := float64(f.values[n-1]-f.values[n-2]) / 2
	excess := float64(abs) - float64(f.values[n-1])
	if excess < half {
		return true
	}
	if excess == half {
		// Tie: go to the max code only if it is even.
		return f.codes[n-1]&1 == 0
	}
	return false
}

// nearestCode returns the code of the positive value closest to abs, with ties to even.
func (f *Format) nearestCode(abs float32) uint8 {
	idx, found := slices.BinarySearch(f.values, abs)
	if found {
		return f.codes[idx]
	}
	if idx == 0 {
		return f.codes[0]
	}
	if idx == len(f.values) {
		return f.codes[idx-1]
	}
	lower, upper := float64(f.values[idx-1]), float64(f.values[idx])
	dLower, dUpper := float64(abs)-lower, upper-float64(abs)
	switch {
	case dLower < dUpper:
		return f.codes[idx-1]
	case dUpper < dLower:
		return f.codes[idx]
	}
	if f.codes[idx-1]&1 == 0 {
		return f.codes[idx-1]
	}
	return f.codes[idx]
}
