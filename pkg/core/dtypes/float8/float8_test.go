// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package float8

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownEncodings(t *testing.T) {
	testCases := []struct {
		format         *Format
		one, half, max uint8
		maxValue       float32
	}{
		{E4M3FN, 0x38, 0x30, 0x7E, 448},
		{E4M3FNUZ, 0x40, 0x38, 0x7F, 240},
		{E5M2, 0x3C, 0x38, 0x7B, 57344},
		{E5M2FNUZ, 0x40, 0x3C, 0x7F, 57344},
	}
	for _, tc := range testCases {
		t.Run(tc.format.Name, func(t *testing.T) {
			assert.Equal(t, tc.one, tc.format.FromFloat32(1, true))
			assert.Equal(t, tc.half, tc.format.FromFloat32(0.5, true))
			assert.Equal(t, float32(1), tc.format.ToFloat32(tc.one))
			assert.Equal(t, float32(0.5), tc.format.ToFloat32(tc.half))
			assert.Equal(t, tc.maxValue, tc.format.MaxValue())
			assert.Equal(t, tc.max, tc.format.MaxCode())
			assert.Equal(t, float32(-1), tc.format.ToFloat32(tc.format.FromFloat32(-1, true)))
			assert.Equal(t, uint8(0), tc.format.FromFloat32(0, true))
		})
	}
}

func TestSaturation(t *testing.T) {
	for _, f := range []*Format{E4M3FN, E4M3FNUZ, E5M2, E5M2FNUZ} {
		t.Run(f.Name, func(t *testing.T) {
			assert.Equal(t, f.MaxCode(), f.FromFloat32(1e9, true))
			assert.Equal(t, f.MaxCode()|0x80, f.FromFloat32(-1e9, true))
			assert.Equal(t, f.MaxCode(), f.FromFloat32(float32(math.Inf(1)), true))
			assert.True(t, f.IsNaN(f.FromFloat32(float32(math.NaN()), true)))
		})
	}
	assert.Equal(t, uint8(0x7C), E5M2.FromFloat32(1e9, false))
	assert.True(t, math.IsInf(float64(E5M2.ToFloat32(0x7C)), 1))
	assert.True(t, E4M3FN.IsNaN(E4M3FN.FromFloat32(1e9, false)))
	assert.Equal(t, uint8(0x80), E4M3FNUZ.FromFloat32(1e9, false))
}

func TestRoundTrip(t *testing.T) {
	for _, f := range []*Format{E4M3FN, E4M3FNUZ, E5M2, E5M2FNUZ} {
		t.Run(f.Name, func(t *testing.T) {
			for code := 0; code < 256; code++ {
				v := f.ToFloat32(uint8(code))
				if math.IsNaN(float64(v)) {
					continue
				}
				got := f.FromFloat32(v, false)
				if v == 0 {
					require.Equal(t, float32(0), f.ToFloat32(got))
					continue
				}
				require.Equalf(t, uint8(code), got, "code 0x%02x (%g)", code, v)
			}
		})
	}
}

func TestRoundingTiesToEven(t *testing.T) {
	// E4M3FN: around 1.0 the step is 1/8. 1+1/16 is a tie between 1.0 (0x38, even) and 1.125 (0x39).
	assert.Equal(t, uint8(0x38), E4M3FN.FromFloat32(1+1.0/16, true))
	// 1.125+1/16 is a tie between 0x39 (odd) and 0x3A (even).
	assert.Equal(t, uint8(0x3A), E4M3FN.FromFloat32(1.125+1.0/16, true))
	assert.Equal(t, uint8(0x39), E4M3FN.FromFloat32(1.1, true))

	// Values below half of the smallest subnormal round to zero; FNUZ formats have no negative zero.
	assert.Equal(t, uint8(0x80), E4M3FN.FromFloat32(-1e-10, true))
	assert.Equal(t, uint8(0x00), E4M3FNUZ.FromFloat32(-1e-10, true))
	assert.Equal(t, uint8(0x01), E4M3FN.FromFloat32(float32(math.Ldexp(1, -9)), true))
}
