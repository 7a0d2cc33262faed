// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bfloat16

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromFloat32(t *testing.T) {
	assert.Equal(t, uint16(0x3F80), FromFloat32(1.0).Bits())
	assert.Equal(t, uint16(0x3F00), FromFloat32(0.5).Bits())
	assert.Equal(t, uint16(0x0000), FromFloat32(0).Bits())
	assert.Equal(t, float32(1), FromFloat32(1).Float32())
	assert.Equal(t, "-2.5", FromFloat64(-2.5).String())

	// 1 + 2^-8 is exactly halfway between 1 and 1+2^-7: ties go to even (1.0).
	assert.Equal(t, float32(1), FromFloat32(1+1.0/256).Float32())
	// 1 + 3*2^-8 is halfway between 1+2^-7 and 1+2^-6: ties go to even (1+2^-6).
	assert.Equal(t, float32(1+1.0/64), FromFloat32(1+3.0/256).Float32())
	assert.Equal(t, float32(1), FromFloat32Truncated(1+3.0/256).Float32())

	assert.True(t, math.IsNaN(float64(FromFloat32(float32(math.NaN())).Float32())))
	assert.True(t, math.IsInf(float64(Inf(1).Float32()), 1))
	assert.True(t, math.IsInf(float64(Inf(-1).Float32()), -1))
}
