// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gradgraph/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 8, 1, 4)
	assert.Equal(t, 3, s.Rank())
	assert.Equal(t, 4, s.Dim(-1))
	assert.Equal(t, 8, s.Dim(0))
	assert.Equal(t, 32, s.Size())
	assert.True(t, s.IsFullyConcrete())
	assert.Equal(t, "(Float32)[8 1 4]", s.String())
	assert.Equal(t, []int64{8, 1, 4}, s.Int64Dimensions())
	assert.Panics(t, func() { _ = s.Dim(3) })
	assert.Panics(t, func() { _ = Make(dtypes.Float32, -2) })

	scalar := Scalar(dtypes.Float16)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, "(Float16)", scalar.String())
}

func TestMakeDynamic(t *testing.T) {
	s := MakeDynamic(dtypes.Float32, "batch", 128, DimDynamic)
	require.Equal(t, 3, s.Rank())
	assert.True(t, s.IsDynamic())
	assert.True(t, s.HasNamedAxes())
	assert.True(t, s.IsSymbolic(0))
	assert.False(t, s.IsSymbolic(1))
	assert.False(t, s.IsSymbolic(2))
	assert.False(t, s.IsResolvable())
	assert.Equal(t, "(Float32)[batch 128 ?]", s.String())
	assert.Panics(t, func() { _ = s.Size() })

	s2 := MakeDynamic(dtypes.Float32, "batch", 128)
	assert.True(t, s2.IsResolvable())
	assert.Panics(t, func() { MakeDynamic(dtypes.Float32, 1.5) })
	assert.Panics(t, func() { MakeDynamic(dtypes.Float32, "") })
}

func TestUnranked(t *testing.T) {
	s := MakeUnranked(dtypes.BFloat16)
	assert.Equal(t, -1, s.Rank())
	assert.True(t, s.IsDynamic())
	assert.False(t, s.IsScalar())
	assert.False(t, s.IsResolvable())
	assert.Equal(t, "(BFloat16)[...]", s.String())
	assert.False(t, s.Equal(Scalar(dtypes.BFloat16)))
}

func TestEqualAndClone(t *testing.T) {
	s := MakeDynamic(dtypes.Float32, "batch", 4)
	c := s.Clone()
	assert.True(t, s.Equal(c))
	c.AxisNames[0] = "seq"
	assert.False(t, s.Equal(c))
	assert.Equal(t, "batch", s.AxisName(0))

	assert.False(t, s.Equal(s.WithDType(dtypes.Float16)))
	assert.True(t, s.EqualDimensions(s.WithDType(dtypes.Float16)))
}
