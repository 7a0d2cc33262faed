// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"flag"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"w": 1, "b": 2, "x": 3}
	assert.Equal(t, []string{"b", "w", "x"}, SortedKeys(m))
	assert.Empty(t, SortedKeys(map[int]bool{}))
}

func TestMap(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, Map([]int{1, 2, 3}, strconv.Itoa))
}

func TestFlagSet(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	names := FlagSet(fs, "x", []string{"w"}, "names", func(s string) (string, error) { return s, nil })
	ints := FlagSet(fs, "axes", nil, "axes", strconv.Atoi)
	assert.Equal(t, []string{"w"}, *names)

	require.NoError(t, fs.Parse([]string{"-x", "w, b", "-axes=0,1"}))
	assert.Equal(t, []string{"w", "b"}, *names)
	assert.Equal(t, []int{0, 1}, *ints)
	assert.Equal(t, "0,1", fs.Lookup("axes").Value.String())

	assert.Error(t, fs.Parse([]string{"-axes=a"}))
}
