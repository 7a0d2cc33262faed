// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !nofloat8

package gradient

// float8Enabled controls whether constants support the 8-bit float dtypes.
// Build with the "nofloat8" tag to disable it.
const float8Enabled = true
