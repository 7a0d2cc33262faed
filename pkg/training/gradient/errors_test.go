// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContractError(t *testing.T) {
	err := newContractError(ErrIndexOutOfRange, "add0", "Add", "input index %d out of range", 3)
	assert.Equal(t, `gradient of Add node "add0": ErrIndexOutOfRange: input index 3 out of range`, err.Error())
	assert.True(t, IsKind(err, ErrIndexOutOfRange))
	assert.False(t, IsKind(err, ErrNilNode))

	wrapped := errors.WithMessage(err, "while building")
	contractErr := AsContractError(wrapped)
	require.NotNil(t, contractErr)
	assert.Equal(t, "add0", contractErr.NodeName)
	assert.Equal(t, "Add", contractErr.OpType)
	assert.Nil(t, AsContractError(errors.New("other")))

	anonymous := &ContractError{Kind: ErrNilNode, Message: "no node"}
	assert.Equal(t, "gradient: ErrNilNode: no node", anonymous.Error())
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "ErrInvalidAttribute", ErrInvalidAttribute.String())
	assert.Equal(t, "ErrSymbolicBroadcast", ErrSymbolicBroadcast.String())
	assert.Equal(t, "ErrorKind(42)", ErrorKind(42).String())
	for kind := ErrIndexOutOfRange; kind <= ErrInvalidAttribute; kind++ {
		assert.NotEmpty(t, errorKindNames[kind], "kind %d has no name", int(kind))
	}
}
