package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrorTypeUseAfterFree, "free on freed partition")
	assert.Equal(t, "use_after_free: free on freed partition", err.Error())

	wrapped := Wrap(fmt.Errorf("driver said no"), ErrorTypeDeviceAllocation, "allocating buffer")
	assert.Contains(t, wrapped.Error(), "device_allocation_failure")
	assert.Contains(t, wrapped.Error(), "driver said no")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))
}

func TestIsTypeThroughWrapping(t *testing.T) {
	inner := New(ErrorTypeDeviceAllocation, "out of memory")
	outer := Wrap(inner, ErrorTypeDeviceAllocation, "transferring column")

	assert.True(t, IsType(outer, ErrorTypeDeviceAllocation))
	assert.False(t, IsType(outer, ErrorTypeUseAfterFree))
	assert.False(t, IsType(errors.New("plain"), ErrorTypeInternal))

	var e *Error
	require.True(t, errors.As(outer, &e))
	assert.Equal(t, inner, errors.Unwrap(outer))
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "refused")))
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "deadline")))
	assert.False(t, IsRetryable(New(ErrorTypeAgentAcknowledgment, "rejected")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestDetailsAndStack(t *testing.T) {
	err := Newf(ErrorTypeWireFormatCorruption, "truncated at %d", 42).
		WithDetail("partition", "p1").
		WithDetail("column", "id")

	assert.Equal(t, "p1", err.Details["partition"])
	assert.Equal(t, "id", err.Details["column"])
	assert.NotEmpty(t, err.Stack)
}
