package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrorCodeSuccess, GetErrorCode(nil))
	assert.Equal(t, ErrorCodePeerFrozen, GetErrorCode(ErrPeerFrozen))
	assert.Equal(t, ErrorCodeConnectionLost, GetErrorCode(fmt.Errorf("read: %w", ErrConnectionLost)))
	assert.Equal(t, ErrorCodeSlotNotFound, GetErrorCode(Errorf(ErrorCodeSlotNotFound, "event %d", 9)))
	assert.Equal(t, ErrorCodeUnknown, GetErrorCode(errors.New("boom")))
}

func TestError_Classification(t *testing.T) {
	recoverable := []ErrorCode{
		ErrorCodeConnectionLost,
		ErrorCodeConnectionRefused,
		ErrorCodeConnectionTimeout,
		ErrorCodePeerFrozen,
		ErrorCodeNotConnected,
		ErrorCodeQueueFull,
		ErrorCodeNotRunning,
	}
	for _, code := range recoverable {
		e := NewError(code, code.String(), nil)
		assert.True(t, e.IsRecoverable(), code.String())
		assert.False(t, e.IsFatal(), code.String())
	}

	for _, code := range []ErrorCode{ErrorCodeSlotNotFound, ErrorCodeInvalidMessage, ErrorCodeProtocolViolation} {
		e := NewError(code, code.String(), nil)
		assert.False(t, e.IsRecoverable(), code.String())
		assert.True(t, e.IsFatal(), code.String())
	}

	assert.False(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(ErrServiceNotAvailable))
	assert.True(t, IsRecoverable(fmt.Errorf("dial: %w", ErrConnectionRefused)))
}

func TestWrapError(t *testing.T) {
	cause := fmt.Errorf("write: %w", ErrConnectionClosed)
	wrapped := WrapError(cause, "forward failed").WithContext("peer", "p1")

	require.Equal(t, ErrorCodeConnectionClosed, wrapped.Code)
	assert.ErrorIs(t, wrapped, ErrConnectionClosed)
	assert.Equal(t, "p1", wrapped.Context["peer"])
	assert.Contains(t, wrapped.Error(), "forward failed")
	assert.Equal(t, "code_12345", ErrorCode(12345).String())
}

func TestGetErrorCode_SeveralSentinels(t *testing.T) {
	joined := errors.Join(ErrOverloaded, ErrConnectionLost)
	wrapped := fmt.Errorf("write: %w after %w", ErrFrameTooLarge, ErrConnectionClosed)

	for i := 0; i < 50; i++ {
		assert.Equal(t, ErrorCodeConnectionLost, GetErrorCode(joined), "table order decides")
		assert.Equal(t, ErrorCodeConnectionClosed, GetErrorCode(wrapped))
	}
	assert.True(t, IsRecoverable(joined))
}
