package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceErrorMatchesSentinelByKind(t *testing.T) {
	err := New(KindTimeout, "SendCommand", errors.New("no terminator after 100ms"))
	wrapped := fmt.Errorf("leica hub: %w", err)

	require.True(t, errors.Is(wrapped, ErrTimeout))
	assert.False(t, errors.Is(wrapped, ErrProtocolMismatch))
	assert.Equal(t, KindTimeout, KindOf(wrapped))
}

func TestDeviceErrorUnwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := New(KindTransport, "write", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "write: transport failure: broken pipe", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestSentinelMessage(t *testing.T) {
	assert.Equal(t, "no available device", ErrNoAvailableDevice.Error())
	assert.Equal(t, "kind(99)", Kind(99).String())
}

func TestNewf(t *testing.T) {
	err := Newf(KindInvalidArgument, "encode", "device id %d out of range", 120)
	assert.Equal(t, "encode: invalid argument: device id 120 out of range", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
