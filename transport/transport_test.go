package transport

import (
	"errors"
	"testing"
	"time"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubReadsUntilTerminator(t *testing.T) {
	s := NewStub("stub", func(req []byte) []byte {
		return append(append([]byte(nil), req...), '\r', 'X')
	})

	require.NoError(t, s.Write([]byte("ping")))
	frame, err := s.ReadFrame(UntilTerminator([]byte("\r")), 0, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping\r"), frame)
	assert.Equal(t, []byte("X"), s.Pending(), "байты после терминатора должны остаться в буфере")
}

func TestStubReadsFixedLength(t *testing.T) {
	s := NewStub("stub", nil)
	s.Feed([]byte{0x0D, 0x0D, 0x01, 0x02})

	frame, err := s.ReadFrame(UntilLength(3), 0, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0D, 0x0D, 0x01}, frame)
}

func TestReadFrameTimeoutIsBounded(t *testing.T) {
	s := NewStub("stub", nil)
	s.Feed([]byte("never terminated"))

	start := time.Now()
	_, err := s.ReadFrame(UntilTerminator([]byte("\r")), 0, 30*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, merrors.ErrTimeout))
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestReadFrameMaxLen(t *testing.T) {
	s := NewStub("stub", nil)
	s.Feed([]byte("abcdefgh"))

	_, err := s.ReadFrame(UntilTerminator([]byte("\r")), 4, 50*time.Millisecond)
	assert.True(t, errors.Is(err, merrors.ErrMalformedResponse))
}

func TestAnyOf(t *testing.T) {
	m := AnyOf(UntilLength(5), UntilTerminator([]byte{0x0D}))
	assert.True(t, m([]byte{'1', 0x0D}))
	assert.True(t, m([]byte("abcde")))
	assert.False(t, m([]byte("abc")))
}

func TestStubFlushAndClose(t *testing.T) {
	s := NewStub("stub", nil)
	s.Feed([]byte("stale"))
	require.NoError(t, s.Flush())
	assert.Empty(t, s.Pending())
	assert.Equal(t, 1, s.Flushes())

	require.NoError(t, s.Close())
	err := s.Write([]byte("x"))
	assert.True(t, errors.Is(err, merrors.ErrTransport))
}

func TestOpenSerialWithoutDevice(t *testing.T) {
	_, err := OpenSerial(SerialConfig{}, nil)
	assert.True(t, errors.Is(err, merrors.ErrPortNotConfigured))
}
