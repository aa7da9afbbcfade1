package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagePoolAllocation(t *testing.T) {
	pool := NewMessagePool(2, 64)

	first, code := pool.GetTransportMessage(0, 0xF1, 0x10, 10)
	require.Equal(t, GetMessageOK, code)
	assert.Equal(t, uint16(0xF1), first.SourceID())
	assert.Equal(t, uint16(0x10), first.TargetID())
	assert.Equal(t, 0, first.ValidBytes())

	_, code = pool.GetTransportMessage(0, 0, 0, 10)
	require.Equal(t, GetMessageOK, code)

	// Exhausted
	_, code = pool.GetTransportMessage(0, 0, 0, 10)
	assert.Equal(t, GetMessageNoMessageAvailable, code)

	pool.ReleaseTransportMessage(first)
	_, code = pool.GetTransportMessage(0, 0, 0, 10)
	assert.Equal(t, GetMessageOK, code)
}

func TestMessagePoolSizeCheck(t *testing.T) {
	pool := NewMessagePool(2, 64)
	_, code := pool.GetTransportMessage(0, 0, 0, 65)
	assert.Equal(t, GetMessageSizeTooLarge, code)
}

func TestMessageAppend(t *testing.T) {
	message := NewMessage(make([]byte, 4))
	assert.Equal(t, 3, message.Append([]byte{1, 2, 3}))
	// Truncated at the buffer end
	assert.Equal(t, 1, message.Append([]byte{4, 5}))
	assert.Equal(t, []byte{1, 2, 3, 4}, message.Payload())

	message.ResetValidBytes()
	assert.Equal(t, 0, message.ValidBytes())
	assert.Error(t, message.SetValidBytes(5))
	assert.NoError(t, message.SetValidBytes(4))
}
