package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32OneShotMatchesChunked(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i * 7)
	}

	oneShot := CRC32(data)

	// Chunk the same data in arbitrary, unequal pieces and confirm the
	// incremental result matches the one-shot result.
	state := CRCInit()
	offsets := []int{0, 1, 4, 100, 4095, 4096}
	prev := 0
	for _, off := range offsets {
		if off <= prev {
			continue
		}
		state = CRCUpdate(state, data[prev:off])
		prev = off
	}
	require.Equal(t, oneShot, CRCFinalize(state))
}

func TestCRC32KnownVector(t *testing.T) {
	// "123456789" is the standard CRC-32/ISO-HDLC check vector.
	assert.Equal(t, uint32(0xCBF43926), CRC32([]byte("123456789")))
}

func TestCRC32EmptyInput(t *testing.T) {
	assert.Equal(t, uint32(0), CRC32(nil))
}

func TestWriterReaderRoundTrip(t *testing.T) {
	buf := make([]byte, 0, 64)
	w := NewWriter(buf)
	w.PutByte(0x42)
	w.PutUint16(0xBEEF)
	w.PutUint32(0xDEADBEEF)
	w.PutUint64(0x0102030405060708)
	w.PutInt32(-5)
	w.PutBytes([]byte("tail"))

	r := NewReader(w.Bytes())
	assert.Equal(t, byte(0x42), r.Byte())
	assert.Equal(t, uint16(0xBEEF), r.Uint16())
	assert.Equal(t, uint32(0xDEADBEEF), r.Uint32())
	assert.Equal(t, uint64(0x0102030405060708), r.Uint64())
	assert.Equal(t, int32(-5), r.Int32())
	assert.Equal(t, []byte("tail"), r.Bytes(4))
	require.NoError(t, r.Err)
}

func TestReaderShortBufferSetsErr(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_ = r.Uint32()
	require.Error(t, r.Err)
}
