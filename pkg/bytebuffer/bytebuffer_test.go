package bytebuffer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otlvideo/otl/pkg/bytebuffer"
)

func TestPushPopFrontFIFOOrder(t *testing.T) {
	b := bytebuffer.New(0)

	b.PushInt32(1)
	b.PushInt32(2)
	b.PushInt32(3)

	v1, err := b.PopFrontInt32()
	require.NoError(t, err)
	v2, err := b.PopFrontInt32()
	require.NoError(t, err)
	v3, err := b.PopFrontInt32()
	require.NoError(t, err)

	assert.Equal(t, []int32{1, 2, 3}, []int32{v1, v2, v3})
}

func TestPushPopLIFOOrder(t *testing.T) {
	b := bytebuffer.New(0)

	b.PushInt32(1)
	b.PushInt32(2)
	b.PushInt32(3)

	v1, err := b.PopInt32()
	require.NoError(t, err)
	v2, err := b.PopInt32()
	require.NoError(t, err)
	v3, err := b.PopInt32()
	require.NoError(t, err)

	assert.Equal(t, []int32{3, 2, 1}, []int32{v1, v2, v3})
}

func TestIntegersAreBigEndianOnWire(t *testing.T) {
	b := bytebuffer.New(0)
	b.PushUint32(0x01020304)

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b.Bytes())
}

func TestFloatsAreLittleEndianNativeOnWire(t *testing.T) {
	b := bytebuffer.New(0)
	b.PushFloat32(1.0)

	// IEEE 754 1.0f is 0x3F800000; little-endian bytes 00 00 80 3F.
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3F}, b.Bytes())
}

func TestUnderflowNeverPartialRead(t *testing.T) {
	b := bytebuffer.New(0)
	b.PushUint8(0xAB)

	_, err := b.PopFrontInt32()
	assert.ErrorIs(t, err, bytebuffer.ErrUnderflow)

	// The single byte must still be there, untouched.
	assert.Equal(t, 1, b.Len())

	v, err := b.PopFrontUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), v)
}

func TestGrowsPastInitialCapacity(t *testing.T) {
	b := bytebuffer.New(4)

	for i := 0; i < 1000; i++ {
		b.PushUint8(byte(i))
	}

	assert.Equal(t, 1000, b.Len())

	v, err := b.PopFrontUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0), v)
}

func TestWrapBorrowedBufferReadsExistingData(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x2A}

	b := bytebuffer.Wrap(data, nil)

	v, err := b.PopFrontInt32()
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
}

func TestWrapCloseInvokesFreeHook(t *testing.T) {
	data := make([]byte, 4)

	var freed []byte

	b := bytebuffer.Wrap(data, func(p []byte) {
		freed = p
	})

	b.Close()
	assert.Equal(t, &data[0], &freed[0])

	// Idempotent.
	b.Close()
}

func TestDetectionEncodeDecodeRoundTrip(t *testing.T) {
	d := bytebuffer.Detection{
		Type: 7,
		Boxes: []bytebuffer.BBox{
			{X1: 1, Y1: 2, X2: 3, Y2: 4, Confidence: 0.9, ClassID: 1},
			{X1: 5, Y1: 6, X2: 7, Y2: 8, Confidence: 0.5, ClassID: 2},
		},
	}

	buf := d.Encode()

	got, err := bytebuffer.DecodeDetection(buf)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDetectionEncodeEmptyBoxes(t *testing.T) {
	d := bytebuffer.Detection{Type: 1}

	buf := d.Encode()

	got, err := bytebuffer.DecodeDetection(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.Type)
	assert.Empty(t, got.Boxes)
}
