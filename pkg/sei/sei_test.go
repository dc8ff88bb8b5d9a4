package sei_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otlvideo/otl/pkg/sei"
)

func TestEncodeDecodeH264AnnexBRoundTrip(t *testing.T) {
	content := []byte("hello sei payload")

	packet := sei.EncodeH264(true, content)

	got, err := sei.DecodeH264(packet)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEncodeDecodeH264AVCCRoundTrip(t *testing.T) {
	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i)
	}

	packet := sei.EncodeH264(false, content)

	got, err := sei.DecodeH264(packet)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEncodeDecodeH265AnnexBRoundTrip(t *testing.T) {
	content := []byte("h265 payload")

	packet := sei.EncodeH265(true, content)

	got, err := sei.DecodeH265(packet)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEncodeDecodeH265AVCCRoundTrip(t *testing.T) {
	content := []byte("another h265 payload with more bytes in it")

	packet := sei.EncodeH265(false, content)

	got, err := sei.DecodeH265(packet)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDecodeH264LargePayloadCrossing0xFFBoundary(t *testing.T) {
	content := make([]byte, 500) // seiPayloadSize (516) needs three size bytes: 0xFF, 0xFF, 0x06.
	for i := range content {
		content[i] = byte(i % 251)
	}

	packet := sei.EncodeH264(true, content)

	got, err := sei.DecodeH264(packet)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDecodeH264NoSeiPresentReturnsNotFound(t *testing.T) {
	// Annex-B packet with a single non-SEI NAL (SPS, type 7).
	packet := []byte{0x00, 0x00, 0x00, 0x01, 0x07, 0xAA, 0xBB, 0xCC}

	_, err := sei.DecodeH264(packet)
	assert.ErrorIs(t, err, sei.ErrNotFound)
}

func TestDecodeH264WrongUUIDIsNotFound(t *testing.T) {
	content := []byte("payload")
	packet := sei.EncodeH264(true, content)

	// Corrupt one UUID byte; find it right after the start code and 3
	// bytes: NAL header, payload type, 1 size byte for this short
	// payload.
	uuidStart := 4 + 1 + 1 + 1
	packet[uuidStart] ^= 0xFF

	_, err := sei.DecodeH264(packet)
	assert.ErrorIs(t, err, sei.ErrNotFound)
}

func TestReadIntoBufferTooSmall(t *testing.T) {
	content := []byte("0123456789")
	packet := sei.EncodeH264(true, content)

	got, err := sei.DecodeH264(packet)
	require.NoError(t, err)

	dst := make([]byte, 3)
	_, err = sei.ReadInto(dst, got)
	assert.ErrorIs(t, err, sei.ErrBufferTooSmall)
}

func TestIsKeyframeH264DetectsIDRAnnexB(t *testing.T) {
	sps := []byte{0x00, 0x00, 0x00, 0x01, 0x07, 0x01, 0x02}
	pps := []byte{0x00, 0x00, 0x00, 0x01, 0x08, 0x01}
	idr := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB}

	packet := append(append(append([]byte{}, sps...), pps...), idr...)
	assert.True(t, sei.IsKeyframeH264(packet))
}

func TestIsKeyframeH264RejectsNonIDR(t *testing.T) {
	sliceP := []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0xAA, 0xBB} // type 1, P-slice
	assert.False(t, sei.IsKeyframeH264(sliceP))
}

func TestIsKeyframeH264AVCC(t *testing.T) {
	nal := []byte{0x65, 0xAA, 0xBB, 0xCC}
	packet := make([]byte, 4+len(nal))
	packet[3] = byte(len(nal))
	copy(packet[4:], nal)

	assert.True(t, sei.IsKeyframeH264(packet))
}

func TestIsKeyframeH265DetectsIDRAVCC(t *testing.T) {
	// nal_unit_type 19 (IDR_W_RADL) in bits [1..6] of byte 0.
	nal := []byte{19 << 1, 0x01, 0xAA, 0xBB}
	packet := make([]byte, 4+len(nal))
	packet[3] = byte(len(nal))
	copy(packet[4:], nal)

	assert.True(t, sei.IsKeyframeH265(packet))
}

func TestIsKeyframeH265RejectsTrailNAL(t *testing.T) {
	nal := []byte{1 << 1, 0x01, 0xAA, 0xBB} // type 1, TRAIL_R
	packet := make([]byte, 4+len(nal))
	packet[3] = byte(len(nal))
	copy(packet[4:], nal)

	assert.False(t, sei.IsKeyframeH265(packet))
}
