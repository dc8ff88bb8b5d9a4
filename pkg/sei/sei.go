// Package sei encodes and decodes H.264/H.265 SEI
// user_data_unregistered NAL units carrying an application-defined
// payload, and classifies whether a packet's NAL units include a
// keyframe. It is a direct Go port of
// original_source/stream_sei.cpp, replacing raw pointer arithmetic
// with slice indexing and multi-value returns in place of out
// pointers.
package sei

import (
	"bytes"
	"errors"

	"github.com/google/uuid"
)

// UUID identifies this package's SEI payloads within the 16-byte
// user_data_unregistered UUID field, distinguishing them from
// FFmpeg's or any other producer's SEI messages sharing the same NAL
// type. Modeled as a uuid.UUID rather than a raw [16]byte so callers
// get String()/parsing for free, e.g. when logging which producer a
// mismatched SEI payload came from.
var UUID = uuid.UUID{
	0x54, 0x80, 0x83, 0x97, 0xf0, 0x23, 0x47, 0x4b,
	0xb7, 0xf7, 0x4f, 0x32, 0xb5, 0x4e, 0x06, 0xac,
}

var startCode = [4]byte{0x00, 0x00, 0x00, 0x01}

const (
	seiPayloadTypeUnregistered = 5
	uuidSize                   = 16

	h264NALTypeSEI = 6
	h264NALTypeIDR = 5
	h264NALTypeSPS = 7
	h264NALTypePPS = 8

	h265NALTypeSEIPrefix = 39
	h265NALTypeSEISuffix = 40
)

// ErrNotFound is returned by decode functions when no matching SEI
// message exists in the given packet.
var ErrNotFound = errors.New("sei: not found")

// ErrBufferTooSmall is returned by ReadInto when the destination
// buffer is smaller than the decoded SEI payload.
var ErrBufferTooSmall = errors.New("sei: destination buffer too small")

// h264CalcNALUSize returns the size, in bytes, of the SEI NAL unit
// body (header through trailing bits, excluding any start code or
// length prefix) that would be written for a payload of contentSize
// bytes.
func h264CalcNALUSize(contentSize int) int {
	seiPayloadSize := contentSize + uuidSize
	payloadSizeFieldBytes := seiPayloadSize/0xFF + 1

	return 1 + 1 + payloadSizeFieldBytes + seiPayloadSize + 1
}

// EncodeH264 builds an Annex-B or AVCC-framed H.264 SEI NAL unit
// carrying content, prefixed with a start code (Annex-B) or a
// placeholder later patched with the AVCC big-endian NAL length.
func EncodeH264(isAnnexB bool, content []byte) []byte {
	naluSize := h264CalcNALUSize(len(content))

	prefixSize := 4
	buf := make([]byte, prefixSize+naluSize)

	if isAnnexB {
		copy(buf, startCode[:])
	}

	off := prefixSize

	buf[off] = h264NALTypeSEI
	off++
	buf[off] = seiPayloadTypeUnregistered
	off++

	off = writeSizeField(buf, off, len(content)+uuidSize)

	off += copy(buf[off:], UUID[:])
	off += copy(buf[off:], content)

	buf[off] = 0x80
	off++

	if !isAnnexB {
		putUint32BE(buf, 0, uint32(off-prefixSize)) //nolint:gosec // NAL sizes fit uint32 by construction.
	}

	return buf[:off]
}

// EncodeH265 builds an Annex-B or AVCC-framed H.265 SEI prefix NAL
// unit (nal_unit_type 39) carrying content.
func EncodeH265(isAnnexB bool, content []byte) []byte {
	const nalUnitType = 39

	seiPayloadSize := len(content) + uuidSize
	payloadSizeFieldBytes := seiPayloadSize/0xFF + 1
	naluSize := 2 + 1 + payloadSizeFieldBytes + seiPayloadSize + 1

	prefixSize := 4
	buf := make([]byte, prefixSize+naluSize)

	if isAnnexB {
		copy(buf, startCode[:])
	}

	off := prefixSize
	buf[off] = nalUnitType << 1
	off++
	buf[off] = 1
	off++

	buf[off] = seiPayloadTypeUnregistered
	off++

	off = writeSizeField(buf, off, len(content)+uuidSize)

	off += copy(buf[off:], UUID[:])
	off += copy(buf[off:], content)

	buf[off] = 0x80
	off++

	if !isAnnexB {
		putUint32BE(buf, 0, uint32(off-prefixSize)) //nolint:gosec // NAL sizes fit uint32 by construction.
	}

	return buf[:off]
}

// writeSizeField writes value as a run of 0xFF bytes followed by a
// final byte < 0xFF, per the payloadSize encoding used by both H.264
// and H.265 SEI messages. It returns the offset just past the field.
func writeSizeField(buf []byte, off, value int) int {
	for {
		if value >= 0xFF {
			buf[off] = 0xFF
			off++
			value -= 0xFF

			continue
		}

		buf[off] = byte(value)
		off++

		break
	}

	return off
}

func putUint32BE(buf []byte, off int, v uint32) {
	buf[off] = byte(v >> 24)
	buf[off+1] = byte(v >> 16)
	buf[off+2] = byte(v >> 8)
	buf[off+3] = byte(v)
}

func getUint32BE(buf []byte) uint32 {
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}

// getSeiBuffer parses a payloadType/payloadSize/UUID-tagged SEI
// message body starting at data, returning its content past the
// UUID if payloadType is user_data_unregistered and the UUID matches.
func getSeiBuffer(data []byte) ([]byte, bool) {
	i := 0

	seiType := 0
	for {
		if i >= len(data) {
			return nil, false
		}

		seiType += int(data[i])
		b := data[i]
		i++

		if b != 0xFF {
			break
		}
	}

	seiSize := 0
	for {
		if i >= len(data) {
			return nil, false
		}

		seiSize += int(data[i])
		b := data[i]
		i++

		if b != 0xFF {
			break
		}
	}

	if seiSize < uuidSize || seiSize > len(data)-i || seiType != seiPayloadTypeUnregistered {
		return nil, false
	}

	if !bytes.Equal(data[i:i+uuidSize], UUID[:]) {
		return nil, false
	}

	content := data[i+uuidSize : i+seiSize]

	return content, true
}

// isAnnexBStart reports whether data begins with a 3- or 4-byte
// Annex-B start code.
func isAnnexBStart(data []byte) bool {
	if len(data) > 3 && bytes.Equal(data[:3], []byte{0x00, 0x00, 0x01}) {
		return true
	}

	return len(data) > 4 && bytes.Equal(data[:4], startCode[:])
}

// ReadInto copies an already-decoded SEI payload into dst, returning
// the number of bytes copied. It mirrors the source's buffer-supplied
// read_sei signature for callers that want to reuse a fixed buffer
// instead of allocating.
func ReadInto(dst, content []byte) (int, error) {
	if len(dst) < len(content) {
		return 0, ErrBufferTooSmall
	}

	return copy(dst, content), nil
}

// DecodeH264 scans packet for an H.264 SEI user_data_unregistered
// message matching UUID and returns its content, detecting Annex-B
// vs AVCC framing automatically.
func DecodeH264(packet []byte) ([]byte, error) {
	if isAnnexBStart(packet) {
		return decodeH264AnnexB(packet)
	}

	return decodeH264AVCC(packet)
}

func decodeH264AnnexB(packet []byte) ([]byte, error) {
	for i := 0; i < len(packet); i++ {
		if len(packet)-i <= 4 || packet[i] != 0x00 || packet[i+1] != 0x00 {
			continue
		}

		startCodeSize := 0

		switch {
		case packet[i+2] == 0x01:
			startCodeSize = 3
		case packet[i+2] == 0x00 && packet[i+3] == 0x01:
			startCodeSize = 4
		default:
			continue
		}

		nalStart := i + startCodeSize
		if nalStart >= len(packet) {
			continue
		}

		if packet[nalStart] != h264NALTypeSEI {
			continue
		}

		if content, ok := getSeiBuffer(packet[nalStart+1:]); ok {
			return content, nil
		}
	}

	return nil, ErrNotFound
}

func decodeH264AVCC(packet []byte) ([]byte, error) {
	ptr := 0
	for ptr+4 <= len(packet) {
		naluLen := int(getUint32BE(packet[ptr:]))
		ptr += 4

		if ptr+naluLen > len(packet) {
			break
		}

		if naluLen >= 1 && packet[ptr]&0x1F == h264NALTypeSEI {
			if content, ok := getSeiBuffer(packet[ptr+1 : ptr+naluLen]); ok {
				return content, nil
			}
		}

		ptr += naluLen
	}

	return nil, ErrNotFound
}

// DecodeH265 scans packet for an H.265 SEI user_data_unregistered
// message matching UUID and returns its content, detecting Annex-B
// vs AVCC framing automatically.
func DecodeH265(packet []byte) ([]byte, error) {
	if isAnnexBStart(packet) {
		return decodeH265AnnexB(packet)
	}

	return decodeH265AVCC(packet)
}

func decodeH265AnnexB(packet []byte) ([]byte, error) {
	i := 0
	for i < len(packet) {
		if len(packet)-i <= 4 || packet[i] != 0x00 || packet[i+1] != 0x00 {
			i++

			continue
		}

		startCodeSize := 2

		switch {
		case packet[i+2] == 0x01:
			startCodeSize = 3
		case packet[i+2] == 0x00 && packet[i+3] == 0x01:
			startCodeSize = 4
		}

		if startCodeSize == 3 || startCodeSize == 4 {
			if len(packet)-i > startCodeSize+2 {
				sei := packet[i+startCodeSize+2:]
				if content, ok := getSeiBuffer(sei); ok {
					return content, nil
				}
			}
		}

		i += startCodeSize + 2
	}

	return nil, ErrNotFound
}

func decodeH265AVCC(packet []byte) ([]byte, error) {
	ptr := 0
	for ptr+4 <= len(packet) {
		naluLen := int(getUint32BE(packet[ptr:]))
		ptr += 4

		if ptr+naluLen > len(packet) {
			break
		}

		if naluLen >= 2 {
			nalUnitType := (packet[ptr] >> 1) & 0x3F
			if nalUnitType == h265NALTypeSEIPrefix || nalUnitType == h265NALTypeSEISuffix {
				if content, ok := getSeiBuffer(packet[ptr+2 : ptr+naluLen]); ok {
					return content, nil
				}
			}
		}

		ptr += naluLen
	}

	return nil, ErrNotFound
}

// IsKeyframeH264 reports whether packet contains an IDR NAL unit,
// scanning either Annex-B or AVCC (1-byte header) framing and
// skipping SEI/SPS/PPS units along the way.
func IsKeyframeH264(packet []byte) bool {
	if isAnnexBStart(packet) {
		for _, nal := range splitAnnexB(packet) {
			if len(nal) == 0 {
				continue
			}

			if classifyH264(nal[0] & 0x1F) {
				return true
			}
		}

		return false
	}

	ptr := 0
	for ptr+4 <= len(packet) {
		naluLen := int(getUint32BE(packet[ptr:]))
		ptr += 4

		if ptr+naluLen > len(packet) || naluLen < 1 {
			break
		}

		if classifyH264(packet[ptr] & 0x1F) {
			return true
		}

		ptr += naluLen
	}

	return false
}

func classifyH264(nalType byte) bool {
	switch nalType {
	case h264NALTypeSEI, h264NALTypeSPS, h264NALTypePPS:
		return false
	case h264NALTypeIDR:
		return true
	default:
		return false
	}
}

// IsKeyframeH265 reports whether packet contains an IDR/CRA NAL unit
// (types 19-21), scanning Annex-B or AVCC framing (2-byte NAL header)
// and skipping SEI units.
func IsKeyframeH265(packet []byte) bool {
	if isAnnexBStart(packet) {
		for _, nal := range splitAnnexB(packet) {
			if len(nal) < 1 {
				continue
			}

			nalType := (nal[0] >> 1) & 0x3F
			if classifyH265(nalType) {
				return true
			}
		}

		return false
	}

	ptr := 0
	for ptr+4 <= len(packet) {
		naluLen := int(getUint32BE(packet[ptr:]))
		ptr += 4

		if ptr+naluLen > len(packet) || naluLen < 2 {
			break
		}

		nalType := (packet[ptr] >> 1) & 0x3F
		if classifyH265(nalType) {
			return true
		}

		ptr += naluLen
	}

	return false
}

func classifyH265(nalType byte) bool {
	switch nalType {
	case h265NALTypeSEIPrefix, h265NALTypeSEISuffix:
		return false
	case 19, 20, 21: // IDR_W_RADL, IDR_N_LP, CRA_NUT
		return true
	default:
		return false
	}
}

// annexBUnit is one NAL unit's payload bounds within the source
// buffer, plus where its start code began (used to bound the
// previous unit's payload).
type annexBUnit struct {
	codeStart, payloadStart int
}

// splitAnnexB slices an Annex-B bitstream into individual NAL units
// (start codes stripped), tolerating both 3- and 4-byte start codes.
func splitAnnexB(data []byte) [][]byte {
	var units []annexBUnit

	for i := 0; i+3 <= len(data); i++ {
		if data[i] != 0x00 || data[i+1] != 0x00 {
			continue
		}

		switch {
		case data[i+2] == 0x01:
			units = append(units, annexBUnit{codeStart: i, payloadStart: i + 3})
			i += 2
		case i+4 <= len(data) && data[i+2] == 0x00 && data[i+3] == 0x01:
			units = append(units, annexBUnit{codeStart: i, payloadStart: i + 4})
			i += 3
		}
	}

	nals := make([][]byte, 0, len(units))

	for i, u := range units {
		end := len(data)
		if i+1 < len(units) {
			end = units[i+1].codeStart
		}

		nals = append(nals, data[u.payloadStart:end])
	}

	return nals
}
