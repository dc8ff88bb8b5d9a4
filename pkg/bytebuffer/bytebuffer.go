// Package bytebuffer implements a growable byte container with
// independent front and back cursors: push/pop_front behave FIFO,
// push/pop behave LIFO, and the backing array doubles when it runs
// out of room. It is grounded on original_source/otl_baseclass.h's
// ByteBuffer, which offers the same owned-vs-borrowed construction
// split and typed accessors.
package bytebuffer

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrUnderflow is returned by any typed Pop/PopFront call that does
// not have enough bytes available; no partial read is ever performed.
var ErrUnderflow = errors.New("bytebuffer: underflow")

const defaultCapacity = 1024

// Buffer is a growable byte container with a front cursor (start of
// unread data) and a back cursor (end of written data). The zero
// value is not usable; construct with New or Wrap.
type Buffer struct {
	buf   []byte
	front int
	back  int
	owned bool
	freed bool
	free  func([]byte)
}

// New returns an owned, self-growing Buffer. size, if <= 0, defaults
// to 1024 bytes of initial capacity.
func New(size int) *Buffer {
	if size <= 0 {
		size = defaultCapacity
	}

	return &Buffer{buf: make([]byte, size), owned: true}
}

// Wrap returns a Buffer over an externally owned byte slice. The
// buffer never grows past len(data): growing would be a data race
// with the external owner, so borrowed buffers panic if a push would
// need to grow. freeHook, if non-nil,
// is invoked by Close.
func Wrap(data []byte, freeHook func([]byte)) *Buffer {
	return &Buffer{buf: data, back: len(data), owned: false, free: freeHook}
}

// Close releases a borrowed buffer's backing array via its free hook,
// if one was given. It is a no-op for owned buffers or if already
// closed.
func (b *Buffer) Close() {
	if b.owned || b.freed {
		return
	}

	b.freed = true

	if b.free != nil {
		b.free(b.buf)
	}
}

// Len returns the number of unread bytes: back - front.
func (b *Buffer) Len() int {
	return b.back - b.front
}

// Bytes returns the unread region [front, back) without copying.
// Callers must not retain it across further mutating calls.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.front:b.back]
}

// grow ensures at least n more bytes of capacity past back, doubling
// the backing array as needed. Borrowed buffers panic instead, since
// they cannot reallocate memory they don't own.
func (b *Buffer) grow(n int) {
	if b.back+n <= len(b.buf) {
		return
	}

	if !b.owned {
		panic("bytebuffer: borrowed buffer capacity exceeded")
	}

	newCap := len(b.buf)
	if newCap == 0 {
		newCap = defaultCapacity
	}

	for newCap < b.back+n {
		newCap *= 2
	}

	grown := make([]byte, newCap)
	copy(grown, b.buf[:b.back])
	b.buf = grown
}

// pushBack appends raw bytes at the write cursor, growing as needed.
func (b *Buffer) pushBack(p []byte) {
	b.grow(len(p))
	copy(b.buf[b.back:], p)
	b.back += len(p)
}

// PushInt8/PushUint8 through PushFloat64 append one value at the
// write cursor. Integers are written big-endian (network byte
// order); floats are written in native (little-endian on all
// supported platforms) layout, matching
// original_source/otl_baseclass.h's push_back overload set.

func (b *Buffer) PushInt8(v int8)   { b.pushBack([]byte{byte(v)}) }
func (b *Buffer) PushUint8(v uint8) { b.pushBack([]byte{v}) }

func (b *Buffer) PushInt16(v int16) { b.PushUint16(uint16(v)) }
func (b *Buffer) PushUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.pushBack(tmp[:])
}

func (b *Buffer) PushInt32(v int32) { b.PushUint32(uint32(v)) }
func (b *Buffer) PushUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.pushBack(tmp[:])
}

func (b *Buffer) PushInt64(v int64) { b.PushUint64(uint64(v)) }
func (b *Buffer) PushUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.pushBack(tmp[:])
}

func (b *Buffer) PushFloat32(v float32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
	b.pushBack(tmp[:])
}

func (b *Buffer) PushFloat64(v float64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	b.pushBack(tmp[:])
}

// takeFront consumes n bytes from the front (FIFO) if available.
func (b *Buffer) takeFront(n int) ([]byte, error) {
	if b.Len() < n {
		return nil, ErrUnderflow
	}

	p := b.buf[b.front : b.front+n]
	b.front += n

	return p, nil
}

// takeBack consumes n bytes from the back (LIFO) if available.
func (b *Buffer) takeBack(n int) ([]byte, error) {
	if b.Len() < n {
		return nil, ErrUnderflow
	}

	p := b.buf[b.back-n : b.back]
	b.back -= n

	return p, nil
}

// PopInt8 removes and returns the last-written byte (LIFO).
func (b *Buffer) PopInt8() (int8, error) {
	p, err := b.takeBack(1)
	if err != nil {
		return 0, err
	}

	return int8(p[0]), nil
}

// PopUint8 removes and returns the last-written byte (LIFO).
func (b *Buffer) PopUint8() (uint8, error) {
	p, err := b.takeBack(1)
	if err != nil {
		return 0, err
	}

	return p[0], nil
}

func (b *Buffer) PopInt16() (int16, error) {
	v, err := b.PopUint16()
	return int16(v), err
}

func (b *Buffer) PopUint16() (uint16, error) {
	p, err := b.takeBack(2)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(p), nil
}

func (b *Buffer) PopInt32() (int32, error) {
	v, err := b.PopUint32()
	return int32(v), err
}

func (b *Buffer) PopUint32() (uint32, error) {
	p, err := b.takeBack(4)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(p), nil
}

func (b *Buffer) PopInt64() (int64, error) {
	v, err := b.PopUint64()
	return int64(v), err
}

func (b *Buffer) PopUint64() (uint64, error) {
	p, err := b.takeBack(8)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(p), nil
}

func (b *Buffer) PopFloat32() (float32, error) {
	p, err := b.takeBack(4)
	if err != nil {
		return 0, err
	}

	return math.Float32frombits(binary.LittleEndian.Uint32(p)), nil
}

func (b *Buffer) PopFloat64() (float64, error) {
	p, err := b.takeBack(8)
	if err != nil {
		return 0, err
	}

	return math.Float64frombits(binary.LittleEndian.Uint64(p)), nil
}

// PopFrontInt8 removes and returns the oldest byte (FIFO).
func (b *Buffer) PopFrontInt8() (int8, error) {
	p, err := b.takeFront(1)
	if err != nil {
		return 0, err
	}

	return int8(p[0]), nil
}

func (b *Buffer) PopFrontUint8() (uint8, error) {
	p, err := b.takeFront(1)
	if err != nil {
		return 0, err
	}

	return p[0], nil
}

func (b *Buffer) PopFrontInt16() (int16, error) {
	v, err := b.PopFrontUint16()
	return int16(v), err
}

func (b *Buffer) PopFrontUint16() (uint16, error) {
	p, err := b.takeFront(2)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(p), nil
}

func (b *Buffer) PopFrontInt32() (int32, error) {
	v, err := b.PopFrontUint32()
	return int32(v), err
}

func (b *Buffer) PopFrontUint32() (uint32, error) {
	p, err := b.takeFront(4)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(p), nil
}

func (b *Buffer) PopFrontInt64() (int64, error) {
	v, err := b.PopFrontUint64()
	return int64(v), err
}

func (b *Buffer) PopFrontUint64() (uint64, error) {
	p, err := b.takeFront(8)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(p), nil
}

func (b *Buffer) PopFrontFloat32() (float32, error) {
	p, err := b.takeFront(4)
	if err != nil {
		return 0, err
	}

	return math.Float32frombits(binary.LittleEndian.Uint32(p)), nil
}

func (b *Buffer) PopFrontFloat64() (float64, error) {
	p, err := b.takeFront(8)
	if err != nil {
		return 0, err
	}

	return math.Float64frombits(binary.LittleEndian.Uint64(p)), nil
}

// BBox is one detected bounding box: corner coordinates, confidence,
// and class id.
type BBox struct {
	X1, Y1, X2, Y2 float32
	Confidence     float32
	ClassID        int32
}

// Detection is a batch of bounding boxes tagged with a detector type
// id, matching the wire layout `i32 type, u32 count, {f32 x1, y1, x2,
// y2, confidence, i32 class_id}*`.
type Detection struct {
	Type  int32
	Boxes []BBox
}

// Encode serializes d into a fresh owned Buffer's write cursor.
func (d Detection) Encode() *Buffer {
	b := New(8 + len(d.Boxes)*20)

	b.PushInt32(d.Type)
	b.PushUint32(uint32(len(d.Boxes))) //nolint:gosec // box counts fit uint32 in practice.

	for _, box := range d.Boxes {
		b.PushFloat32(box.X1)
		b.PushFloat32(box.Y1)
		b.PushFloat32(box.X2)
		b.PushFloat32(box.Y2)
		b.PushFloat32(box.Confidence)
		b.PushInt32(box.ClassID)
	}

	return b
}

// DecodeDetection reads a Detection from b's front cursor (FIFO),
// per the wire layout documented on Detection.
func DecodeDetection(b *Buffer) (Detection, error) {
	var d Detection

	typ, err := b.PopFrontInt32()
	if err != nil {
		return d, err
	}

	count, err := b.PopFrontUint32()
	if err != nil {
		return d, err
	}

	d.Type = typ
	d.Boxes = make([]BBox, count)

	for i := range d.Boxes {
		box := &d.Boxes[i]

		if box.X1, err = b.PopFrontFloat32(); err != nil {
			return Detection{}, err
		}

		if box.Y1, err = b.PopFrontFloat32(); err != nil {
			return Detection{}, err
		}

		if box.X2, err = b.PopFrontFloat32(); err != nil {
			return Detection{}, err
		}

		if box.Y2, err = b.PopFrontFloat32(); err != nil {
			return Detection{}, err
		}

		if box.Confidence, err = b.PopFrontFloat32(); err != nil {
			return Detection{}, err
		}

		if box.ClassID, err = b.PopFrontInt32(); err != nil {
			return Detection{}, err
		}
	}

	return d, nil
}
