// Package sgl implements the SGL (Scatter/Gather List) traversal engine
// shared by copy_to_sgl and copy_from_sgl: walking a chain of 16-byte
// descriptors describing a logical buffer in guest memory, transferring
// bytes to or from a device-side buffer as it goes.
package sgl

import (
	"encoding/binary"
	"fmt"

	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
)

// DescriptorType is the top-nibble type tag of a 16-byte SGL descriptor.
type DescriptorType byte

const (
	DataBlock              DescriptorType = 0x0
	BitBucket               DescriptorType = 0x1
	StandardSegment         DescriptorType = 0x2
	StandardLastSegment     DescriptorType = 0x3
	AlternativeLastSegment  DescriptorType = 0x4
	VendorSpecific          DescriptorType = 0xF
)

// DescriptorLength is the fixed size of one SGL descriptor in bytes.
const DescriptorLength = 16

// Descriptor is one parsed 16-byte SGL descriptor: type in the top nibble
// of byte 0, reserved/zero bits in its low nibble, a 4-byte LE length, and
// an 8-byte LE guest address.
type Descriptor struct {
	Type    DescriptorType
	Zero    byte
	Length  uint32
	Address uint64
}

// ParseDescriptor decodes one 16-byte descriptor.
func ParseDescriptor(b []byte) Descriptor {
	return Descriptor{
		Type:    DescriptorType(b[0] >> 4),
		Zero:    b[0] & 0x0F,
		Length:  binary.LittleEndian.Uint32(b[4:8]),
		Address: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// FailCode distinguishes the ten SGL traversal failure modes for testability.
type FailCode int

const (
	FailBitBucketZero    FailCode = 1
	FailStdLastSegZero   FailCode = 2
	FailStdSegZero       FailCode = 3
	FailDataBlockZero    FailCode = 4
	FailDataLengthError  FailCode = 5
	FailVendorSGLError   FailCode = 6
	FailSGLTypeError     FailCode = 7
	FailBadLastSGLError  FailCode = 8
	FailSGLTooSmallError FailCode = 9
	FailSGLSegmentError  FailCode = 10
)

func (c FailCode) String() string {
	switch c {
	case FailBitBucketZero:
		return "bit_bucket_zero"
	case FailStdLastSegZero:
		return "std_last_seg_zero"
	case FailStdSegZero:
		return "std_seg_zero"
	case FailDataBlockZero:
		return "data_block_zero"
	case FailDataLengthError:
		return "data_length_error"
	case FailVendorSGLError:
		return "vendor_sgl_error"
	case FailSGLTypeError:
		return "sgl_type_error"
	case FailBadLastSGLError:
		return "bad_last_sgl_error"
	case FailSGLTooSmallError:
		return "sgl_too_small_error"
	case FailSGLSegmentError:
		return "sgl_segment_error"
	default:
		return "unknown_sgl_error"
	}
}

// Error wraps a FailCode so callers (the admin and SOP dispatchers) can
// branch on which of the ten conditions occurred and pick the right
// guest-visible status.
type Error struct {
	Code FailCode
}

func (e *Error) Error() string { return fmt.Sprintf("sgl: %s", e.Code) }

func fail(code FailCode) error { return &Error{Code: code} }

type direction int

const (
	toSGL direction = iota // device buffer -> guest memory
	fromSGL
)

// CopyToSGL transfers len(buf) bytes from buf into the guest memory
// described by the two embedded descriptors desc0/desc1, following chained
// Standard-Segment/Standard-Last-Segment descriptors as needed.
func CopyToSGL(bridge dma.Bridge, desc0, desc1 Descriptor, buf []byte) error {
	return walk(bridge, desc0, desc1, buf, toSGL)
}

// CopyFromSGL transfers len(buf) bytes from the guest memory described by
// the two embedded descriptors desc0/desc1 into buf.
func CopyFromSGL(bridge dma.Bridge, desc0, desc1 Descriptor, buf []byte) error {
	return walk(bridge, desc0, desc1, buf, fromSGL)
}

func walk(bridge dma.Bridge, desc0, desc1 Descriptor, buf []byte, dir direction) error {
	segment := []Descriptor{desc0, desc1}
	idx := 0
	cursor := 0
	remaining := len(buf)
	last := false

	for remaining > 0 {
		if idx >= len(segment) {
			return fail(FailSGLTooSmallError)
		}
		d := segment[idx]
		switch d.Type {
		case DataBlock:
			if d.Zero != 0 {
				return fail(FailDataBlockZero)
			}
			n := remaining
			if int(d.Length) < n {
				n = int(d.Length)
			}
			if err := transfer(bridge, d.Address, buf[cursor:cursor+n], dir); err != nil {
				return err
			}
			cursor += n
			remaining -= n
			idx++

		case BitBucket:
			if d.Zero != 0 {
				return fail(FailBitBucketZero)
			}
			n := remaining
			if int(d.Length) < n {
				n = int(d.Length)
			}
			// Bit-Bucket never touches guest memory; it only accounts for
			// n bytes of the logical transfer on the device side.
			cursor += n
			remaining -= n
			idx++

		case StandardSegment, StandardLastSegment:
			if last {
				return fail(FailBadLastSGLError)
			}
			if d.Type == StandardSegment && d.Zero != 0 {
				return fail(FailStdSegZero)
			}
			if d.Type == StandardLastSegment && d.Zero != 0 {
				return fail(FailStdLastSegZero)
			}
			if d.Length == 0 || d.Length%DescriptorLength != 0 {
				return fail(FailSGLSegmentError)
			}
			raw := make([]byte, d.Length)
			if err := bridge.Read(d.Address, raw); err != nil {
				return fail(FailSGLSegmentError)
			}
			next := make([]Descriptor, d.Length/DescriptorLength)
			for i := range next {
				next[i] = ParseDescriptor(raw[i*DescriptorLength : (i+1)*DescriptorLength])
			}
			segment = next
			idx = 0
			if d.Type == StandardLastSegment {
				last = true
			}

		case AlternativeLastSegment:
			if last {
				return fail(FailBadLastSGLError)
			}
			if d.Length == 0 {
				return fail(FailDataLengthError)
			}
			n := remaining
			if int(d.Length) < n {
				n = int(d.Length)
			}
			if err := transfer(bridge, d.Address, buf[cursor:cursor+n], dir); err != nil {
				return err
			}
			cursor += n
			remaining -= n
			idx++
			last = true

		case VendorSpecific:
			return fail(FailVendorSGLError)

		default:
			return fail(FailSGLTypeError)
		}
	}
	return nil
}

func transfer(bridge dma.Bridge, addr uint64, buf []byte, dir direction) error {
	if dir == toSGL {
		return bridge.Write(addr, buf)
	}
	return bridge.Read(addr, buf)
}
