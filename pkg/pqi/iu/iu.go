// Package iu defines the common 4-byte Information Unit header shared by
// every admin and SOP IU, plus the well-known IU type tags.
package iu

import "encoding/binary"

// Well-known IU type tags.
const (
	TypeAdminRequest    = 0x60
	TypeAdminResponse   = 0xE0
	TypeSOPLimitedCmd   = 0x10
	TypeSOPCmdSuccess   = 0x90
	TypeSOPCmdResponse  = 0x91 // check-condition / error response
)

// HeaderLength is the size of the common IU header: type, compatible
// features, and a little-endian length field.
const HeaderLength = 4

// Header is the 4-byte prefix common to every IU.
type Header struct {
	Type    byte
	Feature byte
	Length  uint16
}

// ParseHeader decodes the first 4 bytes of an IU.
func ParseHeader(b []byte) Header {
	return Header{
		Type:    b[0],
		Feature: b[1],
		Length:  binary.LittleEndian.Uint16(b[2:4]),
	}
}

// IsNull reports whether the header describes a NULL IU (type, features,
// and length all zero), which is silently consumed by the admin and SOP
// dispatchers.
func (h Header) IsNull() bool {
	return h.Type == 0 && h.Feature == 0 && h.Length == 0
}

// Encode writes the header into the first 4 bytes of b.
func (h Header) Encode(b []byte) {
	b[0] = h.Type
	b[1] = h.Feature
	binary.LittleEndian.PutUint16(b[2:4], h.Length)
}
