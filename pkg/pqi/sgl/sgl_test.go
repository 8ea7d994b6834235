package sgl

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
)

func dataBlockDescriptor(addr uint64, length uint32) Descriptor {
	return Descriptor{Type: DataBlock, Length: length, Address: addr}
}

func TestCopyToSGLSingleDataBlock(t *testing.T) {
	g := dma.NewGuestMemory(256)
	d0 := dataBlockDescriptor(64, 16)
	d1 := Descriptor{} // unused second slot

	buf := bytes.Repeat([]byte{0x11}, 16)
	if err := CopyToSGL(g, d0, d1, buf); err != nil {
		t.Fatalf("CopyToSGL: %v", err)
	}
	got := make([]byte, 16)
	g.Read(64, got)
	if !bytes.Equal(got, buf) {
		t.Errorf("guest memory = %v, want %v", got, buf)
	}
}

// TestStandardLastSegmentChain mirrors scenario S5: a Standard-Last-Segment
// descriptor pointing at two chained Data-Block descriptors.
func TestStandardLastSegmentChain(t *testing.T) {
	g := dma.NewGuestMemory(4096)
	const segAddr = 0x100
	const bAddr = 0x200
	const cAddr = 0x300

	chain := make([]byte, 32)
	encodeDescriptor(chain[0:16], dataBlockDescriptor(bAddr, 16))
	encodeDescriptor(chain[16:32], dataBlockDescriptor(cAddr, 16))
	if err := g.Write(segAddr, chain); err != nil {
		t.Fatalf("seed chain: %v", err)
	}

	d0 := Descriptor{Type: StandardLastSegment, Length: 32, Address: segAddr}
	d1 := Descriptor{}

	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := CopyToSGL(g, d0, d1, buf); err != nil {
		t.Fatalf("CopyToSGL: %v", err)
	}

	gotB := make([]byte, 16)
	g.Read(bAddr, gotB)
	gotC := make([]byte, 16)
	g.Read(cAddr, gotC)
	if !bytes.Equal(gotB, buf[0:16]) {
		t.Errorf("segment B = %v, want %v", gotB, buf[0:16])
	}
	if !bytes.Equal(gotC, buf[16:32]) {
		t.Errorf("segment C = %v, want %v", gotC, buf[16:32])
	}
}

func TestRoundTripToThenFromSGL(t *testing.T) {
	g := dma.NewGuestMemory(256)
	d0 := dataBlockDescriptor(64, 32)
	d1 := Descriptor{}

	want := bytes.Repeat([]byte{0x7E}, 32)
	if err := CopyToSGL(g, d0, d1, want); err != nil {
		t.Fatalf("CopyToSGL: %v", err)
	}
	got := make([]byte, 32)
	if err := CopyFromSGL(g, d0, d1, got); err != nil {
		t.Fatalf("CopyFromSGL: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("round trip mismatch: got %v want %v", got, want)
	}
}

func TestDataBlockZeroFieldRejected(t *testing.T) {
	g := dma.NewGuestMemory(64)
	d0 := Descriptor{Type: DataBlock, Zero: 1, Length: 16, Address: 0}
	d1 := Descriptor{}
	err := CopyToSGL(g, d0, d1, make([]byte, 16))
	assertFailCode(t, err, FailDataBlockZero)
}

func TestUnknownDescriptorTypeRejected(t *testing.T) {
	g := dma.NewGuestMemory(64)
	d0 := Descriptor{Type: 7, Length: 16, Address: 0}
	d1 := Descriptor{}
	err := CopyToSGL(g, d0, d1, make([]byte, 16))
	assertFailCode(t, err, FailSGLTypeError)
}

func TestBufferTooSmallRejected(t *testing.T) {
	g := dma.NewGuestMemory(64)
	d0 := dataBlockDescriptor(0, 4)
	d1 := Descriptor{} // not a chain descriptor, so nothing more to consume
	err := CopyToSGL(g, d0, d1, make([]byte, 16))
	assertFailCode(t, err, FailSGLTooSmallError)
}

func assertFailCode(t *testing.T, err error, want FailCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", want)
	}
	sglErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *sgl.Error, got %T (%v)", err, err)
	}
	if sglErr.Code != want {
		t.Errorf("got code %s, want %s", sglErr.Code, want)
	}
}

func encodeDescriptor(b []byte, d Descriptor) {
	b[0] = byte(d.Type)<<4 | d.Zero&0x0F
	binary.LittleEndian.PutUint32(b[4:8], d.Length)
	binary.LittleEndian.PutUint64(b[8:16], d.Address)
}
