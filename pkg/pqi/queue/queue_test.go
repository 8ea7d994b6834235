package queue

import (
	"testing"

	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
)

func TestProcessIQEventDrainsInFIFOOrder(t *testing.T) {
	g := dma.NewGuestMemory(4096)
	iq := &IQ{ID: 1, Active: true, ElementArray: 0, CIAddr: 2048, Size: 4, ElementLength: AdminElementLength}

	for i := 0; i < 3; i++ {
		elem := make([]byte, AdminElementLength)
		elem[0] = byte(i + 1)
		if err := g.Write(uint64(i)*AdminElementLength, elem); err != nil {
			t.Fatalf("seed element %d: %v", i, err)
		}
	}

	var seen []byte
	if err := ProcessIQEvent(iq, 3, g, func(elem []byte) {
		seen = append(seen, elem[0])
	}); err != nil {
		t.Fatalf("ProcessIQEvent: %v", err)
	}
	want := []byte{1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("got %v elements, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("element %d = %d, want %d", i, seen[i], want[i])
		}
	}
	if iq.CI() != 3 {
		t.Errorf("CI = %d, want 3", iq.CI())
	}

	var published [4]byte
	if err := g.Read(iq.CIAddr&AdminAddrMask, published[:]); err != nil {
		t.Fatalf("read published CI: %v", err)
	}
	if published[0] != 3 {
		t.Errorf("published CI byte0 = %d, want 3", published[0])
	}
}

func TestRingInvariantStaysInBounds(t *testing.T) {
	g := dma.NewGuestMemory(4096)
	oq := &OQ{ID: 1, Active: true, ElementArray: 0, PIAddr: 2048, Size: 4, ElementLength: AdminElementLength}

	for i := 0; i < 9; i++ {
		iu := make([]byte, AdminElementLength)
		pi, err := PostToOQ(oq, iu, g)
		if err != nil {
			t.Fatalf("PostToOQ iteration %d: %v", i, err)
		}
		if pi >= oq.Size {
			t.Errorf("pi=%d escaped ring of size %d", pi, oq.Size)
		}
	}
	if oq.PI() >= oq.Size {
		t.Errorf("final pi=%d out of [0,%d)", oq.PI(), oq.Size)
	}
}

func TestPostToOQRejectsOversizeResponse(t *testing.T) {
	g := dma.NewGuestMemory(4096)
	oq := &OQ{ID: 1, Active: true, ElementArray: 0, PIAddr: 2048, Size: 2, ElementLength: AdminElementLength}
	if _, err := PostToOQ(oq, make([]byte, AdminElementLength+1), g); err == nil {
		t.Errorf("expected error posting a response larger than the element length")
	}
}
