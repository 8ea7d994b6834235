package sop

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/iu"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/lun"
)

func newTestLUN(t *testing.T, sizeBlocks uint32) *lun.Lun {
	t.Helper()
	wdir := t.TempDir()
	l, err := lun.Create(wdir, 0, 0, sizeBlocks)
	if err != nil {
		t.Fatalf("lun.Create: %v", err)
	}
	t.Cleanup(func() {
		l.Close()
		os.Remove(filepath.Join(wdir, "sop_disk0_n0.img"))
	})
	return l
}

func cmdRequest(lunID byte, cdb []byte, iuID uint16, dataAddr uint64, dataLen uint32) []byte {
	req := make([]byte, 64)
	iu.Header{Type: iu.TypeSOPLimitedCmd, Length: 0x003C}.Encode(req)
	binary.LittleEndian.PutUint16(req[offRequestID:], iuID)
	req[offLUN] = lunID
	copy(req[offCDB:offCDB+cdbLen], cdb)
	if dataLen > 0 {
		req[offSGL0] = 0x00 // DataBlock type
		binary.LittleEndian.PutUint32(req[offSGL0+4:], dataLen)
		binary.LittleEndian.PutUint64(req[offSGL0+8:], dataAddr)
	}
	return req
}

// TestReadCapacityReportsLastBlockAndSize matches scenario S3.
func TestReadCapacityReportsLastBlockAndSize(t *testing.T) {
	l := newTestLUN(t, 100)
	mem := dma.NewGuestMemory(4096)
	luns := NewLUNTable()
	luns.Add(0, l)
	d := NewDispatcher(luns, mem)

	cdb := make([]byte, 10)
	cdb[0] = opReadCapacity
	req := cmdRequest(0, cdb, 1, 0x100, 8)

	resp, ok := d.Dispatch(req, 7)
	if !ok || resp[respOffStatus] != StatusGood {
		t.Fatalf("expected success, got status %#x\nresponse: %s", resp[respOffStatus], spew.Sdump(resp))
	}
	got := make([]byte, 8)
	mem.Read(0x100, got)
	lastLBA := binary.BigEndian.Uint32(got[0:4])
	blockLen := binary.BigEndian.Uint32(got[4:8])
	if lastLBA != 99 {
		t.Errorf("last LBA = %d, want 99", lastLBA)
	}
	if blockLen != lun.BlockSize {
		t.Errorf("block length = %d, want %d", blockLen, lun.BlockSize)
	}
	if gotQID := binary.LittleEndian.Uint16(resp[respOffQueueID:]); gotQID != 7 {
		t.Errorf("echoed queue id = %d, want 7", gotQID)
	}
}

// TestRead10OutOfRangeReportsCheckCondition matches scenario S4, overriding
// the original device model's fall-through-to-success behavior.
func TestRead10OutOfRangeReportsCheckCondition(t *testing.T) {
	l := newTestLUN(t, 10)
	mem := dma.NewGuestMemory(4096)
	luns := NewLUNTable()
	luns.Add(0, l)
	d := NewDispatcher(luns, mem)

	cdb := make([]byte, 10)
	cdb[0] = opRead10
	binary.BigEndian.PutUint32(cdb[2:6], 8)
	binary.BigEndian.PutUint16(cdb[7:9], 4) // reads LBAs 8..11, beyond the 10-block LUN
	req := cmdRequest(0, cdb, 2, 0x200, 4*lun.BlockSize)

	resp, ok := d.Dispatch(req, 1)
	if !ok {
		t.Fatal("expected a response")
	}
	if resp[respOffStatus] != StatusCheckCondition {
		t.Fatalf("status = %#x, want check-condition\nresponse: %s", resp[respOffStatus], spew.Sdump(resp))
	}
	if resp[respOffSenseKey] != SenseIllegalRequest || resp[respOffASC] != ASCLBAOutOfRange {
		t.Errorf("sense key/ASC = %#x/%#x, want %#x/%#x", resp[respOffSenseKey], resp[respOffASC], SenseIllegalRequest, ASCLBAOutOfRange)
	}
}

func TestWrite10ThenRead10RoundTrip(t *testing.T) {
	l := newTestLUN(t, 10)
	mem := dma.NewGuestMemory(4096)
	luns := NewLUNTable()
	luns.Add(0, l)
	d := NewDispatcher(luns, mem)

	writeData := make([]byte, lun.BlockSize)
	for i := range writeData {
		writeData[i] = byte(i)
	}
	mem.Write(0x500, writeData)

	cdbW := make([]byte, 10)
	cdbW[0] = opWrite10
	binary.BigEndian.PutUint32(cdbW[2:6], 3)
	binary.BigEndian.PutUint16(cdbW[7:9], 1)
	reqW := cmdRequest(0, cdbW, 3, 0x500, lun.BlockSize)
	respW, _ := d.Dispatch(reqW, 1)
	if respW[respOffStatus] != StatusGood {
		t.Fatalf("write status = %#x, want good", respW[respOffStatus])
	}

	cdbR := make([]byte, 10)
	cdbR[0] = opRead10
	binary.BigEndian.PutUint32(cdbR[2:6], 3)
	binary.BigEndian.PutUint16(cdbR[7:9], 1)
	reqR := cmdRequest(0, cdbR, 4, 0x900, lun.BlockSize)
	respR, _ := d.Dispatch(reqR, 1)
	if respR[respOffStatus] != StatusGood {
		t.Fatalf("read status = %#x, want good", respR[respOffStatus])
	}
	got := make([]byte, lun.BlockSize)
	mem.Read(0x900, got)
	for i := range got {
		if got[i] != writeData[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], writeData[i])
		}
	}
}

func TestInquiryUnknownLUNStillAnswered(t *testing.T) {
	mem := dma.NewGuestMemory(4096)
	luns := NewLUNTable()
	d := NewDispatcher(luns, mem)

	cdb := make([]byte, 10)
	cdb[0] = opInquiry
	binary.BigEndian.PutUint16(cdb[3:5], 36)
	req := cmdRequest(5, cdb, 9, 0x700, 36)

	resp, ok := d.Dispatch(req, 1)
	if !ok || resp[respOffStatus] != StatusGood {
		t.Fatalf("expected INQUIRY to succeed regardless of LUN presence, got status %#x", resp[respOffStatus])
	}
}

func TestTestUnitReadyUnknownLUNCheckCondition(t *testing.T) {
	mem := dma.NewGuestMemory(4096)
	luns := NewLUNTable()
	d := NewDispatcher(luns, mem)

	cdb := make([]byte, 10)
	cdb[0] = opTestUnitReady
	req := cmdRequest(5, cdb, 10, 0, 0)

	resp, _ := d.Dispatch(req, 1)
	if resp[respOffStatus] != StatusCheckCondition {
		t.Fatalf("status = %#x, want check-condition for nonexistent LUN", resp[respOffStatus])
	}
}
