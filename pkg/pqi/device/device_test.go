package device

import (
	"encoding/binary"
	"testing"

	"github.com/open-source-firmware/pqiemu/pkg/pqi/admin"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/bar"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/iu"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/mmio"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/pqistate"
)

type nullSink struct{}

func (nullSink) NotifyMSIX(uint32) {}
func (nullSink) NotifyMSI()        {}
func (nullSink) PulseINTx()        {}

type recordingSink struct {
	msixVectors []uint32
}

func (s *recordingSink) NotifyMSIX(vector uint32) { s.msixVectors = append(s.msixVectors, vector) }
func (s *recordingSink) NotifyMSI()                {}
func (s *recordingSink) PulseINTx()                {}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// createOpQueueRequest builds a Create-Operational-IQ/OQ admin request IU,
// matching the field layout admin.Dispatcher expects (offID=12,
// offAddrPrimary=16, offAddrElemArray=24, offElemCount=32, offElemLength=34,
// offProtocol=36/46).
func createOpQueueRequest(fn byte, id, count, length uint16, addrPrimary, addrElemArray uint64, extra uint16) []byte {
	req := make([]byte, 64)
	iu.Header{Type: iu.TypeAdminRequest, Length: 0x003C}.Encode(req)
	req[10] = fn
	binary.LittleEndian.PutUint16(req[12:], id)
	binary.LittleEndian.PutUint64(req[16:], addrPrimary)
	binary.LittleEndian.PutUint64(req[24:], addrElemArray)
	binary.LittleEndian.PutUint16(req[32:], count)
	binary.LittleEndian.PutUint16(req[34:], length)
	if fn == admin.FuncCreateOperationalOQ {
		binary.LittleEndian.PutUint16(req[46:], 0) // protocol
		binary.LittleEndian.PutUint16(req[36:], extra) // MSI-X entry
	}
	return req
}

// sopTestUnitReadyRequest builds a SOP-Limited-Command IU carrying a TEST
// UNIT READY CDB against lunID, matching sop.Dispatcher's field layout
// (offRequestID=8, offLUN=7, offCDB=16).
func sopTestUnitReadyRequest(requestID uint16, lunID byte) []byte {
	req := make([]byte, 64)
	iu.Header{Type: iu.TypeSOPLimitedCmd, Length: 0x003C}.Encode(req)
	binary.LittleEndian.PutUint16(req[8:], requestID)
	req[7] = lunID
	return req
}

func TestNewDeviceReachesBARRegsReady(t *testing.T) {
	mem := dma.NewGuestMemory(64 * 1024)
	d := New(mem, nullSink{}, 0, t.TempDir())
	if d.Machine.State() != pqistate.PD2 {
		t.Fatalf("state = %v, want PD2 after construction", d.Machine.State())
	}
}

func createAdminQueuePair(t *testing.T, d *Device) {
	t.Helper()
	d.WriteReg(bar.AdminQueueParam, 4|(4<<12), 4)
	d.WriteReg(bar.AQConfig, uint32(mmio.FuncCreateAdminQueuePair), 1)
	if d.Machine.State() != pqistate.PD3 {
		t.Fatalf("state = %v, want PD3 after admin queue pair create", d.Machine.State())
	}
}

// TestSoftResetReturnsToPD2Unconditionally matches scenario S6: a
// SOFT_RESET write while in PD3 (admin queue pair active) returns the
// device to PD2 and tears down the admin queue pair.
func TestSoftResetReturnsToPD2Unconditionally(t *testing.T) {
	mem := dma.NewGuestMemory(64 * 1024)
	d := New(mem, nullSink{}, 0, t.TempDir())
	createAdminQueuePair(t, d)

	if err := d.WriteReg(bar.Reset, ResetSoft|resetActionStart<<5, 1); err != nil {
		t.Fatalf("WriteReg SOFT_RESET: %v", err)
	}

	if d.Machine.State() != pqistate.PD2 {
		t.Fatalf("state = %v, want PD2 after SOFT_RESET", d.Machine.State())
	}
	if d.Queues.IQ[0] != nil || d.Queues.OQ[0] != nil {
		t.Error("expected admin queue pair torn down by SOFT_RESET")
	}

	v, err := d.ReadReg(bar.Reset, 1)
	if err != nil {
		t.Fatalf("ReadReg Reset: %v", err)
	}
	if (byte(v)>>5)&0x7 != resetActionCompleted {
		t.Errorf("resetAction = %#x, want START_RESET_COMPLETED (%#x)", (byte(v)>>5)&0x7, resetActionCompleted)
	}
}

// TestResetIgnoredWithoutStartAction matches the Reset register's
// resetAction gate: a write whose resetAction field is not START_RESET
// must not trigger any reset, even when resetType names SOFT_RESET.
func TestResetIgnoredWithoutStartAction(t *testing.T) {
	mem := dma.NewGuestMemory(64 * 1024)
	d := New(mem, nullSink{}, 0, t.TempDir())
	createAdminQueuePair(t, d)

	if err := d.WriteReg(bar.Reset, ResetSoft, 1); err != nil {
		t.Fatalf("WriteReg: %v", err)
	}
	if d.Machine.State() != pqistate.PD3 {
		t.Errorf("state = %v, want unchanged PD3 when resetAction is not START_RESET", d.Machine.State())
	}
	if d.Queues.IQ[0] == nil {
		t.Error("expected admin queue pair to survive a write with no resetAction")
	}
}

func TestFirmAndHardResetAreAcknowledgeOnlyStubs(t *testing.T) {
	mem := dma.NewGuestMemory(64 * 1024)
	d := New(mem, nullSink{}, 0, t.TempDir())
	createAdminQueuePair(t, d)

	if err := d.WriteReg(bar.Reset, ResetFirm|resetActionStart<<5, 1); err != nil {
		t.Fatalf("WriteReg FIRM_RESET: %v", err)
	}
	if d.Machine.State() != pqistate.PD3 {
		t.Errorf("state = %v, want unchanged PD3 after FIRM_RESET stub", d.Machine.State())
	}
	if d.Queues.IQ[0] == nil {
		t.Error("expected admin queue pair to survive FIRM_RESET stub")
	}
}

// TestOperationalQueueRoundTripPostsSOPResponse drives a full round trip
// through an operational queue pair: create it via the admin queue, ring
// its IQ doorbell with a SOP-Limited-Command element, and confirm the SOP
// dispatcher's response lands in the matching operational OQ and raises an
// interrupt. This exercises the path device_test's admin-only tests never
// touch, where an unconverted element-length field once caused every
// operational response to be silently dropped.
func TestOperationalQueueRoundTripPostsSOPResponse(t *testing.T) {
	const (
		adminIQArray = 0x1000
		adminOQArray = 0x1800
		opIQArray    = 0x2000
		opIQCIA      = 0x2800
		opOQArray    = 0x3000
		opOQPIA      = 0x3800
	)

	mem := dma.NewGuestMemory(64 * 1024)
	sink := &recordingSink{}
	d := New(mem, sink, 0, t.TempDir())
	if err := d.AddLUN(0, 100); err != nil {
		t.Fatalf("AddLUN: %v", err)
	}

	d.Regs.WriteRaw(bar.AdminIQEAA, le64(adminIQArray))
	d.Regs.WriteRaw(bar.AdminOQEAA, le64(adminOQArray))
	d.WriteReg(bar.AdminQueueParam, 4|(4<<12), 4)
	d.WriteReg(bar.AQConfig, uint32(mmio.FuncCreateAdminQueuePair), 1)
	if d.Machine.State() != pqistate.PD3 {
		t.Fatalf("state = %v, want PD3 after admin queue pair create", d.Machine.State())
	}

	createIQ := createOpQueueRequest(admin.FuncCreateOperationalIQ, 1, 4, 4, opIQCIA, opIQArray, 0)
	mem.Write(adminIQArray, createIQ)
	if err := d.WriteReg(bar.IQPIBase, 1, 4); err != nil {
		t.Fatalf("WriteReg admin IQ doorbell (create IQ): %v", err)
	}
	if d.Queues.IQ[1] == nil || !d.Queues.IQ[1].Active {
		t.Fatal("expected operational IQ 1 to be active after create")
	}

	createOQ := createOpQueueRequest(admin.FuncCreateOperationalOQ, 1, 4, 4, opOQPIA, opOQArray, 0)
	mem.Write(adminIQArray+64, createOQ)
	if err := d.WriteReg(bar.IQPIBase, 2, 4); err != nil {
		t.Fatalf("WriteReg admin IQ doorbell (create OQ): %v", err)
	}
	if d.Queues.OQ[1] == nil || !d.Queues.OQ[1].Active {
		t.Fatal("expected operational OQ 1 to be active after create")
	}

	interruptsBefore := len(sink.msixVectors)
	cmd := sopTestUnitReadyRequest(77, 0)
	mem.Write(opIQArray, cmd)
	opIQDoorbell := bar.IQPIBase + 1*bar.DoorbellWidth
	if err := d.WriteReg(opIQDoorbell, 1, 4); err != nil {
		t.Fatalf("WriteReg operational IQ doorbell: %v", err)
	}

	posted := make([]byte, 64)
	mem.Read(opOQArray, posted)
	hdr := iu.ParseHeader(posted)
	if hdr.Type != iu.TypeSOPCmdSuccess {
		t.Fatalf("posted response type = %#x, want %#x (IU: % x)", hdr.Type, iu.TypeSOPCmdSuccess, posted)
	}
	if gotIUID := binary.LittleEndian.Uint16(posted[4:]); gotIUID != 77 {
		t.Errorf("echoed iu id = %d, want 77", gotIUID)
	}
	if gotQID := binary.LittleEndian.Uint16(posted[8:]); gotQID != 1 {
		t.Errorf("echoed queue id = %d, want 1", gotQID)
	}
	if got := len(sink.msixVectors) - interruptsBefore; got != 1 {
		t.Fatalf("expected exactly one new MSI-X notification for the SOP response, got %d", got)
	}
}

func TestAddLUNAndCloseRoundTrip(t *testing.T) {
	mem := dma.NewGuestMemory(64 * 1024)
	d := New(mem, nullSink{}, 0, t.TempDir())
	if err := d.AddLUN(0, 100); err != nil {
		t.Fatalf("AddLUN: %v", err)
	}
	if _, ok := d.LUNs.Get(0); !ok {
		t.Fatal("expected LUN 0 registered")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
