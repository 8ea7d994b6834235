// Package sop implements the SOP (SCSI over PCIe) command dispatcher: the
// small SCSI command set this device model actually emulates (INQUIRY,
// TEST UNIT READY, READ CAPACITY(10), READ(10), WRITE(10)) carried inside
// SOP-Limited-Command IUs on an operational inbound queue, with SGL-based
// data movement and well-known IU success/error response framing.
package sop

import (
	"encoding/binary"

	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/iu"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/lun"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/sgl"
	"github.com/open-source-firmware/pqiemu/pkg/pqilog"
)

// SOP-Limited-Command IU field offsets, within the fixed 64-byte element,
// matching the original sopLimitedCommandIU layout (queue_id@4, work_area@6,
// request_id@8, direction/flags@10, reserved@11, xfer_size@12, cdb@16,
// sg[0]@32, sg[1]@48). offLUN repurposes the otherwise-unused second byte of
// work_area: the original format has no LUN field at all and always
// implies LUN 0 (SOP-Limited-Command IUs target LUN 0 only in the original
// device model), but this rewrite's multi-LUN table needs one.
const (
	offRequestID = 8
	offLUN       = 7
	offCDB       = 16
	cdbLen       = 16
	offSGL0      = 32
	offSGL1      = 48
)

// Response IU field offsets.
const (
	respOffIUID     = 4
	respOffStatus   = 6
	respOffQueueID  = 8
	respOffSenseKey = 8
	respOffASC      = 9
	respOffASCQ     = 10
)

// Response IU lengths, per the success (0x90) and failure (0x91) framing.
const (
	respSuccessLength = 0x000C
	respFailureLength = 0x0010
)

// SCSI status codes this device reports.
const (
	StatusGood           = 0x00
	StatusCheckCondition = 0x02
)

// SCSI sense keys/ASC/ASCQ this device reports.
const (
	SenseIllegalRequest = 0x05

	ASCLBAOutOfRange          = 0x21
	ASCLogicalUnitNotSupported = 0x25
	ASCQZero                  = 0x00
)

// SCSI opcodes this device model understands.
const (
	opTestUnitReady = 0x00
	opInquiry       = 0x12
	opReadCapacity  = 0x25
	opRead10        = 0x28
	opWrite10       = 0x2A
)

// LUNTable maps a flat SOP LUN number to its backing store.
type LUNTable struct {
	luns map[byte]*lun.Lun
}

// NewLUNTable builds an empty LUN table.
func NewLUNTable() *LUNTable {
	return &LUNTable{luns: make(map[byte]*lun.Lun)}
}

// Add registers a backing store under the given LUN number.
func (t *LUNTable) Add(id byte, l *lun.Lun) { t.luns[id] = l }

// Get looks up a LUN by number.
func (t *LUNTable) Get(id byte) (*lun.Lun, bool) {
	l, ok := t.luns[id]
	return l, ok
}

// Dispatcher executes SOP commands against a LUN table.
type Dispatcher struct {
	LUNs   *LUNTable
	Bridge dma.Bridge

	// Log, if set, receives a dump of every decoded command header at Dbg
	// level. Left nil by NewDispatcher; set by callers that want it (see
	// device.Device.SetLogger).
	Log *pqilog.Logger
}

// NewDispatcher builds a SOP dispatcher bound to the given LUN table.
func NewDispatcher(luns *LUNTable, bridge dma.Bridge) *Dispatcher {
	return &Dispatcher{LUNs: luns, Bridge: bridge}
}

// Dispatch parses one 64-byte SOP-Limited-Command IU arriving on
// operational queue qid and returns the response IU to post to the
// originating operational OQ. A NULL IU is silently consumed (ok=false).
func (d *Dispatcher) Dispatch(req []byte, qid uint32) (resp []byte, ok bool) {
	hdr := iu.ParseHeader(req)
	if hdr.IsNull() {
		return nil, false
	}
	iuID := binary.LittleEndian.Uint16(req[offRequestID:])
	if hdr.Type != iu.TypeSOPLimitedCmd {
		return d.checkCondition(iuID, SenseIllegalRequest, ASCLogicalUnitNotSupported, ASCQZero), true
	}

	lunID := req[offLUN]
	l, ok := d.LUNs.Get(lunID)
	cdb := req[offCDB : offCDB+cdbLen]
	opcode := cdb[0]
	if d.Log != nil {
		d.Log.Dump("sop command", struct {
			LUN    byte
			Opcode byte
			CDB    []byte
		}{lunID, opcode, cdb})
	}

	if !ok && opcode != opInquiry && opcode != opTestUnitReady {
		return d.checkCondition(iuID, SenseIllegalRequest, ASCLogicalUnitNotSupported, ASCQZero), true
	}

	d0 := sgl.ParseDescriptor(req[offSGL0 : offSGL0+16])
	d1 := sgl.ParseDescriptor(req[offSGL1 : offSGL1+16])

	switch opcode {
	case opTestUnitReady:
		return d.testUnitReady(iuID, qid, l), true
	case opInquiry:
		return d.inquiry(iuID, qid, cdb, d0, d1), true
	case opReadCapacity:
		return d.readCapacity(iuID, qid, l, d0, d1), true
	case opRead10:
		return d.read10(iuID, qid, l, cdb, d0, d1), true
	case opWrite10:
		return d.write10(iuID, qid, l, cdb, d0, d1), true
	default:
		return d.checkCondition(iuID, SenseIllegalRequest, 0x20, ASCQZero), true // ASC 0x20: invalid command operation code
	}
}

func successResponse(iuID uint16, qid uint32) []byte {
	resp := make([]byte, 64)
	iu.Header{Type: iu.TypeSOPCmdSuccess, Length: respSuccessLength}.Encode(resp)
	binary.LittleEndian.PutUint16(resp[respOffIUID:], iuID)
	resp[respOffStatus] = StatusGood
	binary.LittleEndian.PutUint16(resp[respOffQueueID:], uint16(qid))
	return resp
}

func (d *Dispatcher) checkCondition(iuID uint16, senseKey, asc, ascq byte) []byte {
	resp := make([]byte, 64)
	iu.Header{Type: iu.TypeSOPCmdResponse, Length: respFailureLength}.Encode(resp)
	binary.LittleEndian.PutUint16(resp[respOffIUID:], iuID)
	resp[respOffStatus] = StatusCheckCondition
	resp[respOffSenseKey] = senseKey
	resp[respOffASC] = asc
	resp[respOffASCQ] = ascq
	return resp
}

func (d *Dispatcher) testUnitReady(iuID uint16, qid uint32, l *lun.Lun) []byte {
	if l == nil {
		return d.checkCondition(iuID, SenseIllegalRequest, ASCLogicalUnitNotSupported, ASCQZero)
	}
	return successResponse(iuID, qid)
}

const inquiryDataLength = 36

func (d *Dispatcher) inquiry(iuID uint16, qid uint32, cdb []byte, d0, d1 sgl.Descriptor) []byte {
	allocLength := binary.BigEndian.Uint16(cdb[3:5])
	buf := make([]byte, inquiryDataLength)
	// peripheral qualifier/device type: 0x00 = direct-access block device, connected
	buf[0] = 0x00
	buf[2] = 0x05 // VERSION: SPC-3
	buf[3] = 0x02 // response data format
	buf[4] = inquiryDataLength - 5
	copy(buf[8:16], "HGST    ")
	copy(buf[16:32], "SOP-DEV-A       ")
	copy(buf[32:36], "0.01")

	n := int(allocLength)
	if n > len(buf) || n == 0 {
		n = len(buf)
	}
	if err := sgl.CopyToSGL(d.Bridge, d0, d1, buf[:n]); err != nil {
		return d.checkCondition(iuID, SenseIllegalRequest, 0x00, ASCQZero)
	}
	return successResponse(iuID, qid)
}

func (d *Dispatcher) readCapacity(iuID uint16, qid uint32, l *lun.Lun, d0, d1 sgl.Descriptor) []byte {
	buf := make([]byte, 8)
	var lastLBA uint32
	if l.SizeBlocks > 0 {
		lastLBA = l.SizeBlocks - 1
	}
	binary.BigEndian.PutUint32(buf[0:4], lastLBA)
	binary.BigEndian.PutUint32(buf[4:8], lun.BlockSize)

	if err := sgl.CopyToSGL(d.Bridge, d0, d1, buf); err != nil {
		return d.checkCondition(iuID, SenseIllegalRequest, 0x00, ASCQZero)
	}
	return successResponse(iuID, qid)
}

func (d *Dispatcher) read10(iuID uint16, qid uint32, l *lun.Lun, cdb []byte, d0, d1 sgl.Descriptor) []byte {
	lba := binary.BigEndian.Uint32(cdb[2:6])
	count := uint32(binary.BigEndian.Uint16(cdb[7:9]))
	if count == 0 {
		return successResponse(iuID, qid)
	}
	// The original device model falls through to a success response when
	// the LBA range is out of bounds; this rewrite reports the SCSI
	// check-condition the SCSI standard actually requires.
	if !l.InRange(lba) || !l.InRange(lba+count-1) {
		return d.checkCondition(iuID, SenseIllegalRequest, ASCLBAOutOfRange, ASCQZero)
	}
	buf := make([]byte, int(count)*lun.BlockSize)
	if err := l.ReadBlocks(lba, count, buf); err != nil {
		return d.checkCondition(iuID, SenseIllegalRequest, ASCLBAOutOfRange, ASCQZero)
	}
	if err := sgl.CopyToSGL(d.Bridge, d0, d1, buf); err != nil {
		return d.checkCondition(iuID, SenseIllegalRequest, 0x00, ASCQZero)
	}
	return successResponse(iuID, qid)
}

func (d *Dispatcher) write10(iuID uint16, qid uint32, l *lun.Lun, cdb []byte, d0, d1 sgl.Descriptor) []byte {
	lba := binary.BigEndian.Uint32(cdb[2:6])
	count := uint32(binary.BigEndian.Uint16(cdb[7:9]))
	if count == 0 {
		return successResponse(iuID, qid)
	}
	if !l.InRange(lba) || !l.InRange(lba+count-1) {
		return d.checkCondition(iuID, SenseIllegalRequest, ASCLBAOutOfRange, ASCQZero)
	}
	buf := make([]byte, int(count)*lun.BlockSize)
	if err := sgl.CopyFromSGL(d.Bridge, d0, d1, buf); err != nil {
		return d.checkCondition(iuID, SenseIllegalRequest, 0x00, ASCQZero)
	}
	if err := l.WriteBlocks(lba, count, buf); err != nil {
		return d.checkCondition(iuID, SenseIllegalRequest, ASCLBAOutOfRange, ASCQZero)
	}
	return successResponse(iuID, qid)
}
