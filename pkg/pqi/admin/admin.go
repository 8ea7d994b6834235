// Package admin implements the PQI admin function dispatcher: the ten
// functions carried by Admin-Request IUs on the admin inbound queue
// (queue id 0) -- device capability/manufacturing reporting, operational
// queue create/delete/change-properties, and operational queue listing.
package admin

import (
	"encoding/binary"

	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/iu"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/queue"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/sgl"
	"github.com/open-source-firmware/pqiemu/pkg/pqilog"
)

// Admin function codes, carried at byte 10 of an Admin-Request IU.
const (
	FuncReportDeviceCapability = 0x00
	FuncReportManufacturingInfo = 0x01
	FuncCreateOperationalIQ     = 0x10
	FuncCreateOperationalOQ     = 0x11
	FuncDeleteOperationalIQ     = 0x12
	FuncDeleteOperationalOQ     = 0x13
	FuncChangeOpIQProperties    = 0x14
	FuncChangeOpOQProperties    = 0x15
	FuncReportOpIQList          = 0x16
	FuncReportOpOQList          = 0x17
)

// Admin response status codes.
const (
	StatusGood                 = 0x00
	StatusInvalidFieldInReqIU   = 0x82
	StatusDataBufError          = 0x83
	StatusDataInBufOverflow     = 0x84
	StatusGenericError          = 0x85
)

// Request field byte offsets shared by Create/Delete/Change Op IQ/OQ,
// matching the offsets the guest-visible additionalStatusDescriptor
// pointer reports back on failure.
const (
	offID            = 12
	offAddrPrimary   = 16 // iqCiAddress / oqPiAddress
	offAddrElemArray = 24
	offElemCount     = 32
	offElemLength    = 34
	offProtocolIQ    = 36
	offMSIXEntry     = 36
	offProtocolOQ    = 46
	offDataBufSize   = 12 // Report-Op-List requests reuse the id slot for buffer size
	offSGL           = 32 // Report-Caps/Man-Info/Op-List requests reuse count/length/protocol bytes as SGL space
)

const (
	respOffFunctionCode = 10
	respOffStatus       = 11
	respOffAddlStatus   = 12
	respOffRegOffset    = 16
)

// Queue bounds, per the "target id in [1,63]" / "element-count in [2,256]"
// / "element-length in [4,255]" validation rules.
const (
	MinQueueID       = 1
	MaxQueueID       = 63
	MinElementCount  = 2
	MaxElementCount  = 256
	MinElementLength = 4
	MaxElementLength = 255
)

// Caps is the fixed Report-PQI-Device-Capability parameter data.
type Caps struct {
	MaxAdminIQElements        uint16
	MaxAdminOQElements        uint16
	MaxOpIQElements           uint16
	MaxOpOQElements           uint16
	MaxInboundIULength        uint16
	MaxOutboundIULength       uint16
	InboundSpanningSupported  bool
	OutboundSpanningSupported bool
}

// DefaultCaps returns the capability values this engine reports; it does
// not implement IU spanning, so both spanning-supported flags are false.
func DefaultCaps() Caps {
	return Caps{
		MaxAdminIQElements:  queue.MaxQueues,
		MaxAdminOQElements:  queue.MaxQueues,
		MaxOpIQElements:     MaxElementCount,
		MaxOpOQElements:     MaxElementCount,
		MaxInboundIULength:  queue.AdminElementLength,
		MaxOutboundIULength: queue.AdminElementLength,
	}
}

// ManufacturingInfo is the fixed Report-Manufacturing-Info parameter data.
type ManufacturingInfo struct {
	Vendor   string
	Product  string
	Firmware string
}

// DefaultManufacturingInfo matches the original device model's hardcoded
// identity strings.
func DefaultManufacturingInfo() ManufacturingInfo {
	return ManufacturingInfo{Vendor: "HGST", Product: "SOP-DEV-A", Firmware: "0.01"}
}

// QueueTable is the device's 64-slot IQ and OQ descriptor arrays; a nil
// slot is the "inactive" sentinel.
type QueueTable struct {
	IQ [queue.MaxQueues]*queue.IQ
	OQ [queue.MaxQueues]*queue.OQ
}

// Dispatcher executes admin functions against a QueueTable.
type Dispatcher struct {
	Queues *QueueTable
	Caps   Caps
	Info   ManufacturingInfo
	Bridge dma.Bridge

	// ErrorCount counts every non-GOOD admin response returned, for
	// metrics export.
	ErrorCount uint64

	// Log, if set, receives a dump of every decoded admin header at Dbg
	// level. Left nil by NewDispatcher; set by callers that want it (see
	// device.Device.SetLogger).
	Log *pqilog.Logger
}

// NewDispatcher builds an admin dispatcher bound to the given queue table.
func NewDispatcher(qt *QueueTable, caps Caps, info ManufacturingInfo, bridge dma.Bridge) *Dispatcher {
	return &Dispatcher{Queues: qt, Caps: caps, Info: info, Bridge: bridge}
}

// Dispatch parses one 64-byte admin IU element and returns the response IU
// to post to the admin OQ. A NULL IU (type=feat=length=0) is silently
// consumed and yields no response (ok=false).
func (d *Dispatcher) Dispatch(req []byte) (resp []byte, ok bool) {
	hdr := iu.ParseHeader(req)
	if hdr.IsNull() {
		return nil, false
	}
	if d.Log != nil {
		d.Log.Dump("admin request header", hdr)
	}
	if hdr.Type != iu.TypeAdminRequest {
		return d.errorResponse(0, StatusGenericError, 0), true
	}
	fn := req[10]
	switch fn {
	case FuncReportDeviceCapability:
		return d.reportDeviceCapability(req), true
	case FuncReportManufacturingInfo:
		return d.reportManufacturingInfo(req), true
	case FuncCreateOperationalIQ:
		return d.createOperationalIQ(req), true
	case FuncCreateOperationalOQ:
		return d.createOperationalOQ(req), true
	case FuncDeleteOperationalIQ:
		return d.deleteOperationalIQ(req), true
	case FuncDeleteOperationalOQ:
		return d.deleteOperationalOQ(req), true
	case FuncChangeOpIQProperties:
		return d.changeOpProperties(fn, req), true
	case FuncChangeOpOQProperties:
		return d.changeOpProperties(fn, req), true
	case FuncReportOpIQList:
		return d.reportOpIQList(req), true
	case FuncReportOpOQList:
		return d.reportOpOQList(req), true
	default:
		return d.errorResponse(fn, StatusGenericError, 0), true
	}
}

func newResponse(fn byte) []byte {
	resp := make([]byte, queue.AdminElementLength)
	iu.Header{Type: iu.TypeAdminResponse, Feature: 0, Length: 0x003C}.Encode(resp)
	resp[respOffFunctionCode] = fn
	resp[respOffStatus] = StatusGood
	return resp
}

func (d *Dispatcher) errorResponse(fn byte, status byte, addlStatus uint16) []byte {
	d.ErrorCount++
	resp := newResponse(fn)
	resp[respOffStatus] = status
	binary.LittleEndian.PutUint16(resp[respOffAddlStatus:], addlStatus)
	return resp
}

func sglDescriptors(req []byte) (sgl.Descriptor, sgl.Descriptor) {
	d0 := sgl.ParseDescriptor(req[offSGL : offSGL+16])
	d1 := sgl.ParseDescriptor(req[offSGL+16 : offSGL+32])
	return d0, d1
}

func (d *Dispatcher) reportDeviceCapability(req []byte) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:], d.Caps.MaxAdminIQElements)
	binary.LittleEndian.PutUint16(buf[2:], d.Caps.MaxAdminOQElements)
	binary.LittleEndian.PutUint16(buf[4:], d.Caps.MaxOpIQElements)
	binary.LittleEndian.PutUint16(buf[6:], d.Caps.MaxOpOQElements)
	binary.LittleEndian.PutUint16(buf[8:], d.Caps.MaxInboundIULength)
	binary.LittleEndian.PutUint16(buf[10:], d.Caps.MaxOutboundIULength)
	if d.Caps.InboundSpanningSupported {
		buf[12] = 1
	}
	if d.Caps.OutboundSpanningSupported {
		buf[13] = 1
	}

	d0, d1 := sglDescriptors(req)
	if err := sgl.CopyToSGL(d.Bridge, d0, d1, buf); err != nil {
		return d.errorResponse(FuncReportDeviceCapability, StatusDataBufError, 0)
	}
	return newResponse(FuncReportDeviceCapability)
}

func (d *Dispatcher) reportManufacturingInfo(req []byte) []byte {
	buf := make([]byte, 64)
	copy(buf[0:32], d.Info.Vendor)
	copy(buf[32:48], d.Info.Product)
	copy(buf[48:56], d.Info.Firmware)

	d0, d1 := sglDescriptors(req)
	if err := sgl.CopyToSGL(d.Bridge, d0, d1, buf); err != nil {
		return d.errorResponse(FuncReportManufacturingInfo, StatusDataBufError, 0)
	}
	return newResponse(FuncReportManufacturingInfo)
}

func validateElemCount(n uint16) bool {
	return n >= MinElementCount && n <= MaxElementCount
}

func validateElemLength(n uint16) bool {
	return n >= MinElementLength && n <= MaxElementLength
}

func validateID(id uint16) bool {
	return id >= MinQueueID && id <= MaxQueueID
}

func (d *Dispatcher) createOperationalIQ(req []byte) []byte {
	id := binary.LittleEndian.Uint16(req[offID:])
	if !validateID(id) {
		return d.errorResponse(FuncCreateOperationalIQ, StatusInvalidFieldInReqIU, offID)
	}
	if d.Queues.IQ[id] != nil {
		return d.errorResponse(FuncCreateOperationalIQ, StatusInvalidFieldInReqIU, offID)
	}
	count := binary.LittleEndian.Uint16(req[offElemCount:])
	if !validateElemCount(count) {
		return d.errorResponse(FuncCreateOperationalIQ, StatusInvalidFieldInReqIU, offElemCount)
	}
	length := binary.LittleEndian.Uint16(req[offElemLength:])
	if !validateElemLength(length) {
		return d.errorResponse(FuncCreateOperationalIQ, StatusInvalidFieldInReqIU, offElemLength)
	}
	if req[offProtocolIQ] != 0 {
		return d.errorResponse(FuncCreateOperationalIQ, StatusInvalidFieldInReqIU, offProtocolIQ)
	}

	ciAddr := binary.LittleEndian.Uint64(req[offAddrPrimary:])
	eaAddr := binary.LittleEndian.Uint64(req[offAddrElemArray:])
	piRegOffset := IQPIRegOffset(id)
	d.Queues.IQ[id] = &queue.IQ{
		ID:            uint32(id),
		Active:        true,
		ElementArray:  eaAddr,
		CIAddr:        ciAddr,
		Size:          uint32(count),
		ElementLength: uint32(length),
		PIRegOffset:   piRegOffset,
	}

	resp := newResponse(FuncCreateOperationalIQ)
	binary.LittleEndian.PutUint16(resp[respOffRegOffset:], uint16(piRegOffset))
	return resp
}

func (d *Dispatcher) createOperationalOQ(req []byte) []byte {
	id := binary.LittleEndian.Uint16(req[offID:])
	if !validateID(id) {
		return d.errorResponse(FuncCreateOperationalOQ, StatusInvalidFieldInReqIU, offID)
	}
	if d.Queues.OQ[id] != nil {
		return d.errorResponse(FuncCreateOperationalOQ, StatusInvalidFieldInReqIU, offID)
	}
	count := binary.LittleEndian.Uint16(req[offElemCount:])
	if !validateElemCount(count) {
		return d.errorResponse(FuncCreateOperationalOQ, StatusInvalidFieldInReqIU, offElemCount)
	}
	length := binary.LittleEndian.Uint16(req[offElemLength:])
	if !validateElemLength(length) {
		return d.errorResponse(FuncCreateOperationalOQ, StatusInvalidFieldInReqIU, offElemLength)
	}
	if req[offProtocolOQ] != 0 {
		return d.errorResponse(FuncCreateOperationalOQ, StatusInvalidFieldInReqIU, offProtocolOQ)
	}

	piAddr := binary.LittleEndian.Uint64(req[offAddrPrimary:])
	eaAddr := binary.LittleEndian.Uint64(req[offAddrElemArray:])
	msixEntry := binary.LittleEndian.Uint16(req[offMSIXEntry:]) & 0x7FF
	ciRegOffset := OQCIRegOffset(id)
	d.Queues.OQ[id] = &queue.OQ{
		ID:            uint32(id),
		Active:        true,
		ElementArray:  eaAddr,
		PIAddr:        piAddr,
		Size:          uint32(count),
		ElementLength: uint32(length),
		CIRegOffset:   ciRegOffset,
		MSIXVector:    uint32(msixEntry),
	}

	resp := newResponse(FuncCreateOperationalOQ)
	binary.LittleEndian.PutUint16(resp[respOffRegOffset:], uint16(ciRegOffset))
	return resp
}

func (d *Dispatcher) deleteOperationalIQ(req []byte) []byte {
	id := binary.LittleEndian.Uint16(req[offID:])
	if !validateID(id) || d.Queues.IQ[id] == nil || !d.Queues.IQ[id].Active {
		return d.errorResponse(FuncDeleteOperationalIQ, StatusInvalidFieldInReqIU, offID)
	}
	d.Queues.IQ[id] = nil
	return newResponse(FuncDeleteOperationalIQ)
}

func (d *Dispatcher) deleteOperationalOQ(req []byte) []byte {
	id := binary.LittleEndian.Uint16(req[offID:])
	// The original device model's OQ-delete validation condition is
	// inverted relative to its own IQ-delete path; this rewrite applies
	// the same "refuse if not active" invariant to both, consistent with
	// idempotent create-delete-create semantics.
	if !validateID(id) || d.Queues.OQ[id] == nil || !d.Queues.OQ[id].Active {
		return d.errorResponse(FuncDeleteOperationalOQ, StatusInvalidFieldInReqIU, offID)
	}
	d.Queues.OQ[id] = nil
	return newResponse(FuncDeleteOperationalOQ)
}

// changeOpProperties validates the target queue exists but does not mutate
// any property -- the property set to update is an explicit open point in
// the original device model, left undefined there.
func (d *Dispatcher) changeOpProperties(fn byte, req []byte) []byte {
	id := binary.LittleEndian.Uint16(req[offID:])
	if !validateID(id) {
		return d.errorResponse(fn, StatusInvalidFieldInReqIU, offID)
	}
	if fn == FuncChangeOpIQProperties && d.Queues.IQ[id] == nil {
		return d.errorResponse(fn, StatusInvalidFieldInReqIU, offID)
	}
	if fn == FuncChangeOpOQProperties && d.Queues.OQ[id] == nil {
		return d.errorResponse(fn, StatusInvalidFieldInReqIU, offID)
	}
	return newResponse(fn)
}

const listDescriptorLength = 24

func (d *Dispatcher) reportOpIQList(req []byte) []byte {
	var active []*queue.IQ
	for _, q := range d.Queues.IQ {
		if q != nil && q.Active {
			active = append(active, q)
		}
	}
	if len(active) == 0 {
		return d.errorResponse(FuncReportOpIQList, StatusInvalidFieldInReqIU, offID)
	}

	dataBufSize := binary.LittleEndian.Uint16(req[offDataBufSize:])
	n := trimToFit(len(active), dataBufSize)

	buf := make([]byte, 4+n*listDescriptorLength)
	binary.LittleEndian.PutUint32(buf[0:], uint32(n))
	for i := 0; i < n; i++ {
		encodeListDescriptor(buf[4+i*listDescriptorLength:], active[i].ID, active[i].ElementArray,
			uint32(active[i].PIRegOffset), active[i].Size, active[i].ElementLength)
	}

	d0, d1 := sglDescriptors(req)
	if err := sgl.CopyToSGL(d.Bridge, d0, d1, buf); err != nil {
		return d.errorResponse(FuncReportOpIQList, StatusDataBufError, 0)
	}
	return newResponse(FuncReportOpIQList)
}

func (d *Dispatcher) reportOpOQList(req []byte) []byte {
	var active []*queue.OQ
	for _, q := range d.Queues.OQ {
		if q != nil && q.Active {
			active = append(active, q)
		}
	}
	if len(active) == 0 {
		return d.errorResponse(FuncReportOpOQList, StatusInvalidFieldInReqIU, offID)
	}

	dataBufSize := binary.LittleEndian.Uint16(req[offDataBufSize:])
	n := trimToFit(len(active), dataBufSize)

	buf := make([]byte, 4+n*listDescriptorLength)
	binary.LittleEndian.PutUint32(buf[0:], uint32(n))
	for i := 0; i < n; i++ {
		encodeListDescriptor(buf[4+i*listDescriptorLength:], active[i].ID, active[i].ElementArray,
			uint32(active[i].CIRegOffset), active[i].Size, active[i].ElementLength)
	}

	d0, d1 := sglDescriptors(req)
	if err := sgl.CopyToSGL(d.Bridge, d0, d1, buf); err != nil {
		return d.errorResponse(FuncReportOpOQList, StatusDataBufError, 0)
	}
	// Function code 0x17, distinctly from the IQ list's 0x16 -- the
	// original device model's OQ-list response reuses the IQ function
	// code, which this rewrite treats as a defect and corrects.
	return newResponse(FuncReportOpOQList)
}

// trimToFit reduces the descriptor count to whatever fits in dataBufSize
// bytes of parameter data (header + n*descriptor), rather than repeatedly
// subtracting the header size from the byte count as the original does. A
// dataBufSize of zero leaves the count untrimmed.
func trimToFit(count int, dataBufSize uint16) int {
	if dataBufSize == 0 {
		return count
	}
	max := (int(dataBufSize) - 4) / listDescriptorLength
	if max < 0 {
		max = 0
	}
	if max < count {
		return max
	}
	return count
}

func encodeListDescriptor(b []byte, id uint32, elementArray uint64, regOffset uint32, size, elementLength uint32) {
	binary.LittleEndian.PutUint16(b[0:], uint16(id))
	binary.LittleEndian.PutUint64(b[4:], elementArray)
	binary.LittleEndian.PutUint16(b[12:], uint16(regOffset))
	binary.LittleEndian.PutUint16(b[14:], uint16(size))
	binary.LittleEndian.PutUint16(b[16:], uint16(elementLength))
	b[18] = 0 // protocol
	b[19] = 0 // vendor-specific
}

// IQPIRegOffset returns the BAR offset of operational IQ id's PI doorbell.
func IQPIRegOffset(id uint16) uint32 {
	return 0x0100 + uint32(id)*8
}

// OQCIRegOffset returns the BAR offset of operational OQ id's CI doorbell.
func OQCIRegOffset(id uint16) uint32 {
	return 0x0300 + uint32(id)*8
}
