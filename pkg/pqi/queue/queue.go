// Package queue implements the PQI inbound/outbound ring queue model: up to
// 64 IQ and 64 OQ slots (slot 0 reserved for the admin pair), their
// producer/consumer index bookkeeping, and the doorbell-triggered event
// processors that drain or acknowledge them.
package queue

import (
	"fmt"

	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
)

// AdminElementLength is the fixed 64-byte IU slot size used by the admin
// queue pair and, by convention in this engine, by every operational queue
// as well (the original format allows a configurable element length but
// this rewrite does not implement IUs that span more than one slot).
const AdminElementLength = 64

// MaxQueues is the number of IQ/OQ slots the device exposes, slot 0 being
// the reserved admin pair.
const MaxQueues = 64

// AdminAddrMask masks the low 6 bits off a published admin CI/PI address,
// matching ADMIN_CIA_PIA_MASK.
const AdminAddrMask uint64 = 0xFFFFFFFFFFFFFFC0

// OpAddrMask masks the low 2 bits off a published operational CI/PI
// address, matching OP_CIA_PIA_QC_MASK.
const OpAddrMask uint64 = 0xFFFFFFFFFFFFFFFC

// IQ is one inbound (host-to-device) ring queue descriptor.
type IQ struct {
	ID            uint32
	Active        bool
	ElementArray  uint64 // guest address of the element array
	CIAddr        uint64 // guest address the device publishes its CI to
	Size          uint32 // element count
	ElementLength uint32 // as configured at create time; reported back verbatim, not used to size transfers (see elementLength)
	PIRegOffset   uint32 // BAR offset of this queue's PI doorbell

	ci uint32 // device-local shadow consumer index
}

// OQ is one outbound (device-to-host) ring queue descriptor.
type OQ struct {
	ID            uint32
	Active        bool
	ElementArray  uint64
	PIAddr        uint64 // guest address the device publishes its PI to
	Size          uint32
	ElementLength uint32 // as configured at create time; reported back verbatim, not used to size transfers (see elementLength)
	CIRegOffset   uint32 // BAR offset of this queue's CI doorbell
	MSIXVector    uint32

	pi uint32 // device-local shadow producer index
	ci uint32 // device-local shadow consumer index (host acknowledgements)
}

// CI returns the queue's current local consumer-index shadow.
func (q *IQ) CI() uint32 { return q.ci }

// PI returns the queue's current local producer-index shadow.
func (q *OQ) PI() uint32 { return q.pi }

// CI returns the last consumer index the host acknowledged on this OQ.
func (q *OQ) CI() uint32 { return q.ci }

func addrMask(qid uint32) uint64 {
	if qid == 0 {
		return AdminAddrMask
	}
	return OpAddrMask
}

// elementLength is the DMA-transfer size used for every ring element,
// admin or operational. A Create-Operational-IQ/OQ request carries its own
// element-length field (in 16-byte units) and it is validated at create
// time, but -- matching the original device model, which always transfers
// a fixed ADM_IQ_ELEMENT_LENGTH/ADM_OQ_ELEMENT_LENGTH slot regardless of
// that field -- the configured value is never used to size a transfer.
func elementLength(qid uint32, configured uint32) uint32 {
	return AdminElementLength
}

// ProcessIQEvent drains every element visible between the queue's local CI
// and the producer index just observed on the doorbell, invoking dispatch
// on each raw element in FIFO order, then publishes the advanced CI back to
// the host via bridge.
func ProcessIQEvent(q *IQ, pi uint32, bridge dma.Bridge, dispatch func(elem []byte)) error {
	if q.Size == 0 {
		return fmt.Errorf("queue: IQ %d has zero size", q.ID)
	}
	elemLen := elementLength(q.ID, q.ElementLength)
	for q.ci != pi {
		elem := make([]byte, elemLen)
		off := q.ElementArray + uint64(q.ci)*uint64(elemLen)
		if err := bridge.Read(off, elem); err != nil {
			return fmt.Errorf("queue: IQ %d read element at ci=%d: %w", q.ID, q.ci, err)
		}
		dispatch(elem)
		q.ci = (q.ci + 1) % q.Size
		if err := publishIndex(bridge, q.CIAddr, q.ci, addrMask(q.ID)); err != nil {
			return err
		}
	}
	return nil
}

// ProcessOQEvent refreshes the device-local view of what the host has
// consumed off an outbound queue, so a producer that deferred on "OQ full"
// could proceed; this engine does not implement OQ back-pressure (see
// PostToOQ), so today this only updates the bookkeeping value.
func ProcessOQEvent(q *OQ, hostCI uint32) {
	q.ci = hostCI
}

// PostToOQ writes iu into the next free slot at the queue's local PI,
// advances and publishes PI, and returns the new PI for the interrupt
// notifier to act on. Per the original device model, this proceeds
// unconditionally even if PI would catch up to CI (OQ-full back-pressure is
// an explicitly unimplemented open point, not something this rewrite adds).
func PostToOQ(q *OQ, iu []byte, bridge dma.Bridge) (uint32, error) {
	if q.Size == 0 {
		return 0, fmt.Errorf("queue: OQ %d has zero size", q.ID)
	}
	elemLen := elementLength(q.ID, q.ElementLength)
	if uint32(len(iu)) > elemLen {
		return 0, fmt.Errorf("queue: OQ %d response of %d bytes exceeds element length %d", q.ID, len(iu), elemLen)
	}
	off := q.ElementArray + uint64(q.pi)*uint64(elemLen)
	if err := bridge.Write(off, iu); err != nil {
		return 0, fmt.Errorf("queue: OQ %d write response at pi=%d: %w", q.ID, q.pi, err)
	}
	q.pi = (q.pi + 1) % q.Size
	if err := publishIndex(bridge, q.PIAddr, q.pi, addrMask(q.ID)); err != nil {
		return 0, err
	}
	return q.pi, nil
}

func publishIndex(bridge dma.Bridge, addr uint64, idx uint32, mask uint64) error {
	if addr == 0 {
		return nil
	}
	buf := make([]byte, 4)
	buf[0] = byte(idx)
	buf[1] = byte(idx >> 8)
	buf[2] = byte(idx >> 16)
	buf[3] = byte(idx >> 24)
	return bridge.Write(addr&mask, buf)
}
