// Package mmio is the device's single BAR0 access point: it routes guest
// register reads/writes by width, detects doorbell writes and drives the
// corresponding queue's event processor, and handles the AQ-Config
// function-code byte write that creates or deletes the admin queue pair.
// Processing runs on any write that covers byte 0 of AQ-Config; a write to
// the upper dword alone does not trigger it.
package mmio

import (
	"encoding/binary"
	"fmt"

	"github.com/open-source-firmware/pqiemu/pkg/pqi/admin"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/bar"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/intr"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/pqistate"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/queue"
)

// AQ-Config function codes, carried in the lowest byte of the AQConfig
// register's lower dword.
const (
	FuncCreateAdminQueuePair = 0x01
	FuncDeleteAdminQueuePair = 0x02
)

// PQI_ADMIN_QUEUE element-count bounds for the admin queue pair, encoded in
// the 12-bit IQ/OQ element-count fields of Admin-Queue-Parameter.
const (
	MinAdminElements = 2
	MaxAdminElements = 1 << 12
)

// Dispatch parses one raw admin queue element and returns the response IU
// to post (if any). The admin queue is always id 0, so it needs no queue
// id parameter.
type Dispatch func(elem []byte) (resp []byte, ok bool)

// OpDispatch parses one raw operational queue element arriving on queue
// qid and returns the response IU to post (if any); qid lets the SOP
// dispatcher echo the originating queue id in its success response.
type OpDispatch func(elem []byte, qid uint32) (resp []byte, ok bool)

// Controller owns BAR0 register storage and the side effects a guest write
// can trigger: doorbell-driven queue draining, AQ-Config processing, and
// interrupt notification.
type Controller struct {
	Regs     *bar.RegisterFile
	Machine  *pqistate.Machine
	Queues   *admin.QueueTable
	Bridge   dma.Bridge
	Notifier *intr.Notifier

	AdminDispatch Dispatch
	// OpDispatch handles one operational-queue element; queue id N's
	// response is posted to operational OQ N, the pairing convention this
	// engine assumes in the absence of an explicit per-command OQ target.
	OpDispatch OpDispatch

	MSIXEnabled bool

	// DoorbellCount and InterruptCount accumulate for metrics export.
	DoorbellCount  uint64
	InterruptCount uint64
}

// WriteReg applies a guest register write of width n (1, 2, or 4 bytes) at
// offset off, then runs whatever side effect that offset triggers. Per the
// original device model's pqi_mmio_writel gate, a write is silently dropped
// rather than latched when the device isn't in PD2/PD3 (the Reset register
// is the sole exception, since it's how a stuck device climbs back out of
// PD4), and again when it falls in the admin-queue register range
// [AdminIQEAA, DeviceError) while the state machine reports its registers
// locked.
func (c *Controller) WriteReg(off int, val uint32, n int) error {
	if (off == bar.INTMS || off == bar.INTMC) && !c.MSIXEnabled {
		// Interrupt mask/clear only has meaning in MSI-X mode; in MSI/INTx
		// mode these registers are not wired to anything, so the write is
		// dropped rather than latched.
		return nil
	}

	if !c.writeAllowed(off) {
		return nil
	}

	if n == 1 && off >= bar.IQPIBase && off < bar.OQCIBase+bar.MaxQueues*bar.DoorbellWidth {
		// Doorbells do not accept 1-byte writes; the write is dropped.
		return nil
	}

	if err := c.Regs.Write(off, val, n); err != nil {
		return err
	}

	switch {
	case off <= bar.AQConfig && off+n > bar.AQConfig:
		// A write that touches the function-code byte (byte 0 of AQConfig)
		// triggers admin-queue-pair create/delete processing.
		c.handleAQConfigWrite()
	case off >= bar.IQPIBase && off < bar.IQPIBase+bar.MaxQueues*bar.DoorbellWidth:
		if qid, ok := bar.IQDoorbellQID(off); ok {
			return c.handleIQDoorbell(uint32(qid))
		}
	case off >= bar.OQCIBase && off < bar.OQCIBase+bar.MaxQueues*bar.DoorbellWidth:
		if qid, ok := bar.OQDoorbellQID(off); ok {
			c.handleOQDoorbell(uint32(qid))
		}
	}
	return nil
}

func (c *Controller) writeAllowed(off int) bool {
	st := c.Machine.State()
	if st != pqistate.PD2 && st != pqistate.PD3 && off != bar.Reset {
		return false
	}
	if off >= bar.AdminIQEAA && off < bar.DeviceError && c.Machine.Locked() {
		return false
	}
	return true
}

// ReadReg reads n bytes at off, width-routed identically to WriteReg. The
// Device-Status register's low byte is refreshed from the state machine
// first, so a read there reports the current PD state.
func (c *Controller) ReadReg(off, n int) (uint32, error) {
	c.Regs.WriteRaw(bar.DeviceStatus, []byte{byte(c.Machine.State())})
	return c.Regs.Read(off, n)
}

func (c *Controller) handleAQConfigWrite() {
	low, err := c.Regs.Read(bar.AQConfig, 4)
	if err != nil {
		return
	}
	fn := byte(low)

	switch fn {
	case FuncCreateAdminQueuePair:
		c.createAdminQueuePair()
	case FuncDeleteAdminQueuePair:
		c.deleteAdminQueuePair()
	default:
		return
	}
}

func (c *Controller) createAdminQueuePair() {
	param, _ := c.Regs.Read(bar.AdminQueueParam, 4)
	iqElements := param & 0xFFF
	oqElements := (param >> 12) & 0xFFF

	if iqElements < MinAdminElements || iqElements > MaxAdminElements ||
		oqElements < MinAdminElements || oqElements > MaxAdminElements {
		c.Machine.Fault()
		return
	}

	iqEAA := c.readReg64(bar.AdminIQEAA)
	oqEAA := c.readReg64(bar.AdminOQEAA)
	iqCIA := c.readReg64(bar.AdminIQCIA)
	oqPIA := c.readReg64(bar.AdminOQPIA)

	c.Queues.IQ[0] = &queue.IQ{
		ID:            0,
		Active:        true,
		ElementArray:  iqEAA,
		CIAddr:        iqCIA & queue.AdminAddrMask,
		Size:          iqElements,
		ElementLength: queue.AdminElementLength,
		PIRegOffset:   uint32(bar.IQPIBase),
	}
	c.Queues.OQ[0] = &queue.OQ{
		ID:            0,
		Active:        true,
		ElementArray:  oqEAA,
		PIAddr:        oqPIA & queue.AdminAddrMask,
		Size:          oqElements,
		ElementLength: queue.AdminElementLength,
		CIRegOffset:   uint32(bar.OQCIBase),
	}

	c.Regs.WriteRaw(bar.AdminIQPIOffset, le64(uint64(bar.IQPIBase)))
	c.Regs.WriteRaw(bar.AdminOQCIOffset, le64(uint64(bar.OQCIBase)))
	c.Machine.AdminQueuePairCreated()
	c.writeAQConfigStatus(FuncCreateAdminQueuePair, 0)
}

func (c *Controller) deleteAdminQueuePair() {
	c.Queues.IQ[0] = nil
	c.Queues.OQ[0] = nil
	c.Machine.AdminQueuePairDeleted()
	c.writeAQConfigStatus(FuncDeleteAdminQueuePair, 0)
}

func (c *Controller) writeAQConfigStatus(fn, status byte) {
	c.Regs.WriteRaw(bar.AQConfig+4, []byte{fn, status, 0, 0})
}

func (c *Controller) readReg64(off int) uint64 {
	lo, _ := c.Regs.Read(off, 4)
	hi, _ := c.Regs.Read(off+4, 4)
	return uint64(lo) | uint64(hi)<<32
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func (c *Controller) handleIQDoorbell(qid uint32) error {
	if qid >= bar.MaxQueues {
		return fmt.Errorf("mmio: doorbell for out-of-range queue id %d", qid)
	}
	c.DoorbellCount++
	var q *queue.IQ
	if qid == 0 {
		q = c.Queues.IQ[0]
	} else {
		q = c.Queues.IQ[qid]
	}
	if q == nil || (qid == 0 && c.AdminDispatch == nil) || (qid != 0 && c.OpDispatch == nil) {
		return nil
	}

	off := bar.IQPIBase + int(qid)*bar.DoorbellWidth
	pi, err := c.Regs.Read(off, 4)
	if err != nil {
		return err
	}

	return queue.ProcessIQEvent(q, pi, c.Bridge, func(elem []byte) {
		var resp []byte
		var ok bool
		if qid == 0 {
			resp, ok = c.AdminDispatch(elem)
		} else {
			resp, ok = c.OpDispatch(elem, qid)
		}
		if !ok {
			return
		}
		oq := c.Queues.OQ[qid]
		if oq == nil {
			return
		}
		newPI, err := queue.PostToOQ(oq, resp, c.Bridge)
		if err != nil {
			return
		}
		if c.Notifier != nil {
			c.Notifier.Notify(oq.MSIXVector)
			c.InterruptCount++
		}
		_ = newPI
	})
}

func (c *Controller) handleOQDoorbell(qid uint32) {
	if qid >= bar.MaxQueues {
		return
	}
	q := c.Queues.OQ[qid]
	if q == nil {
		return
	}
	c.DoorbellCount++
	off := bar.OQCIBase + int(qid)*bar.DoorbellWidth
	ci, err := c.Regs.Read(off, 4)
	if err != nil {
		return
	}
	queue.ProcessOQEvent(q, ci)
}
