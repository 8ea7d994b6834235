// Package device assembles the PQI/SOP register file, state machine,
// queues, admin and SOP dispatchers, LUN backing stores, and interrupt
// notifier into one emulated controller, and drives the PCI/PQI device
// lifecycle: construction, the BAR0 register access entry point, and reset
// dispatch.
package device

import (
	"fmt"

	"github.com/open-source-firmware/pqiemu/pkg/pqi/admin"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/bar"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/dma"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/intr"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/lun"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/mmio"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/pqistate"
	"github.com/open-source-firmware/pqiemu/pkg/pqi/sop"
	"github.com/open-source-firmware/pqiemu/pkg/pqilog"
	"github.com/open-source-firmware/pqiemu/pkg/pqimetrics"
)

// PCI identity constants this device reports.
const (
	PCIVendorID   = 0x1B4B // HGST
	PCIDeviceID   = 0x0100
	PCIRevisionID = 0x02
	PCIProgIF     = 0x04
	MSIXVectors   = 32
)

// Reset register low-byte encoding, per the RW[8:0] Reset register. The
// register packs resetType in bits[2:0], holdInPD1 in bit 3, and
// resetAction in bits[5:7]; a reset only takes effect when resetAction
// equals resetActionStart.
const (
	ResetNone = 0x00
	ResetSoft = 0x01
	ResetFirm = 0x02
	ResetHard = 0x03
)

const (
	resetActionStart     = 0x01
	resetActionCompleted = 0x02
)

// Device is one emulated PQI/SOP controller instance.
type Device struct {
	Instance uint32
	WDir     string

	Regs    *bar.RegisterFile
	Machine *pqistate.Machine
	Queues  *admin.QueueTable
	Bridge  dma.Bridge

	AdminDispatcher *admin.Dispatcher
	SOPDispatcher   *sop.Dispatcher
	LUNs            *sop.LUNTable
	luns            []*lun.Lun

	MMIO *mmio.Controller
}

// New constructs a device bound to bridge for guest-memory access, sink for
// interrupt delivery, numbered instance (used in LUN backing-file names),
// with backing files rooted at wdir.
func New(bridge dma.Bridge, sink intr.Sink, instance uint32, wdir string) *Device {
	regs := bar.NewDeviceRegisterFile()
	machine := pqistate.NewMachine()
	queues := &admin.QueueTable{}
	luns := sop.NewLUNTable()

	adminDispatcher := admin.NewDispatcher(queues, admin.DefaultCaps(), admin.DefaultManufacturingInfo(), bridge)
	sopDispatcher := sop.NewDispatcher(luns, bridge)
	notifier := &intr.Notifier{Mode: intr.ModeMSIX, Sink: sink}

	d := &Device{
		Instance:        instance,
		WDir:            wdir,
		Regs:            regs,
		Machine:         machine,
		Queues:          queues,
		Bridge:          bridge,
		AdminDispatcher: adminDispatcher,
		SOPDispatcher:   sopDispatcher,
		LUNs:            luns,
	}
	d.MMIO = &mmio.Controller{
		Regs:          regs,
		Machine:       machine,
		Queues:        queues,
		Bridge:        bridge,
		Notifier:      notifier,
		AdminDispatch: adminDispatcher.Dispatch,
		OpDispatch:    sopDispatcher.Dispatch,
		MSIXEnabled:   true,
	}

	machine.ConfigSpaceReady()
	machine.BARRegsReady()
	return d
}

// SetLogger wires a logger into the device and its admin/SOP dispatchers so
// that decoded command headers are dumped at debug level.
func (d *Device) SetLogger(log *pqilog.Logger) {
	d.AdminDispatcher.Log = log
	d.SOPDispatcher.Log = log
}

// AddLUN creates and registers a backing store of sizeBlocks 512-byte
// blocks under the given flat LUN number.
func (d *Device) AddLUN(id byte, sizeBlocks uint32) error {
	l, err := lun.Create(d.WDir, d.Instance, uint32(id), sizeBlocks)
	if err != nil {
		return fmt.Errorf("device: add LUN %d: %w", id, err)
	}
	d.LUNs.Add(id, l)
	d.luns = append(d.luns, l)
	return nil
}

// Close releases every LUN backing store.
func (d *Device) Close() error {
	var firstErr error
	for _, l := range d.luns {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WriteReg applies a guest BAR0 write and runs the device-level reset
// dispatch on top of mmio.Controller's queue/AQ-config handling.
func (d *Device) WriteReg(off int, val uint32, n int) error {
	if err := d.MMIO.WriteReg(off, val, n); err != nil {
		return err
	}
	if off <= bar.Reset && off+n > bar.Reset {
		d.handleResetWrite()
	}
	return nil
}

// ReadReg reads n bytes at off.
func (d *Device) ReadReg(off, n int) (uint32, error) {
	return d.MMIO.ReadReg(off, n)
}

// MetricsSnapshot gathers the current queue depths and counters for
// metrics export.
func (d *Device) MetricsSnapshot() pqimetrics.Snapshot {
	s := pqimetrics.Snapshot{
		Instance:       d.Instance,
		State:          d.Machine.State().String(),
		DoorbellCount:  d.MMIO.DoorbellCount,
		InterruptCount: d.MMIO.InterruptCount,
		AdminErrors:    d.AdminDispatcher.ErrorCount,
	}
	for id, q := range d.Queues.IQ {
		if q == nil {
			continue
		}
		pi, err := d.Regs.Read(int(q.PIRegOffset), 4)
		if err != nil {
			continue
		}
		depth := (pi + q.Size - q.CI()) % q.Size
		s.IQ = append(s.IQ, pqimetrics.QueueStat{ID: uint32(id), Depth: depth})
	}
	for id, q := range d.Queues.OQ {
		if q == nil {
			continue
		}
		depth := (q.PI() + q.Size - q.CI()) % q.Size
		s.OQ = append(s.OQ, pqimetrics.QueueStat{ID: uint32(id), Depth: depth})
	}
	return s
}

func (d *Device) handleResetWrite() {
	v, err := d.Regs.Read(bar.Reset, 1)
	if err != nil {
		return
	}
	b := byte(v)
	if (b>>5)&0x7 != resetActionStart {
		return
	}
	resetType := b & 0x7
	switch resetType {
	case ResetNone:
		// Advances PD1 -> PD2 when holdInPD1 (bit 3) is clear; no state
		// change from any other state.
		if b&0x08 == 0 {
			d.Machine.BARRegsReady()
		}
	case ResetSoft:
		d.softReset()
	case ResetFirm, ResetHard:
		// Acknowledge-only stubs: the original device model does not
		// implement a distinct firm/hard reset sequence either.
	}
	d.Regs.WriteRaw(bar.Reset, []byte{resetType | resetActionCompleted<<5})
}

// softReset reinitializes the register file to its power-on defaults,
// returns the state machine unconditionally to PD2, and tears down every
// queue -- matching a SOFT_RESET write regardless of the state it was
// issued from.
func (d *Device) softReset() {
	bar.ResetDefaults(d.Regs)
	d.Machine.SoftReset()
	for i := range d.Queues.IQ {
		d.Queues.IQ[i] = nil
	}
	for i := range d.Queues.OQ {
		d.Queues.OQ[i] = nil
	}
}
