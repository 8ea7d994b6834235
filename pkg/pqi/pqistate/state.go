// Package pqistate implements the PQI device state machine (PD0..PD4).
package pqistate

// State is one of the five PQI device lifecycle states.
type State int

const (
	// PD0 Power-On/Reset.
	PD0 State = iota
	// PD1 Config-Space-Ready.
	PD1
	// PD2 BAR-Regs-Ready.
	PD2
	// PD3 Admin-Queue-Ready.
	PD3
	// PD4 Error, terminal until reset.
	PD4
)

func (s State) String() string {
	switch s {
	case PD0:
		return "PD0"
	case PD1:
		return "PD1"
	case PD2:
		return "PD2"
	case PD3:
		return "PD3"
	case PD4:
		return "PD4"
	default:
		return "PD?"
	}
}

// Machine holds the current device state plus the register-lock flag the
// original device model tracks alongside it.
type Machine struct {
	state  State
	locked bool
}

// NewMachine starts a machine in PD0, the power-on/reset state.
func NewMachine() *Machine {
	return &Machine{state: PD0}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// ConfigSpaceReady advances PD0 -> PD1, called once PCI configuration-space
// initialization has completed.
func (m *Machine) ConfigSpaceReady() {
	if m.state == PD0 {
		m.state = PD1
	}
}

// BARRegsReady advances PD1 -> PD2, either at device construction once the
// BAR register storage is allocated, or via a NO_RESET write while holdInPD1
// is clear.
func (m *Machine) BARRegsReady() {
	if m.state == PD1 {
		m.state = PD2
	}
}

// AdminQueuePairCreated advances PD2 -> PD3 on a successful
// CREATE_ADMIN_QUEUE_PAIR.
func (m *Machine) AdminQueuePairCreated() {
	if m.state == PD2 {
		m.state = PD3
	}
}

// AdminQueuePairDeleted moves PD3 -> PD2 on a successful
// DELETE_ADMIN_QUEUE_PAIR.
func (m *Machine) AdminQueuePairDeleted() {
	if m.state == PD3 {
		m.state = PD2
	}
}

// Fault transitions to the terminal PD4 error state from PD2 or PD3, for a
// malformed AQ-config or an admin-queue error.
func (m *Machine) Fault() {
	if m.state == PD2 || m.state == PD3 {
		m.state = PD4
	}
}

// SoftReset returns the machine to PD2 regardless of its current state,
// mirroring the unconditional re-initialization a SOFT_RESET performs.
func (m *Machine) SoftReset() {
	m.state = PD2
	m.locked = false
}

// Locked reports whether register access is currently locked. Nothing in
// this engine sets the lock today (the original reglock field is always
// PQI_REGISTERS_UNLOCKED in practice); retained as an explicit flag so a
// future lock-the-registers-during-reset policy has a place to live instead
// of a magic device-wide bool.
func (m *Machine) Locked() bool { return m.locked }
