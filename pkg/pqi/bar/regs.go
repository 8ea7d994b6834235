package bar

// Standard PQI register offsets, widths, and reset-time access policy, per
// the BAR register map. All multi-byte values are little-endian.
const (
	Signature       = 0x0000 // 8 bytes, RO, "PQI DREG"
	AQConfig        = 0x0008 // 8 bytes, RW (lower byte only)
	Capability      = 0x0010 // 8 bytes, RO
	INTS            = 0x0018 // 4 bytes, RO
	INTMS           = 0x001C // 4 bytes, W1S
	INTMC           = 0x0020 // 4 bytes, W1C
	DeviceStatus    = 0x0040 // 4 bytes, RO (lower nibble = state)
	AdminIQPIOffset = 0x0048 // 8 bytes, RO
	AdminOQCIOffset = 0x0050 // 8 bytes, RO
	AdminIQEAA      = 0x0058 // 8 bytes, RW, low 6 bits RO
	AdminOQEAA      = 0x0060 // 8 bytes, RW, low 6 bits RO
	AdminIQCIA      = 0x0068 // 8 bytes, RW, low 6 bits RO
	AdminOQPIA      = 0x0070 // 8 bytes, RW, low 6 bits RO
	AdminQueueParam = 0x0078 // 4 bytes, RW[26:0]
	DeviceError     = 0x0080 // 4 bytes, RO
	DeviceErrorData = 0x0088 // 8 bytes, RO
	Reset           = 0x0090 // 4 bytes, RW[8:0]
	PowerAction     = 0x0094 // 4 bytes, RW[12:0]

	IQPIBase = 0x0100 // 64 x 8 bytes, RW, doorbells[0..63]
	OQCIBase = 0x0300 // 64 x 8 bytes, RW, doorbells[0..63]

	MaxQueues     = 64
	DoorbellWidth = 8
)

// NewDeviceRegisterFile builds a PQI register file with the default reset
// values and access policy for every standard register, mirroring the
// static reset table (pqi_reg[]) that the original device model installs
// at construction time and re-installs on SOFT_RESET.
func NewDeviceRegisterFile() *RegisterFile {
	r := New(Size)
	installDefaults(r)
	return r
}

// ResetDefaults re-applies the reset-time policy and values, used both at
// construction and on SOFT_RESET. Queue doorbells are left at their fully
// writable policy but zeroed, since the queue zeroing itself is the
// caller's responsibility (device/queue state, not register policy).
func ResetDefaults(r *RegisterFile) {
	for i := range r.value {
		r.value[i] = 0
	}
	installDefaults(r)
}

func installDefaults(r *RegisterFile) {
	// Signature: read-only, fixed ASCII value.
	r.Policy(Signature, 8, 0x00, 0x00, 0x00)
	r.WriteRaw(Signature, []byte("PQI DREG"))

	// AQ-Config: only the lowest byte (the function code) is writable by
	// the guest; the upper dword (status, read back by the guest) and the
	// remaining bytes of the lower dword are RO from the register file's
	// point of view (the admin-queue-config handler writes status directly
	// via WriteRaw).
	r.PolicyByte(AQConfig, 0xFF, 0x00, 0x00)
	for i := 1; i < 8; i++ {
		r.PolicyByte(AQConfig+i, 0x00, 0x00, 0x00)
	}

	r.Policy(Capability, 8, 0x00, 0x00, 0x00)

	r.Policy(INTS, 4, 0x00, 0x00, 0x00)
	r.Policy(INTMS, 4, 0x00, 0x00, 0xFF)
	r.Policy(INTMC, 4, 0x00, 0xFF, 0x00)

	r.Policy(DeviceStatus, 4, 0x00, 0x00, 0x00)
	r.Policy(AdminIQPIOffset, 8, 0x00, 0x00, 0x00)
	r.Policy(AdminOQCIOffset, 8, 0x00, 0x00, 0x00)

	for _, off := range []int{AdminIQEAA, AdminOQEAA, AdminIQCIA, AdminOQPIA} {
		r.PolicyByte(off, 0xC0, 0x00, 0x00) // low 6 bits RO, high 2 bits RW
		for i := 1; i < 8; i++ {
			r.PolicyByte(off+i, 0xFF, 0x00, 0x00)
		}
	}

	// Admin-Queue-Parameter: RW[26:0] -- bytes 0,1,2 fully writable, byte 3
	// writable only in bits 0-2 (bits 24-26).
	r.PolicyByte(AdminQueueParam, 0xFF, 0x00, 0x00)
	r.PolicyByte(AdminQueueParam+1, 0xFF, 0x00, 0x00)
	r.PolicyByte(AdminQueueParam+2, 0xFF, 0x00, 0x00)
	r.PolicyByte(AdminQueueParam+3, 0x07, 0x00, 0x00)

	r.Policy(DeviceError, 4, 0x00, 0x00, 0x00)
	r.Policy(DeviceErrorData, 8, 0x00, 0x00, 0x00)

	// Reset: RW[8:0] -- byte0 fully writable, byte1 bit0 only.
	r.PolicyByte(Reset, 0xFF, 0x00, 0x00)
	r.PolicyByte(Reset+1, 0x01, 0x00, 0x00)
	r.PolicyByte(Reset+2, 0x00, 0x00, 0x00)
	r.PolicyByte(Reset+3, 0x00, 0x00, 0x00)

	// Power-Action: RW[12:0] -- byte0 fully writable, byte1 bits0-4.
	r.PolicyByte(PowerAction, 0xFF, 0x00, 0x00)
	r.PolicyByte(PowerAction+1, 0x1F, 0x00, 0x00)
	r.PolicyByte(PowerAction+2, 0x00, 0x00, 0x00)
	r.PolicyByte(PowerAction+3, 0x00, 0x00, 0x00)

	for i := 0; i < MaxQueues; i++ {
		r.Policy(IQPIBase+i*DoorbellWidth, DoorbellWidth, 0xFF, 0x00, 0x00)
		r.Policy(OQCIBase+i*DoorbellWidth, DoorbellWidth, 0xFF, 0x00, 0x00)
	}
}

// IQDoorbellQID returns the queue id addressed by a write at off within the
// IQ-PI doorbell range, and whether off falls in that range at all.
func IQDoorbellQID(off int) (int, bool) {
	if off < IQPIBase || off >= IQPIBase+MaxQueues*DoorbellWidth {
		return 0, false
	}
	return (off - IQPIBase) / DoorbellWidth, true
}

// OQDoorbellQID returns the queue id addressed by a write at off within the
// OQ-CI doorbell range, and whether off falls in that range at all.
func OQDoorbellQID(off int) (int, bool) {
	if off < OQCIBase || off >= OQCIBase+MaxQueues*DoorbellWidth {
		return 0, false
	}
	return (off - OQCIBase) / DoorbellWidth, true
}
