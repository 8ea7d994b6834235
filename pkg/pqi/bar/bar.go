// Package bar models the PQI BAR0 register block: a byte-addressable memory
// region with a uniform, per-byte masked-write policy (RW / write-1-to-clear
// / write-1-to-set / used) instead of per-field ad-hoc code, matching the
// original device model's parallel mask-array approach.
package bar

import "fmt"

// Size is the size of the PQI MMIO window (PQI_REG_SIZE). BAR0 itself is
// twice this, aggregating the MSI-X table/PBA behind the register window.
const Size = 0x2000

// RegisterFile is a byte-addressable register block guarded by four
// parallel policy masks. A masked write at offset o with incoming byte v
// is applied as:
//
//	value = (value &^ (rw[o] & used[o])) | (v & rw[o])
//	value &^= v & w1c[o]
//	value |= v & w1s[o]
//
// applied byte-by-byte regardless of the access width used to reach it.
type RegisterFile struct {
	value []byte
	used  []byte
	rw    []byte
	w1c   []byte
	w1s   []byte
}

// New allocates a zeroed register file of the given size with no bytes
// marked used; callers populate policy via Policy and initial values via
// Reset/WriteRaw before exposing it to guest access.
func New(size int) *RegisterFile {
	return &RegisterFile{
		value: make([]byte, size),
		used:  make([]byte, size),
		rw:    make([]byte, size),
		w1c:   make([]byte, size),
		w1s:   make([]byte, size),
	}
}

// Policy marks the half-open byte range [off, off+n) as used with the given
// per-byte access masks applied uniformly across the range.
func (r *RegisterFile) Policy(off, n int, rwMask, w1cMask, w1sMask byte) {
	for i := off; i < off+n; i++ {
		r.used[i] = 0xFF
		r.rw[i] = rwMask
		r.w1c[i] = w1cMask
		r.w1s[i] = w1sMask
	}
}

// PolicyByte sets the exact policy mask for a single byte offset, used for
// the sub-byte boundaries that appear in registers like Admin-Queue-
// Parameter (RW[26:0]) or the low-order address registers (low 6 bits RO).
func (r *RegisterFile) PolicyByte(off int, rwMask, w1cMask, w1sMask byte) {
	r.used[off] = 0xFF
	r.rw[off] = rwMask
	r.w1c[off] = w1cMask
	r.w1s[off] = w1sMask
}

// WriteRaw sets the stored value of [off, off+len(b)) directly, bypassing
// the masked-write policy; used to install reset defaults and to restore
// them on SOFT_RESET.
func (r *RegisterFile) WriteRaw(off int, b []byte) {
	copy(r.value[off:], b)
}

// ReadRaw returns a copy of n bytes starting at off.
func (r *RegisterFile) ReadRaw(off, n int) []byte {
	out := make([]byte, n)
	copy(out, r.value[off:off+n])
	return out
}

// Write applies the masked-write policy to n bytes of val (little-endian)
// starting at off. n must be 1, 2, or 4 bytes (no width-1 doorbells).
func (r *RegisterFile) Write(off int, val uint32, n int) error {
	if off < 0 || off+n > len(r.value) {
		return fmt.Errorf("bar: write at offset 0x%x width %d out of range", off, n)
	}
	for i := 0; i < n; i++ {
		v := byte(val >> (8 * i))
		o := off + i
		cur := r.value[o]
		cur = (cur &^ (r.rw[o] & r.used[o])) | (v & r.rw[o])
		cur &^= v & r.w1c[o]
		cur |= v & r.w1s[o]
		r.value[o] = cur
	}
	return nil
}

// Read returns n bytes starting at off as a little-endian uint32.
func (r *RegisterFile) Read(off, n int) (uint32, error) {
	if off < 0 || off+n > len(r.value) {
		return 0, fmt.Errorf("bar: read at offset 0x%x width %d out of range", off, n)
	}
	var v uint32
	for i := 0; i < n; i++ {
		v |= uint32(r.value[off+i]) << (8 * i)
	}
	return v, nil
}

// Len returns the size of the register file in bytes.
func (r *RegisterFile) Len() int { return len(r.value) }
