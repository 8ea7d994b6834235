package lun

import "github.com/cespare/xxhash/v2"

// Checksum returns an xxhash digest of the LUN's current mapped content, so
// a caller can detect whether the backing store changed between two
// inspections by comparing digests.
func (l *Lun) Checksum() uint64 {
	return xxhash.Sum64(l.mapping)
}
