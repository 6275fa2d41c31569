package coopcore

import (
	"crypto/md5"
	"encoding/binary"
)

// KeyOf derives a stable numeric id from a name, for callers that address
// items, resources or peers by string. A process that restarts derives the
// same id again.
func KeyOf(name string) uint64 {
	var hash = md5.Sum([]byte(name))
	return binary.BigEndian.Uint64(hash[:8])
}
