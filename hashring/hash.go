package hashring

import (
	"encoding/binary"
	"hash/fnv"
)

// vnodeSeed separates virtual-node positions from item key hashes so a node
// id never lands where an equal item key would.
const vnodeSeed uint64 = 0x9e3779b97f4a7c15

// hashKey returns the ring position of an item key.
func hashKey(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return fnv1a(buf[:])
}

// hashVNode returns the deterministic ring position of a node's virtual node.
// A restarted node reclaims exactly the same positions.
func hashVNode(nodeID uint64, index uint32) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], nodeID)
	binary.LittleEndian.PutUint32(buf[8:], index)
	var h = fnv1a(buf[:]) ^ (vnodeSeed * uint64(index+1))

	binary.LittleEndian.PutUint64(buf[:8], h)
	return fnv1a(buf[:8])
}

func fnv1a(b []byte) uint64 {
	var h = fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
