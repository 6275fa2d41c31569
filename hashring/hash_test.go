package hashring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashVNode(t *testing.T) {
	t.Run("deterministic hashing", func(t *testing.T) {
		assert.Equal(t, hashVNode(7, 0), hashVNode(7, 0), "same input should produce same hash")
	})

	t.Run("different vnode indices produce different positions", func(t *testing.T) {
		assert.NotEqual(t, hashVNode(7, 0), hashVNode(7, 1))
	})

	t.Run("different node IDs produce different positions", func(t *testing.T) {
		assert.NotEqual(t, hashVNode(1, 0), hashVNode(2, 0))
	})

	t.Run("vnode positions are separated from key hashes", func(t *testing.T) {
		for id := uint64(1); id < 100; id++ {
			assert.NotEqual(t, hashKey(id), hashVNode(id, 0))
		}
	})
}

func TestHashKey(t *testing.T) {
	t.Run("deterministic hashing", func(t *testing.T) {
		assert.Equal(t, hashKey(42), hashKey(42))
	})

	t.Run("matches FNV-1a over little endian bytes", func(t *testing.T) {
		// FNV-1a 64 of eight zero bytes.
		assert.Equal(t, uint64(0xa8c7f832281a39c5), hashKey(0))
	})
}
