package detector

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(v int) uint64 {
	return uint64(time.Duration(v) * time.Millisecond)
}

func TestDetector(t *testing.T) {
	var (
		newDetector = func(t *testing.T, peers ...uint64) *Detector {
			var d = New(DefaultConfig())
			for _, p := range peers {
				require.NoError(t, d.Register(p, 5.0, 8.0))
			}
			return d
		}
		beat = func(d *Detector, peer uint64, at ...int) {
			for _, v := range at {
				d.ReceiveHeartbeat(peer, ms(v), 1)
			}
		}
	)

	t.Run("should keep a regular peer alive and fail it after a long silence", func(t *testing.T) {
		// Arrange
		var sut = newDetector(t, 1)
		beat(sut, 1, 0, 100, 200, 300)

		// Act
		var phiEarly = sut.ComputePhi(1, ms(305))
		var statusEarly = sut.UpdateStatus(1, 5.0, 8.0)

		// Assert
		assert.Zero(t, phiEarly)
		assert.Equal(t, StatusAlive, statusEarly)

		// Act
		var phiLate = sut.ComputePhi(1, ms(2000))
		var statusLate = sut.UpdateStatus(1, 5.0, 8.0)

		// Assert
		assert.Greater(t, phiLate, 8.0)
		assert.Equal(t, StatusFailed, statusLate)
	})

	t.Run("should follow the accrual formula between the floor and the ceiling", func(t *testing.T) {
		// Arrange: intervals 100ms and 200ms give mean 150ms, stddev 50ms
		var sut = newDetector(t, 1)
		beat(sut, 1, 0, 100, 300)

		// Act: 250ms of silence gives y = 2
		var phi = sut.ComputePhi(1, ms(550))

		// Assert
		var want = -math.Log10(math.Exp(-0.5 * math.Exp(0.5*2)))
		assert.InDelta(t, want, phi, 1e-9)
		assert.InDelta(t, 0.5903, phi, 1e-3)
	})

	t.Run("should cap phi at the ceiling", func(t *testing.T) {
		var sut = newDetector(t, 1)
		beat(sut, 1, 0, 100, 200)

		var phi = sut.ComputePhi(1, ms(1_000_000))

		assert.Equal(t, 16.0, phi)
	})

	t.Run("should not increase suspicion before two intervals exist", func(t *testing.T) {
		var sut = newDetector(t, 1)
		beat(sut, 1, 0, 100)

		var phi = sut.ComputePhi(1, ms(100_000))

		assert.Zero(t, phi)
		assert.Equal(t, StatusAlive, sut.UpdateStatus(1, 5.0, 8.0))
	})

	t.Run("should make phi non-decreasing in silence", func(t *testing.T) {
		// Arrange
		var sut = newDetector(t, 1)
		beat(sut, 1, 0, 90, 200, 310, 400, 520)

		// Act & Assert
		var prev float64
		for now := 520; now <= 3000; now += 10 {
			var phi = sut.ComputePhi(1, ms(now))
			require.GreaterOrEqual(t, phi, prev, "phi dropped at %dms", now)
			prev = phi
		}
	})

	t.Run("should leave a silent peer unknown", func(t *testing.T) {
		var sut = newDetector(t, 1)

		var transitions = sut.Tick(ms(10_000))

		assert.Empty(t, transitions)
		assert.Equal(t, StatusUnknown, sut.Status(1))
	})

	t.Run("should move through suspected and failed and recover on heartbeat", func(t *testing.T) {
		// Arrange: intervals 100ms and 200ms, stddev 50ms
		var sut = newDetector(t, 1)
		beat(sut, 1, 0, 100, 300)

		// Act: y = 5 gives phi ~2.64, y = 7 gives phi ~7.2, y = 8 gives phi ~11.9
		var none = sut.Tick(ms(300 + 150 + 250))
		var suspected = sut.Tick(ms(300 + 150 + 350))
		var failed = sut.Tick(ms(300 + 150 + 400))
		sut.ReceiveHeartbeat(1, ms(900), 2)

		// Assert
		assert.Empty(t, none)
		require.Len(t, suspected, 1)
		assert.Equal(t, StatusAlive, suspected[0].From)
		assert.Equal(t, StatusSuspected, suspected[0].To)
		require.Len(t, failed, 1)
		assert.Equal(t, StatusFailed, failed[0].To)
		assert.Equal(t, StatusAlive, sut.Status(1))

		var stats = sut.Stats()
		assert.Equal(t, uint64(1), stats.Suspicions)
		assert.Equal(t, uint64(1), stats.Failures)
		assert.Equal(t, uint64(1), stats.Recoveries)

		var peer, ok = sut.Peer(1)
		require.True(t, ok)
		assert.Equal(t, uint32(0), peer.MissCount)
		assert.Equal(t, uint64(2), peer.PayloadVersion)
	})

	t.Run("should ignore heartbeats from unknown peers and out of order heartbeats", func(t *testing.T) {
		var sut = newDetector(t, 1)
		beat(sut, 1, 100)

		assert.False(t, sut.ReceiveHeartbeat(2, ms(100), 1))
		assert.False(t, sut.ReceiveHeartbeat(1, ms(50), 1))

		var stats = sut.Stats()
		assert.Equal(t, uint64(1), stats.UnknownHeartbeats)
		assert.Equal(t, uint64(1), stats.StaleHeartbeats)
	})

	t.Run("should bound the interval window", func(t *testing.T) {
		// Arrange
		var sut = New(Config{WindowSize: 4})
		require.NoError(t, sut.Register(1, 1, 2))

		// Act
		for i := 0; i < 10; i++ {
			sut.ReceiveHeartbeat(1, ms(i*100+i), 1)
		}

		// Assert
		var peer, _ = sut.Peer(1)
		assert.Equal(t, []uint64{ms(101), ms(101), ms(101), ms(101)}, peer.Intervals())
	})

	t.Run("should reject invalid thresholds and duplicate registration", func(t *testing.T) {
		var sut = newDetector(t, 1)

		assert.ErrorIs(t, sut.Register(2, 8, 5), ErrInvalidThresholds)
		assert.ErrorIs(t, sut.Register(2, 0, 5), ErrInvalidThresholds)
		assert.ErrorIs(t, sut.Register(1, 1, 5), ErrPeerExists)
	})

	t.Run("should list alive peers in ascending order", func(t *testing.T) {
		var sut = newDetector(t, 3, 1, 2)
		beat(sut, 3, 0)
		beat(sut, 1, 0)

		assert.Equal(t, []uint64{1, 3}, sut.Alive())
		assert.True(t, sut.Unregister(3))
		assert.Equal(t, []uint64{1}, sut.Alive())
	})
}
