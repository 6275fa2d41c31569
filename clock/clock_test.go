package clock

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp(t *testing.T) {
	t.Run("should order by wall time then logical counter", func(t *testing.T) {
		var (
			a = Timestamp{WallTimeNs: 10, Logical: 5, NodeID: 9}
			b = Timestamp{WallTimeNs: 11, Logical: 0, NodeID: 1}
			c = Timestamp{WallTimeNs: 11, Logical: 1, NodeID: 1}
		)

		assert.True(t, HappensBefore(a, b))
		assert.True(t, HappensBefore(b, c))
		assert.False(t, HappensBefore(c, a))
		assert.Equal(t, 1, c.Compare(b))
	})

	t.Run("should ignore node id when comparing", func(t *testing.T) {
		var (
			a = Timestamp{WallTimeNs: 10, Logical: 1, NodeID: 1}
			b = Timestamp{WallTimeNs: 10, Logical: 1, NodeID: 2}
		)

		assert.Equal(t, 0, a.Compare(b))
		assert.False(t, HappensBefore(a, b))
		assert.False(t, HappensBefore(b, a))
	})
}

func TestTick(t *testing.T) {
	t.Run("should adopt physical time when it moves forward", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))

		// Act
		var ts = sut.Tick(100)

		// Assert
		assert.Equal(t, Timestamp{WallTimeNs: 100, Logical: 0, NodeID: 1}, ts)
	})

	t.Run("should increment logical counter when physical time stalls", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))
		sut.Tick(100)

		// Act
		var (
			same   = sut.Tick(100)
			behind = sut.Tick(50)
		)

		// Assert
		assert.Equal(t, uint32(1), same.Logical)
		assert.Equal(t, uint64(100), behind.WallTimeNs)
		assert.Equal(t, uint32(2), behind.Logical)
	})

	t.Run("should carry logical overflow into wall time", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))
		sut.local = Timestamp{WallTimeNs: 100, Logical: math.MaxUint32, NodeID: 1}

		// Act
		var ts = sut.Tick(100)

		// Assert
		assert.Equal(t, uint64(101), ts.WallTimeNs)
		assert.Equal(t, uint32(0), ts.Logical)
	})
}

func TestReceive(t *testing.T) {
	t.Run("should take max logical plus one when both walls tie", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))
		sut.local = Timestamp{WallTimeNs: 100, Logical: 3, NodeID: 1}

		// Act
		var ts = sut.Receive(Timestamp{WallTimeNs: 100, Logical: 7, NodeID: 2}, 90)

		// Assert
		assert.Equal(t, uint64(100), ts.WallTimeNs)
		assert.Equal(t, uint32(8), ts.Logical)
		assert.Equal(t, uint64(1), ts.NodeID)
	})

	t.Run("should increment remote counter when remote is ahead", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))
		sut.Tick(100)

		// Act
		var ts = sut.Receive(Timestamp{WallTimeNs: 200, Logical: 4, NodeID: 2}, 150)

		// Assert
		assert.Equal(t, uint64(200), ts.WallTimeNs)
		assert.Equal(t, uint32(5), ts.Logical)
	})

	t.Run("should increment local counter when local is ahead", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))
		sut.local = Timestamp{WallTimeNs: 300, Logical: 2, NodeID: 1}

		// Act
		var ts = sut.Receive(Timestamp{WallTimeNs: 200, Logical: 9, NodeID: 2}, 250)

		// Assert
		assert.Equal(t, uint64(300), ts.WallTimeNs)
		assert.Equal(t, uint32(3), ts.Logical)
	})

	t.Run("should reset counter when physical time dominates", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))
		sut.local = Timestamp{WallTimeNs: 100, Logical: 2, NodeID: 1}

		// Act
		var ts = sut.Receive(Timestamp{WallTimeNs: 120, Logical: 9, NodeID: 2}, 500)

		// Assert
		assert.Equal(t, uint64(500), ts.WallTimeNs)
		assert.Equal(t, uint32(0), ts.Logical)
	})

	t.Run("should never regress across random tick and receive sequences", func(t *testing.T) {
		// Arrange
		var (
			sut  = New(DefaultConfig(1))
			rng  = rand.New(rand.NewSource(42))
			prev Timestamp
		)

		// Act & Assert
		for i := 0; i < 5000; i++ {
			var (
				physical = uint64(rng.Intn(10_000))
				ts       Timestamp
			)
			if rng.Intn(2) == 0 {
				ts = sut.Tick(physical)
			} else {
				var remote = Timestamp{WallTimeNs: uint64(rng.Intn(10_000)), Logical: uint32(rng.Intn(5)), NodeID: 2}
				ts = sut.Receive(remote, physical)
			}
			require.False(t, HappensBefore(ts, prev), "step %d regressed: %s < %s", i, ts, prev)
			prev = ts
		}
	})
}

func TestRecordSample(t *testing.T) {
	t.Run("should derive rtt and offset from the four timestamps", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))

		// Act
		var sample, ok = sut.RecordSample(7, 1000, 1050, 1060, 1120)

		// Assert
		require.True(t, ok)
		assert.Equal(t, int64(110), sample.RTTNs)
		assert.Equal(t, int64(-5), sample.OffsetNs)

		var peer, found = sut.Peer(7)
		require.True(t, found)
		assert.Equal(t, int64(-5), peer.AvgOffsetNs)
		assert.Equal(t, int64(110), peer.UncertaintyNs)
		assert.Equal(t, uint64(1120), peer.LastSyncNs)
	})

	t.Run("should bound the sample window", func(t *testing.T) {
		// Arrange
		var cfg = DefaultConfig(1)
		cfg.WindowSize = 3
		var sut = New(cfg)

		// Act
		for i := uint64(0); i < 10; i++ {
			var base = i * 1000
			sut.RecordSample(2, base, base+10, base+10, base+20)
		}

		// Assert
		var peer, _ = sut.Peer(2)
		assert.Len(t, peer.Samples, 3)
		assert.Equal(t, uint64(10), peer.SampleCount)
		assert.Equal(t, uint64(7000), peer.Samples[0].T1)
	})

	t.Run("should estimate drift from oldest and newest sample", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))

		// Act: offset grows by 1000ns over 1s of local time, i.e. 1000ppb
		sut.RecordSample(3, 0, 0, 0, 0)
		sut.RecordSample(3, 1_000_000_000, 1_000_001_000, 1_000_001_000, 1_000_000_000)

		// Assert
		var peer, _ = sut.Peer(3)
		assert.Equal(t, int64(1000), peer.DriftPPB)
		assert.Equal(t, int64(500), peer.AvgOffsetNs)

		var offset, ok = sut.EstimatedOffset(3, 3_000_000_000)
		require.True(t, ok)
		assert.Equal(t, int64(500+2000), offset)
	})

	t.Run("should saturate drift instead of overflowing", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))

		// Act: a 40s offset jump between samples 1ns apart
		sut.RecordSample(3, 0, 0, 0, 0)
		sut.RecordSample(3, 1, 40_000_000_001, 40_000_000_001, 1)

		// Assert
		var peer, _ = sut.Peer(3)
		assert.Equal(t, int64(math.MaxInt64), peer.DriftPPB)
		assert.Equal(t, int64(20_000_000_000), peer.AvgOffsetNs)

		var offset, ok = sut.EstimatedOffset(3, 1_000_000_001)
		require.True(t, ok)
		assert.Equal(t, int64(math.MaxInt64), offset)
	})

	t.Run("should reject samples with negative rtt", func(t *testing.T) {
		// Arrange
		var sut = New(DefaultConfig(1))

		// Act
		var _, ok = sut.RecordSample(4, 100, 0, 500, 110)

		// Assert
		assert.False(t, ok)
		assert.Equal(t, uint64(1), sut.Stats().InvalidSamples)
		assert.Empty(t, sut.Peers())
	})

	t.Run("should raise skew alert above threshold", func(t *testing.T) {
		// Arrange
		var cfg = DefaultConfig(1)
		cfg.SkewThresholdNs = 100
		var sut = New(cfg)

		// Act
		sut.RecordSample(5, 1000, 1500, 1500, 1000)
		var alerts = sut.DrainAlerts()

		// Assert
		require.Len(t, alerts, 1)
		assert.Equal(t, uint64(5), alerts[0].PeerID)
		assert.Equal(t, int64(500), alerts[0].OffsetNs)
		assert.Empty(t, sut.DrainAlerts())
		assert.Equal(t, uint64(1), sut.Stats().SkewAlerts)
	})

	t.Run("should report unknown peer offset as absent", func(t *testing.T) {
		var sut = New(DefaultConfig(1))

		var offset, ok = sut.EstimatedOffset(99, 1000)

		assert.False(t, ok)
		assert.Zero(t, offset)
	})
}
