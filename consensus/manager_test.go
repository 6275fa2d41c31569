package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	var (
		newOpen = func(t *testing.T, sut *Manager, algorithm Algorithm, required uint32, timeout uint64) uint64 {
			var id, err = sut.Propose(100, algorithm, required, timeout, 0)
			require.NoError(t, err)
			require.True(t, sut.Open(id))
			return id
		}
		state = func(sut *Manager, id uint64) State {
			var p, _ = sut.Get(id)
			return p.State
		}
	)

	t.Run("should derive accept thresholds per algorithm", func(t *testing.T) {
		assert.Equal(t, uint64(3), Threshold(Majority, 5))
		assert.Equal(t, uint64(3), Threshold(Raft, 4))
		assert.Equal(t, uint64(5), Threshold(Unanimous, 5))
		assert.Equal(t, uint64(2), Threshold(TwoPhaseCommit, 2))
		assert.Equal(t, uint64(0), Threshold(Weighted, 5))
	})

	t.Run("should accept a majority exactly at the third accept", func(t *testing.T) {
		// Arrange
		var sut = NewManager()
		var id = newOpen(t, sut, Majority, 5, 0)

		// Act & Assert
		require.True(t, sut.CastVote(id, 1, Accept, 1, 10))
		require.True(t, sut.CastVote(id, 2, Reject, 1, 11))
		require.True(t, sut.CastVote(id, 3, Accept, 1, 12))
		assert.Equal(t, Voting, state(sut, id))

		require.True(t, sut.CastVote(id, 4, Accept, 1, 13))
		assert.Equal(t, Accepted, state(sut, id))

		var p, _ = sut.Get(id)
		assert.Equal(t, uint64(13), p.ResolvedAtNs)
	})

	t.Run("should reject a majority exactly at the third reject", func(t *testing.T) {
		// Arrange
		var sut = NewManager()
		var id = newOpen(t, sut, Majority, 5, 0)

		// Act & Assert
		sut.CastVote(id, 1, Reject, 1, 10)
		sut.CastVote(id, 2, Accept, 1, 11)
		sut.CastVote(id, 3, Reject, 1, 12)
		assert.Equal(t, Voting, state(sut, id))

		sut.CastVote(id, 4, Reject, 1, 13)
		assert.Equal(t, Rejected, state(sut, id))
	})

	t.Run("should reject unanimous proposals on the first reject", func(t *testing.T) {
		var sut = NewManager()
		var id = newOpen(t, sut, Unanimous, 3, 0)

		sut.CastVote(id, 1, Accept, 1, 10)
		sut.CastVote(id, 2, Reject, 1, 11)

		assert.Equal(t, Rejected, state(sut, id))
	})

	t.Run("should accept two phase commit only when every voter accepts", func(t *testing.T) {
		var sut = NewManager()
		var id = newOpen(t, sut, TwoPhaseCommit, 3, 0)

		sut.CastVote(id, 1, Accept, 1, 10)
		sut.CastVote(id, 2, Accept, 1, 11)
		assert.Equal(t, Voting, state(sut, id))

		sut.CastVote(id, 3, Accept, 1, 12)
		assert.Equal(t, Accepted, state(sut, id))
	})

	t.Run("should require a threshold for weighted proposals", func(t *testing.T) {
		var sut = NewManager()

		var _, err = sut.Propose(100, Weighted, 3, 0, 0)

		assert.ErrorIs(t, err, ErrWeightThresholdRequired)
	})

	t.Run("should accept weighted proposals once accepting weight reaches the threshold", func(t *testing.T) {
		// Arrange
		var sut = NewManager()
		var id, err = sut.Submit(Request{Proposer: 100, Algorithm: Weighted, RequiredVoters: 3, WeightThreshold: 10}, 0)
		require.NoError(t, err)
		sut.Open(id)

		// Act
		sut.CastVote(id, 1, Accept, 4, 1)
		sut.CastVote(id, 2, Reject, 20, 2)
		var before = state(sut, id)
		sut.CastVote(id, 3, Accept, 6, 3)

		// Assert
		assert.Equal(t, Voting, before)
		assert.Equal(t, Accepted, state(sut, id))
		var p, _ = sut.Get(id)
		assert.Equal(t, uint64(30), p.TotalWeight)
		assert.Equal(t, uint64(10), p.AcceptWeight)
	})

	t.Run("should reject weighted proposals when all voters fall short", func(t *testing.T) {
		var sut = NewManager()
		var id, _ = sut.Submit(Request{Proposer: 100, Algorithm: Weighted, RequiredVoters: 2, WeightThreshold: 10}, 0)
		sut.Open(id)

		sut.CastVote(id, 1, Accept, 4, 1)
		sut.CastVote(id, 2, Abstain, 4, 2)

		assert.Equal(t, Rejected, state(sut, id))
	})

	t.Run("should reject duplicate votes without overwriting", func(t *testing.T) {
		// Arrange
		var sut = NewManager()
		var id = newOpen(t, sut, Majority, 5, 0)
		sut.CastVote(id, 1, Accept, 1, 10)

		// Act
		var ok = sut.CastVote(id, 1, Reject, 1, 11)

		// Assert
		assert.False(t, ok)
		var p, _ = sut.Get(id)
		require.Len(t, p.Voters, 1)
		assert.Equal(t, Accept, p.Voters[0].Vote)
		assert.Equal(t, uint64(1), sut.Stats().DuplicateVotes)
	})

	t.Run("should not count votes before voting opens", func(t *testing.T) {
		var sut = NewManager()
		var id, _ = sut.Propose(100, Majority, 3, 0, 0)

		assert.False(t, sut.CastVote(id, 1, Accept, 1, 1))
		assert.False(t, sut.CastVote(999, 1, Accept, 1, 1))
	})

	t.Run("should keep late votes without reopening a resolved proposal", func(t *testing.T) {
		// Arrange
		var sut = NewManager()
		var id = newOpen(t, sut, Majority, 3, 0)
		sut.CastVote(id, 1, Accept, 1, 1)
		sut.CastVote(id, 2, Accept, 1, 2)
		require.Equal(t, Accepted, state(sut, id))

		// Act
		var ok = sut.CastVote(id, 3, Reject, 1, 3)

		// Assert
		assert.False(t, ok)
		var p, _ = sut.Get(id)
		assert.Equal(t, Accepted, p.State)
		assert.Len(t, p.LateVotes, 1)
		assert.Equal(t, uint32(0), p.RejectCount)
		assert.False(t, sut.TryResolve(id, 4))
	})

	t.Run("should only accept votes from the eligible voter list", func(t *testing.T) {
		var sut = NewManager()
		var id, err = sut.Submit(Request{Proposer: 100, Algorithm: Majority, Voters: []uint64{1, 2, 3}}, 0)
		require.NoError(t, err)
		sut.Open(id)

		assert.False(t, sut.CastVote(id, 9, Accept, 1, 1))
		assert.True(t, sut.CastVote(id, 2, Accept, 1, 1))

		var p, _ = sut.Get(id)
		assert.Equal(t, uint32(3), p.RequiredVoters)
		assert.Equal(t, uint64(2), p.AcceptThreshold)
		assert.Equal(t, uint64(1), sut.Stats().IneligibleVotes)
	})

	t.Run("should reject proposals with no voters", func(t *testing.T) {
		var sut = NewManager()

		var _, err = sut.Propose(100, Majority, 0, 0, 0)

		assert.ErrorIs(t, err, ErrNoVoters)
	})

	t.Run("should time out open proposals only after the deadline", func(t *testing.T) {
		// Arrange
		var sut = NewManager()
		var id = newOpen(t, sut, Majority, 3, 1000)
		var untimed = newOpen(t, sut, Majority, 3, 0)

		// Act & Assert
		assert.Empty(t, sut.Tick(999))
		assert.Equal(t, []uint64{id}, sut.Tick(1000))
		assert.Equal(t, TimedOut, state(sut, id))
		assert.Equal(t, Voting, state(sut, untimed))
		assert.False(t, sut.CheckTimeout(id, 5000))
	})

	t.Run("should forget only resolved proposals", func(t *testing.T) {
		var sut = NewManager()
		var open = newOpen(t, sut, Majority, 1, 0)
		var pending, _ = sut.Propose(100, Majority, 1, 0, 0)
		sut.CastVote(open, 1, Accept, 1, 1)

		assert.False(t, sut.Forget(pending))
		assert.True(t, sut.Forget(open))
		var _, ok = sut.Get(open)
		assert.False(t, ok)
		assert.Equal(t, 1, sut.Stats().Active)
	})
}
