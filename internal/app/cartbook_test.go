package app

import (
	"math"
	"testing"

	"github.com/dkeye/coshop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lamp = domain.Product{ID: "lamp", Title: "Lamp", Price: 10}

func TestCartBookAddMergesAndBumpsSeq(t *testing.T) {
	b := NewCartBook()
	s1, err := b.Add("R1", lamp, 1, "u1")
	require.NoError(t, err)
	s2, err := b.Add("R1", lamp, 2, "u2")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1.Seq)
	assert.Equal(t, uint64(2), s2.Seq)
	require.Len(t, s2.Items, 1)
	assert.Equal(t, 3, s2.Items[0].Quantity)
	assert.Equal(t, domain.UserID("u1"), s2.Items[0].AddedBy)
	require.NoError(t, s2.Validate())
}

func TestCartBookRejectsBadQuantity(t *testing.T) {
	b := NewCartBook()
	_, err := b.Add("R1", lamp, 0, "u1")
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	assert.Zero(t, b.Snapshot("R1").Seq)
}

func TestCartBookRemoveAbsentStillBumps(t *testing.T) {
	b := NewCartBook()
	s := b.Remove("R1", "nope")
	assert.Equal(t, uint64(1), s.Seq)
	assert.Empty(t, s.Items)
}

func TestCartBookVote(t *testing.T) {
	b := NewCartBook()
	_, err := b.Vote("R1", "lamp", "u1", domain.VoteUp)
	assert.ErrorIs(t, err, domain.ErrUnknownProduct)

	_, err = b.Add("R1", lamp, 1, "u1")
	require.NoError(t, err)
	_, err = b.Vote("R1", "lamp", "u2", "sideways")
	assert.ErrorIs(t, err, domain.ErrInvalidVote)

	_, err = b.Vote("R1", "lamp", "u2", domain.VoteUp)
	require.NoError(t, err)
	s, err := b.Vote("R1", "lamp", "u2", domain.VoteDown)
	require.NoError(t, err)
	assert.Empty(t, s.Items[0].Votes.Up)
	assert.Equal(t, []domain.UserID{"u2"}, s.Items[0].Votes.Down)
}

func TestCartBookSnapshotsDoNotShareVotes(t *testing.T) {
	b := NewCartBook()
	_, _ = b.Add("R1", lamp, 1, "u1")
	s, _ := b.Vote("R1", "lamp", "u1", domain.VoteUp)
	s.Items[0].Votes.Up[0] = "mallory"

	again := b.Snapshot("R1")
	assert.Equal(t, []domain.UserID{"u1"}, again.Items[0].Votes.Up)
}

func TestCartBookCheckout(t *testing.T) {
	b := NewCartBook()
	_, _, err := b.Checkout("R1")
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	_, _ = b.Add("R1", lamp, 2, "u1")
	items, snap, err := b.Checkout("R1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Empty(t, snap.Items)
	assert.Equal(t, uint64(3), snap.Seq)
}

func TestCartBookRoomsAreIndependent(t *testing.T) {
	b := NewCartBook()
	_, _ = b.Add("R1", lamp, 1, "u1")
	assert.Empty(t, b.Snapshot("R2").Items)

	b.Drop("R1")
	assert.Zero(t, b.Snapshot("R1").Seq)
}

func TestCartBookCapsQuantity(t *testing.T) {
	b := NewCartBook()
	_, err := b.Add("R1", lamp, math.MaxInt, "u1")
	require.ErrorIs(t, err, domain.ErrStockExceeded)
	assert.Zero(t, b.Snapshot("R1").Seq)

	_, err = b.Add("R1", lamp, domain.MaxLineQuantity, "u1")
	require.NoError(t, err)
	_, err = b.Add("R1", lamp, 1, "u2")
	require.ErrorIs(t, err, domain.ErrStockExceeded)

	s := b.Snapshot("R1")
	assert.Equal(t, uint64(1), s.Seq)
	assert.Equal(t, domain.MaxLineQuantity, s.Items[0].Quantity)
	require.NoError(t, s.Validate())

	// rejected adds leave the room editable
	s = b.Remove("R1", "lamp")
	assert.Equal(t, uint64(2), s.Seq)
	_, err = b.Add("R1", lamp, 1, "u2")
	require.NoError(t, err)
}

func TestCartBookHonoursStock(t *testing.T) {
	b := NewCartBook()
	kettle := domain.Product{ID: "kettle", Title: "Kettle", Price: 30, Stock: 3}
	_, err := b.Add("R1", kettle, 2, "u1")
	require.NoError(t, err)
	_, err = b.Add("R1", kettle, 2, "u2")
	require.ErrorIs(t, err, domain.ErrStockExceeded)
	s, err := b.Add("R1", kettle, 1, "u2")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Items[0].Quantity)
}
