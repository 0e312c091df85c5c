package presence

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDirectory struct {
	mock.Mock
	core.RoomDirectory
}

func (m *mockDirectory) Members(ctx context.Context, code domain.RoomCode) (domain.MembersSnapshot, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(domain.MembersSnapshot), args.Error(1)
}

var (
	ana = domain.User{ID: "u-ana", Username: "ana"}
	bo  = domain.User{ID: "u-bo", Username: "bo"}
	cy  = domain.User{ID: "u-cy", Username: "cy"}
)

func TestSnapshotReplacesSet(t *testing.T) {
	dir := &mockDirectory{}
	dir.On("Members", mock.Anything, domain.RoomCode("R1")).Return(domain.MembersSnapshot{
		Room: "R1", Host: ana.ID, Version: 3, Members: []domain.User{bo, ana},
	}, nil)

	s := NewStore(dir)
	s.OnMemberJoined(cy)

	_, err := s.Snapshot(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, []domain.User{ana, bo}, s.Members())
	assert.Equal(t, ana.ID, s.Host())
	assert.False(t, s.Contains(cy.ID))
	dir.AssertExpectations(t)
}

func TestSnapshotFetchFailureKeepsState(t *testing.T) {
	dir := &mockDirectory{}
	dir.On("Members", mock.Anything, domain.RoomCode("R1")).Return(domain.MembersSnapshot{}, errors.New("boom"))

	s := NewStore(dir)
	s.OnMemberJoined(ana)
	_, err := s.Snapshot(context.Background(), "R1")
	require.Error(t, err)
	assert.True(t, s.Contains(ana.ID))
}

func TestApplyDiscardsOlderVersion(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Apply(domain.MembersSnapshot{Version: 5, Members: []domain.User{ana, bo}}))

	err := s.Apply(domain.MembersSnapshot{Version: 4, Members: []domain.User{cy}})
	require.ErrorIs(t, err, domain.ErrStaleSnapshot)
	assert.Equal(t, 2, s.Count())

	require.NoError(t, s.Apply(domain.MembersSnapshot{Version: 5, Members: []domain.User{cy}}))
	assert.Equal(t, []domain.User{cy}, s.Members())
}

func TestJoinLeaveIdempotent(t *testing.T) {
	s := NewStore(nil)
	s.OnMemberJoined(ana)
	s.OnMemberJoined(ana)
	assert.Equal(t, 1, s.Count())

	s.OnMemberLeft(ana.ID)
	s.OnMemberLeft(ana.ID)
	s.OnMemberLeft("never-there")
	assert.Zero(t, s.Count())
}

func TestMembersOrderedByUsernameThenID(t *testing.T) {
	s := NewStore(nil)
	twin := domain.User{ID: "u-0", Username: "bo"}
	s.OnMemberJoined(bo)
	s.OnMemberJoined(twin)
	s.OnMemberJoined(ana)
	assert.Equal(t, []domain.User{ana, twin, bo}, s.Members())
}

func TestClearResetsVersion(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Apply(domain.MembersSnapshot{Version: 9, Host: ana.ID, Members: []domain.User{ana}}))
	s.Clear()
	assert.Zero(t, s.Count())
	assert.Empty(t, s.Host())
	require.NoError(t, s.Apply(domain.MembersSnapshot{Version: 1, Members: []domain.User{bo}}))
	assert.True(t, s.Contains(bo.ID))
}
