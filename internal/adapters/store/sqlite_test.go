package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dkeye/coshop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyStoreLoadsNothing(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.User)
	assert.Empty(t, st.Room)
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	s, err := Open(path)
	require.NoError(t, err)
	u := domain.User{ID: "u-1", Username: "ann"}
	require.NoError(t, s.SaveUser(ctx, u))
	require.NoError(t, s.SaveRoom(ctx, "ABCD1234"))
	require.NoError(t, s.SaveRoom(ctx, "ZZZZ0000"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	st, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.User)
	assert.Equal(t, u, *st.User)
	assert.Equal(t, domain.RoomCode("ZZZZ0000"), st.Room)

	require.NoError(t, s.ClearRoom(ctx))
	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Room)
	assert.NotNil(t, st.User)
}

func TestSaveUserRejectsInvalid(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.SaveUser(context.Background(), domain.User{Username: "x"}), domain.ErrUserIDInvalid)
}

func TestPersonalCartSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	items := []domain.CartItem{
		{ProductID: "lamp", Title: "Lamp", Price: 10, Quantity: 2, AddedBy: "u-1"},
		{ProductID: "mug", Title: "Mug", Price: 2, Quantity: 1, AddedBy: "u-1"},
	}

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveCart(ctx, items))
	require.ErrorIs(t, s.SaveCart(ctx, []domain.CartItem{{ProductID: "lamp"}}), domain.ErrMalformedSnapshot)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, items, st.Cart)

	require.NoError(t, s.SaveCart(ctx, nil))
	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Cart)
}
