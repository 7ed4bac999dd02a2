package server

import (
	"context"
	"errors"
	"testing"

	"github.com/npezzotti/go-presence/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"
)

func TestMembershipManager_Join(t *testing.T) {
	t.Run("participant joins", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("IsConversationParticipant", mock.Anything, "u1", "conv-1").Return(true, nil).Once()

		m := NewMembershipManager(db, zaptest.NewLogger(t))
		m.Open("c1", "u1")

		err := m.Join(context.Background(), "c1", "conv-1")
		assert.NoError(t, err)
		assert.True(t, m.IsMember("c1", "conv-1"))
		assert.Equal(t, []string{"c1"}, m.MembersOf("conv-1"))
		assert.Equal(t, []string{"conv-1"}, m.RoomsOf("c1"))
	})

	t.Run("non participant denied", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("IsConversationParticipant", mock.Anything, "u1", "conv-1").Return(false, nil).Once()

		m := NewMembershipManager(db, zaptest.NewLogger(t))
		m.Open("c1", "u1")

		err := m.Join(context.Background(), "c1", "conv-1")
		assert.ErrorIs(t, err, ErrAccessDenied)
		assert.False(t, m.IsMember("c1", "conv-1"))
		assert.Empty(t, m.MembersOf("conv-1"))
	})

	t.Run("authorization error", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("IsConversationParticipant", mock.Anything, "u1", "conv-1").Return(false, errors.New("db down")).Once()

		m := NewMembershipManager(db, zaptest.NewLogger(t))
		m.Open("c1", "u1")

		err := m.Join(context.Background(), "c1", "conv-1")
		assert.ErrorContains(t, err, "db down")
		assert.NotErrorIs(t, err, ErrAccessDenied)
		assert.False(t, m.IsMember("c1", "conv-1"))
	})

	t.Run("own personal room", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		m := NewMembershipManager(db, zaptest.NewLogger(t))
		m.Open("c1", "u1")

		assert.NoError(t, m.Join(context.Background(), "c1", PersonalRoom("u1")))
		assert.True(t, m.IsMember("c1", "user:u1"))
	})

	t.Run("other personal room denied", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		m := NewMembershipManager(db, zaptest.NewLogger(t))
		m.Open("c1", "u1")

		assert.ErrorIs(t, m.Join(context.Background(), "c1", PersonalRoom("u2")), ErrAccessDenied)
	})

	t.Run("unknown connection", func(t *testing.T) {
		m := NewMembershipManager(&database.MockRepository{}, zaptest.NewLogger(t))
		assert.ErrorIs(t, m.Join(context.Background(), "c1", "conv-1"), ErrNotConnected)
	})

	t.Run("connection cleared during authorization", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		m := NewMembershipManager(db, zaptest.NewLogger(t))
		m.Open("c1", "u1")

		db.On("IsConversationParticipant", mock.Anything, "u1", "conv-1").
			Run(func(mock.Arguments) { m.ClearConnection("c1") }).
			Return(true, nil).Once()

		err := m.Join(context.Background(), "c1", "conv-1")
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Empty(t, m.MembersOf("conv-1"), "expected no membership for a closed connection")
	})
}

func TestMembershipManager_Leave(t *testing.T) {
	db := &database.MockRepository{}
	db.On("IsConversationParticipant", mock.Anything, "u1", mock.Anything).Return(true, nil)

	m := NewMembershipManager(db, zaptest.NewLogger(t))
	m.Open("c1", "u1")
	assert.NoError(t, m.Join(context.Background(), "c1", "conv-1"))

	m.Leave("c1", "conv-1")
	assert.False(t, m.IsMember("c1", "conv-1"))
	assert.Empty(t, m.MembersOf("conv-1"))

	m.Leave("c1", "conv-1")
	m.Leave("c1", "never-joined")
	m.Leave("unknown", "conv-1")
}

func TestMembershipManager_ClearConnection(t *testing.T) {
	db := &database.MockRepository{}
	db.On("IsConversationParticipant", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	m := NewMembershipManager(db, zaptest.NewLogger(t))
	m.Open("c1", "u1")
	m.Open("c2", "u2")
	ctx := context.Background()
	assert.NoError(t, m.Join(ctx, "c1", "conv-1"))
	assert.NoError(t, m.Join(ctx, "c1", "conv-2"))
	assert.NoError(t, m.Join(ctx, "c2", "conv-1"))

	left := m.ClearConnection("c1")
	assert.ElementsMatch(t, []string{"conv-1", "conv-2"}, left)
	assert.Equal(t, []string{"c2"}, m.MembersOf("conv-1"))
	assert.Empty(t, m.MembersOf("conv-2"))
	assert.Empty(t, m.RoomsOf("c1"))

	assert.Nil(t, m.ClearConnection("c1"), "expected repeated clear to be a no-op")
	assert.ErrorIs(t, m.Join(ctx, "c1", "conv-1"), ErrNotConnected, "expected join after clear to fail")
}
