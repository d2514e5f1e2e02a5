package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CreateHierarchy(t *testing.T) {
	m := NewManager(NewBus())

	parent, err := m.Create("")
	require.NoError(t, err)
	assert.Equal(t, ModeParent, parent.Mode)
	assert.Equal(t, StateIdle, parent.State)
	_, err = uuid.Parse(parent.ID)
	assert.NoError(t, err)

	child, err := m.Create(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeChild, child.Mode)
	assert.Equal(t, parent.ID, child.ParentID)

	children := m.Children(parent.ID)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)
}

func TestManager_RejectsGrandchildren(t *testing.T) {
	m := NewManager(NewBus())

	parent, err := m.Create("")
	require.NoError(t, err)
	child, err := m.Create(parent.ID)
	require.NoError(t, err)

	_, err = m.Create(child.ID)
	assert.ErrorIs(t, err, ErrNestedChild)
}

func TestManager_CreateUnknownParent(t *testing.T) {
	m := NewManager(NewBus())
	_, err := m.Create("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_UpdateStatePublishes(t *testing.T) {
	bus := NewBus()
	m := NewManager(bus)
	s, err := m.Create("")
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	require.NoError(t, m.UpdateState(s.ID, StateThinking))

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StateThinking, got.State)

	event := <-sub.C
	assert.Equal(t, EventStateChanged, event.Type)
	assert.Equal(t, s.ID, event.SessionID)
	assert.Equal(t, "thinking", event.Payload["state"])

	assert.ErrorIs(t, m.UpdateState("missing", StateFailed), ErrNotFound)
}

func TestManager_GetReturnsCopy(t *testing.T) {
	m := NewManager(NewBus())
	s, err := m.Create("")
	require.NoError(t, err)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	got.State = StateFailed

	again, _ := m.Get(s.ID)
	assert.Equal(t, StateIdle, again.State)
}

func TestManager_Remove(t *testing.T) {
	m := NewManager(NewBus())
	s, err := m.Create("")
	require.NoError(t, err)

	m.Remove(s.ID)
	_, ok := m.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())
}
