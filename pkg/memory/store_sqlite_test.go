package memory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecli/forge/pkg/protocol"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveSession("s1", "", "parent"))

	assistant := protocol.Assistant("", []protocol.ToolCall{
		{ID: "a", Name: "read_file", Arguments: `{"path":"/tmp/x"}`},
	})

	require.NoError(t, store.RecordMessage("s1", protocol.System("be brief")))
	require.NoError(t, store.RecordMessage("s1", protocol.User("read the file")))
	require.NoError(t, store.RecordMessage("s1", assistant))
	require.NoError(t, store.RecordMessage("s1", protocol.ToolResult("a", "contents")))

	messages, err := store.Load("s1")
	require.NoError(t, err)
	require.Len(t, messages, 4)

	assert.Equal(t, protocol.RoleSystem, messages[0].Role)
	assert.Equal(t, "read the file", messages[1].Content)
	require.Len(t, messages[2].ToolCalls, 1)
	assert.Equal(t, "read_file", messages[2].ToolCalls[0].Name)
	assert.Equal(t, `{"path":"/tmp/x"}`, messages[2].ToolCalls[0].Arguments)
	assert.Equal(t, "a", messages[3].ToolCallID)
}

func TestSQLiteStore_ListSessions(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveSession("parent", "", "parent"))
	require.NoError(t, store.SaveSession("child", "parent", "child"))
	require.NoError(t, store.RecordMessage("parent", protocol.User("summarize the repo layout")))

	sessions, err := store.ListSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byID := make(map[string]SessionInfo)
	for _, s := range sessions {
		byID[s.ID] = s
	}
	assert.Equal(t, "parent", byID["child"].ParentID)
	assert.Equal(t, "summarize the repo layout", byID["parent"].Summary)
}

func TestSQLiteStore_WindowMirror(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveSession("s2", "", "parent"))

	w := newTestWindow(1000)
	w.store = store
	w.sessionID = "s2"

	w.SetSystem("sys")
	w.Append(protocol.User("hello"))

	messages, err := store.Load("s2")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, protocol.RoleSystem, messages[0].Role)
	assert.Equal(t, "hello", messages[1].Content)
}
