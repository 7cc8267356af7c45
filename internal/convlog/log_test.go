package convlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seed/internal/agent/ports"
	"seed/internal/shared/logging"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	return log
}

func TestAppendKeepsPerTaskIndexOrder(t *testing.T) {
	log := openTestLog(t)

	first, err := log.Append("task-a", ports.Message{Role: ports.RoleSystem, Content: "sys"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Index)

	_, err = log.Append("task-b", ports.Message{Role: ports.RoleUser, Content: "other task"})
	require.NoError(t, err)

	second, err := log.Append("task-a", ports.Message{Role: ports.RoleUser, Content: "go"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Index)

	messages, err := log.GetMessages("task-a")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "sys", messages[0].Content)
	assert.Equal(t, "go", messages[1].Content)
}

func TestAppendRejectsEmptyTask(t *testing.T) {
	log := openTestLog(t)
	_, err := log.Append("", ports.Message{Role: ports.RoleUser, Content: "x"})
	assert.Error(t, err)
}

func TestMessagesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, logging.Nop())
	require.NoError(t, err)
	_, err = log.Append("task-a", ports.Message{Role: ports.RoleUser, Content: "hello"})
	require.NoError(t, err)

	reopened, err := Open(dir, logging.Nop())
	require.NoError(t, err)
	entry, err := reopened.Append("task-a", ports.Message{Role: ports.RoleAssistant, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Index)
	assert.Equal(t, int64(2), entry.ID)
}

func TestToolCallsRoundTrip(t *testing.T) {
	log := openTestLog(t)
	_, err := log.Append("task-a", ports.Message{
		Role: ports.RoleAssistant,
		ToolCalls: []ports.ToolCall{{
			ID:        "call-1",
			Name:      "readFile",
			Arguments: map[string]any{"path": "private:/notes.md"},
		}},
	})
	require.NoError(t, err)

	messages, err := log.GetMessages("task-a")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Len(t, messages[0].ToolCalls, 1)
	assert.Equal(t, "readFile", messages[0].ToolCalls[0].Name)
	assert.Equal(t, "private:/notes.md", messages[0].ToolCalls[0].Arguments["path"])
}

func TestTruncateKeepsNewestEntries(t *testing.T) {
	log := openTestLog(t)
	for _, content := range []string{"one", "two", "three", "four"} {
		_, err := log.Append("task-a", ports.Message{Role: ports.RoleUser, Content: content})
		require.NoError(t, err)
	}
	_, err := log.Append("task-b", ports.Message{Role: ports.RoleUser, Content: "untouched"})
	require.NoError(t, err)

	require.NoError(t, log.Truncate("task-a", 2))

	messages, err := log.GetMessages("task-a")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "three", messages[0].Content)
	assert.Equal(t, "four", messages[1].Content)

	other, err := log.GetMessages("task-b")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	// Index numbering continues past the truncated prefix.
	entry, err := log.Append("task-a", ports.Message{Role: ports.RoleUser, Content: "five"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), entry.Index)
}

func TestTruncateToZeroDropsEverything(t *testing.T) {
	log := openTestLog(t)
	_, err := log.Append("task-a", ports.Message{Role: ports.RoleUser, Content: "x"})
	require.NoError(t, err)
	require.NoError(t, log.Truncate("task-a", 0))

	messages, err := log.GetMessages("task-a")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestClearRemovesOnlyTheTask(t *testing.T) {
	log := openTestLog(t)
	_, err := log.Append("task-a", ports.Message{Role: ports.RoleUser, Content: "a"})
	require.NoError(t, err)
	_, err = log.Append("task-b", ports.Message{Role: ports.RoleUser, Content: "b"})
	require.NoError(t, err)

	require.NoError(t, log.Clear("task-a"))

	gone, err := log.GetMessages("task-a")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := log.GetMessages("task-b")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}
