package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seed/internal/event"
	"seed/internal/eventlog"
	sharederrors "seed/internal/shared/errors"
	"seed/internal/shared/logging"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	log, err := eventlog.Open(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	return NewService(log, logging.Nop())
}

func createTask(t *testing.T, svc *Service, title string) string {
	t.Helper()
	taskID, err := svc.CreateTask(CreateTaskInput{
		Title:         title,
		Intent:        "do the thing",
		AgentID:       "coder",
		AuthorActorID: "user:local",
	})
	require.NoError(t, err)
	return taskID
}

func TestCreateTaskAppendsCreatedEvent(t *testing.T) {
	svc := newTestService(t)
	taskID := createTask(t, svc, "ship it")

	task, err := svc.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, "ship it", task.Title)
	assert.Equal(t, event.StatusOpen, task.Status)
	assert.Equal(t, event.PriorityNormal, task.Priority)

	events, err := svc.Events(taskID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeTaskCreated, events[0].Type)
	assert.Equal(t, int64(1), events[0].Seq)
}

func TestCreateTaskValidation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateTask(CreateTaskInput{AgentID: "coder"})
	assert.Equal(t, sharederrors.KindValidation, sharederrors.KindOf(err))

	_, err = svc.CreateTask(CreateTaskInput{Title: "no agent"})
	assert.Equal(t, sharederrors.KindValidation, sharederrors.KindOf(err))
}

func TestCreateTaskChecksParentExists(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateTask(CreateTaskInput{
		Title:        "child",
		AgentID:      "coder",
		ParentTaskID: "tsk_missing",
	})
	assert.Equal(t, sharederrors.KindNotFound, sharederrors.KindOf(err))

	parentID := createTask(t, svc, "parent")
	childID, err := svc.CreateTask(CreateTaskInput{
		Title:        "child",
		AgentID:      "coder",
		ParentTaskID: parentID,
	})
	require.NoError(t, err)

	child, err := svc.GetTask(childID)
	require.NoError(t, err)
	assert.Equal(t, parentID, child.ParentTaskID)
}

func TestCommandsRequireKnownTask(t *testing.T) {
	svc := newTestService(t)

	assert.Equal(t, sharederrors.KindNotFound, sharederrors.KindOf(svc.PauseTask("tsk_ghost", "user:local")))
	assert.Equal(t, sharederrors.KindNotFound, sharederrors.KindOf(svc.CancelTask("tsk_ghost", "", "user:local")))
	assert.Equal(t, sharederrors.KindNotFound, sharederrors.KindOf(svc.AddInstruction("tsk_ghost", "hurry", "user:local")))
}

func TestCommandsRejectTerminalTask(t *testing.T) {
	svc := newTestService(t)
	taskID := createTask(t, svc, "done soon")
	require.NoError(t, svc.MarkStarted(taskID, "agent:coder"))
	require.NoError(t, svc.MarkCompleted(taskID, "all good", "agent:coder"))

	err := svc.CancelTask(taskID, "", "user:local")
	assert.Equal(t, sharederrors.KindConflict, sharederrors.KindOf(err))

	err = svc.SetTodos(taskID, []event.Todo{{ID: "1", Text: "x", State: event.TodoPending}}, "agent:coder")
	assert.Equal(t, sharederrors.KindConflict, sharederrors.KindOf(err))
}

func TestAddInstructionRequiresText(t *testing.T) {
	svc := newTestService(t)
	taskID := createTask(t, svc, "task")

	err := svc.AddInstruction(taskID, "", "user:local")
	assert.Equal(t, sharederrors.KindValidation, sharederrors.KindOf(err))
}

func TestPauseResumeLifecycle(t *testing.T) {
	svc := newTestService(t)
	taskID := createTask(t, svc, "pausable")
	require.NoError(t, svc.MarkStarted(taskID, "agent:coder"))

	require.NoError(t, svc.PauseTask(taskID, "user:local"))
	task, err := svc.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusPaused, task.Status)

	require.NoError(t, svc.ResumeTask(taskID, "user:local"))
	task, err = svc.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusInProgress, task.Status)
}

func TestSetTodosReplacesList(t *testing.T) {
	svc := newTestService(t)
	taskID := createTask(t, svc, "with todos")

	require.NoError(t, svc.SetTodos(taskID, []event.Todo{
		{ID: "1", Text: "first", State: event.TodoDone},
		{ID: "2", Text: "second", State: event.TodoPending},
	}, "agent:coder"))
	require.NoError(t, svc.SetTodos(taskID, []event.Todo{
		{ID: "2", Text: "second", State: event.TodoInProgress},
	}, "agent:coder"))

	task, err := svc.GetTask(taskID)
	require.NoError(t, err)
	require.Len(t, task.Todos, 1)
	assert.Equal(t, event.TodoInProgress, task.Todos[0].State)
}

func TestMarkFailedRecordsReason(t *testing.T) {
	svc := newTestService(t)
	taskID := createTask(t, svc, "doomed")
	require.NoError(t, svc.MarkStarted(taskID, "agent:coder"))
	require.NoError(t, svc.MarkFailed(taskID, "max iterations reached", "agent:coder"))

	task, err := svc.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFailed, task.Status)
	assert.Equal(t, "max iterations reached", task.FailureReason)
}

func TestListTasksNewestFirst(t *testing.T) {
	svc := newTestService(t)
	first := createTask(t, svc, "first")
	second := createTask(t, svc, "second")

	tasks, err := svc.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	// CreatedAt can tie at coarse clock resolution; ids still identify both.
	ids := []string{tasks[0].ID, tasks[1].ID}
	assert.Contains(t, ids, first)
	assert.Contains(t, ids, second)
}

func TestGetTaskNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.GetTask("tsk_ghost")
	assert.Equal(t, sharederrors.KindNotFound, sharederrors.KindOf(err))
}
