package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seed/internal/auditlog"
	"seed/internal/event"
	"seed/internal/eventlog"
	"seed/internal/interaction"
	"seed/internal/shared/logging"
	"seed/internal/task"
	"seed/internal/uibus"
)

type fakeRuntime struct {
	agents  []string
	running []string
}

func (f *fakeRuntime) Profiles() []string     { return f.agents }
func (f *fakeRuntime) RunningTasks() []string { return f.running }

type apiHarness struct {
	server       *Server
	tasks        *task.Service
	interactions *interaction.Service
	audits       *auditlog.Log
}

func newAPIHarness(t *testing.T, token string) *apiHarness {
	t.Helper()
	stateDir := t.TempDir()

	events, err := eventlog.Open(stateDir, logging.Nop())
	require.NoError(t, err)
	audits, err := auditlog.Open(stateDir, logging.Nop())
	require.NoError(t, err)

	tasks := task.NewService(events, logging.Nop())
	interactions := interaction.NewService(events, logging.Nop())
	server := New(Deps{
		Tasks:        tasks,
		Interactions: interactions,
		Events:       events,
		Audits:       audits,
		Bus:          uibus.New(logging.Nop()),
		Runtime:      &fakeRuntime{agents: []string{"coder"}, running: []string{"tsk_1"}},
		Logger:       logging.Nop(),
		Token:        token,
	})
	return &apiHarness{server: server, tasks: tasks, interactions: interactions, audits: audits}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &out))
	return out
}

func TestCreateAndGetTask(t *testing.T) {
	h := newAPIHarness(t, "")

	recorder := h.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"title":   "fix flaky test",
		"intent":  "make CI green",
		"agentId": "coder",
	}, nil)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	taskID := decodeBody(t, recorder)["taskId"].(string)
	require.NotEmpty(t, taskID)

	recorder = h.do(t, http.MethodGet, "/api/tasks/"+taskID, nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "fix flaky test", body["title"])
	assert.Equal(t, string(event.StatusOpen), body["status"])
}

func TestCreateTaskValidationErrors(t *testing.T) {
	h := newAPIHarness(t, "")

	// Binding failure: required fields missing.
	recorder := h.do(t, http.MethodPost, "/api/tasks", map[string]any{"intent": "no title"}, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	// Service-level NotFound: unknown parent.
	recorder = h.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"title":        "child",
		"agentId":      "coder",
		"parentTaskId": "tsk_missing",
	}, nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestListTasks(t *testing.T) {
	h := newAPIHarness(t, "")
	for _, title := range []string{"one", "two"} {
		recorder := h.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": title, "agentId": "coder"}, nil)
		require.Equal(t, http.StatusCreated, recorder.Code)
	}

	recorder := h.do(t, http.MethodGet, "/api/tasks", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	tasks := decodeBody(t, recorder)["tasks"].([]any)
	assert.Len(t, tasks, 2)
}

func TestGetTaskNotFound(t *testing.T) {
	h := newAPIHarness(t, "")
	recorder := h.do(t, http.MethodGet, "/api/tasks/tsk_ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestCancelConflictOnTerminalTask(t *testing.T) {
	h := newAPIHarness(t, "")
	taskID, err := h.tasks.CreateTask(task.CreateTaskInput{Title: "t", AgentID: "coder"})
	require.NoError(t, err)
	require.NoError(t, h.tasks.MarkCompleted(taskID, "", "agent:coder"))

	recorder := h.do(t, http.MethodPost, "/api/tasks/"+taskID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, recorder.Code)
}

func TestPauseResumeEndpoints(t *testing.T) {
	h := newAPIHarness(t, "")
	taskID, err := h.tasks.CreateTask(task.CreateTaskInput{Title: "t", AgentID: "coder"})
	require.NoError(t, err)

	recorder := h.do(t, http.MethodPost, "/api/tasks/"+taskID+"/pause", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	recorder = h.do(t, http.MethodPost, "/api/tasks/"+taskID+"/resume", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestInteractionRoundTripOverHTTP(t *testing.T) {
	h := newAPIHarness(t, "")
	taskID, err := h.tasks.CreateTask(task.CreateTaskInput{Title: "t", AgentID: "coder"})
	require.NoError(t, err)
	interactionID, err := h.interactions.RequestInteraction(taskID, interaction.RequestSpec{
		Kind:    event.InteractionConfirm,
		Purpose: "confirm_risky_action",
	})
	require.NoError(t, err)

	recorder := h.do(t, http.MethodGet, "/api/tasks/"+taskID+"/interaction", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	pending := decodeBody(t, recorder)["pending"].(map[string]any)
	assert.Equal(t, interactionID, pending["interactionId"])

	recorder = h.do(t, http.MethodPost, "/api/tasks/"+taskID+"/interactions/"+interactionID+"/respond", map[string]any{
		"selectedOptionId": "approve",
	}, nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = h.do(t, http.MethodGet, "/api/tasks/"+taskID+"/interaction", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Nil(t, decodeBody(t, recorder)["pending"])
}

func TestGetEventsFilters(t *testing.T) {
	h := newAPIHarness(t, "")
	first, err := h.tasks.CreateTask(task.CreateTaskInput{Title: "a", AgentID: "coder"})
	require.NoError(t, err)
	_, err = h.tasks.CreateTask(task.CreateTaskInput{Title: "b", AgentID: "coder"})
	require.NoError(t, err)

	recorder := h.do(t, http.MethodGet, "/api/events", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Len(t, decodeBody(t, recorder)["events"].([]any), 2)

	recorder = h.do(t, http.MethodGet, "/api/events?afterId=1", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Len(t, decodeBody(t, recorder)["events"].([]any), 1)

	recorder = h.do(t, http.MethodGet, "/api/events?streamId="+first, nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	events := decodeBody(t, recorder)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, first, events[0].(map[string]any)["streamId"])
}

func TestGetAuditByTask(t *testing.T) {
	h := newAPIHarness(t, "")
	_, err := h.audits.Append(auditlog.TypeToolCallRequested, auditlog.Payload{ToolCallID: "c1", ToolName: "echo", TaskID: "tsk_a"})
	require.NoError(t, err)
	_, err = h.audits.Append(auditlog.TypeToolCallCompleted, auditlog.Payload{ToolCallID: "c1", ToolName: "echo", TaskID: "tsk_a"})
	require.NoError(t, err)
	_, err = h.audits.Append(auditlog.TypeToolCallRequested, auditlog.Payload{ToolCallID: "c2", ToolName: "echo", TaskID: "tsk_b"})
	require.NoError(t, err)

	recorder := h.do(t, http.MethodGet, "/api/audit?taskId=tsk_a", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Len(t, decodeBody(t, recorder)["entries"].([]any), 2)

	recorder = h.do(t, http.MethodGet, "/api/audit?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	entries := decodeBody(t, recorder)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "c2", entries[0].(map[string]any)["payload"].(map[string]any)["toolCallId"])
}

func TestGetRuntime(t *testing.T) {
	h := newAPIHarness(t, "")
	recorder := h.do(t, http.MethodGet, "/api/runtime", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, []any{"coder"}, body["agents"])
	assert.Equal(t, []any{"tsk_1"}, body["running"])
}

func TestAuthTokenGuardsAPI(t *testing.T) {
	h := newAPIHarness(t, "secret")

	recorder := h.do(t, http.MethodGet, "/api/tasks", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = h.do(t, http.MethodGet, "/api/tasks", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = h.do(t, http.MethodGet, "/api/tasks", nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, recorder.Code)

	// Query token covers WebSocket clients that cannot set headers.
	recorder = h.do(t, http.MethodGet, "/api/tasks?token=secret", nil, nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	h := newAPIHarness(t, "secret")
	recorder := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestWebSocketReplaysRetainedChunks(t *testing.T) {
	h := newAPIHarness(t, "")
	h.server.deps.Bus.PublishAgentOutput("tsk_1", uibus.AgentOutput{Kind: uibus.OutputText, Text: "hello from earlier"})

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?taskId=tsk_1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "ui", frame["channel"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, string(uibus.TypeAgentOutput), payload["type"])
	assert.Equal(t, "hello from earlier", payload["agentOutput"].(map[string]any)["text"])
}
