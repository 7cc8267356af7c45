package interaction

import (
	"context"
	"testing"
	"time"

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

func confirmSpec() RequestSpec {
	return RequestSpec{
		Kind:    event.InteractionConfirm,
		Purpose: "approve tool call",
		Options: []event.InteractionOption{
			{ID: "approve", Label: "Approve"},
			{ID: "reject", Label: "Reject"},
		},
		AuthorActorID: "agent:coder",
	}
}

func TestRequestInteractionDerivesPending(t *testing.T) {
	svc := newTestService(t)

	interactionID, err := svc.RequestInteraction("task-1", confirmSpec())
	require.NoError(t, err)
	require.NotEmpty(t, interactionID)

	pending, err := svc.GetPendingInteraction("task-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, interactionID, pending.InteractionID)
	assert.Equal(t, event.InteractionConfirm, pending.Kind)
	assert.Equal(t, "approve tool call", pending.Purpose)
	assert.Len(t, pending.Options, 2)
}

func TestRequestInteractionValidation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.RequestInteraction("", confirmSpec())
	assert.Equal(t, sharederrors.KindValidation, sharederrors.KindOf(err))

	_, err = svc.RequestInteraction("task-1", RequestSpec{Purpose: "no kind"})
	assert.Equal(t, sharederrors.KindValidation, sharederrors.KindOf(err))
}

func TestRespondClearsPending(t *testing.T) {
	svc := newTestService(t)
	interactionID, err := svc.RequestInteraction("task-1", confirmSpec())
	require.NoError(t, err)

	err = svc.RespondToInteraction("task-1", interactionID, Response{
		SelectedOptionID: "approve",
		AuthorActorID:    "user:local",
	})
	require.NoError(t, err)

	pending, err := svc.GetPendingInteraction("task-1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	response, err := svc.FindResponse("task-1", interactionID)
	require.NoError(t, err)
	require.NotNil(t, response)
	assert.Equal(t, "approve", response.SelectedOptionID)
	assert.Equal(t, "user:local", response.AuthorActorID)
}

func TestRespondToUnknownInteractionFails(t *testing.T) {
	svc := newTestService(t)

	err := svc.RespondToInteraction("task-1", "int_ghost", Response{SelectedOptionID: "approve"})
	assert.Equal(t, sharederrors.KindNotFound, sharederrors.KindOf(err))
}

func TestRespondTwiceFails(t *testing.T) {
	svc := newTestService(t)
	interactionID, err := svc.RequestInteraction("task-1", confirmSpec())
	require.NoError(t, err)

	require.NoError(t, svc.RespondToInteraction("task-1", interactionID, Response{SelectedOptionID: "approve"}))

	err = svc.RespondToInteraction("task-1", interactionID, Response{SelectedOptionID: "reject"})
	assert.Equal(t, sharederrors.KindNotFound, sharederrors.KindOf(err))
}

func TestPendingTracksLatestRequest(t *testing.T) {
	svc := newTestService(t)
	first, err := svc.RequestInteraction("task-1", confirmSpec())
	require.NoError(t, err)
	second, err := svc.RequestInteraction("task-1", confirmSpec())
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	pending, err := svc.GetPendingInteraction("task-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, second, pending.InteractionID)
}

func TestFindResponseNilBeforeAnswer(t *testing.T) {
	svc := newTestService(t)
	interactionID, err := svc.RequestInteraction("task-1", confirmSpec())
	require.NoError(t, err)

	response, err := svc.FindResponse("task-1", interactionID)
	require.NoError(t, err)
	assert.Nil(t, response)
}

func TestWaitForResponseReturnsAnswer(t *testing.T) {
	svc := newTestService(t)
	interactionID, err := svc.RequestInteraction("task-1", confirmSpec())
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = svc.RespondToInteraction("task-1", interactionID, Response{SelectedOptionID: "approve"})
	}()

	response, err := svc.WaitForResponse(context.Background(), "task-1", interactionID, WaitOptions{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "approve", response.SelectedOptionID)
}

func TestWaitForResponseDeadline(t *testing.T) {
	svc := newTestService(t)
	interactionID, err := svc.RequestInteraction("task-1", confirmSpec())
	require.NoError(t, err)

	deadline := time.Now().Add(100 * time.Millisecond)
	_, err = svc.WaitForResponse(context.Background(), "task-1", interactionID, WaitOptions{
		PollInterval: 20 * time.Millisecond,
		Deadline:     &deadline,
	})
	assert.Equal(t, sharederrors.KindTimeout, sharederrors.KindOf(err))
}

func TestWaitForResponseAborted(t *testing.T) {
	svc := newTestService(t)
	interactionID, err := svc.RequestInteraction("task-1", confirmSpec())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err = svc.WaitForResponse(ctx, "task-1", interactionID, WaitOptions{PollInterval: 20 * time.Millisecond})
	assert.Equal(t, sharederrors.KindAborted, sharederrors.KindOf(err))
}
