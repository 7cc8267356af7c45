// Package interaction manages user-interaction-point (UIP) requests and
// responses. Both halves are plain events on the task's stream; pending state
// is always derived, never stored.
package interaction

import (
	"context"
	"time"

	"seed/internal/event"
	"seed/internal/eventlog"
	sharederrors "seed/internal/shared/errors"
	"seed/internal/shared/logging"
	"seed/internal/shared/utils/id"
)

const defaultPollInterval = 100 * time.Millisecond

// Service appends and derives interaction events.
type Service struct {
	log    *eventlog.Log
	logger logging.Logger
	newID  func() string
}

// NewService builds an interaction service over the event log.
func NewService(log *eventlog.Log, logger logging.Logger) *Service {
	return &Service{
		log:    log,
		logger: logging.OrNop(logger),
		newID:  id.NewInteractionID,
	}
}

// RequestSpec describes one interaction request.
type RequestSpec struct {
	Kind          event.InteractionKind
	Purpose       string
	Display       event.InteractionDisplay
	Options       []event.InteractionOption
	Deadline      *time.Time
	AuthorActorID string
}

// Response carries the user's answer.
type Response struct {
	SelectedOptionID string
	InputValue       string
	AuthorActorID    string
}

// RequestInteraction appends UserInteractionRequested and returns the new
// interaction id.
func (s *Service) RequestInteraction(taskID string, spec RequestSpec) (string, error) {
	if taskID == "" {
		return "", sharederrors.Validation("taskId is required")
	}
	if spec.Kind == "" {
		return "", sharederrors.Validation("interaction kind is required")
	}
	interactionID := s.newID()
	_, err := s.log.Append(taskID, []event.Pending{event.New(event.TypeUserInteractionRequested, event.UserInteractionRequestedPayload{
		TaskID:        taskID,
		InteractionID: interactionID,
		Kind:          spec.Kind,
		Purpose:       spec.Purpose,
		Display:       spec.Display,
		Options:       spec.Options,
		Deadline:      spec.Deadline,
		AuthorActorID: spec.AuthorActorID,
	})})
	if err != nil {
		return "", err
	}
	return interactionID, nil
}

// RespondToInteraction appends UserInteractionResponded for a pending
// request. Responding to an unknown or already answered interaction fails.
func (s *Service) RespondToInteraction(taskID, interactionID string, response Response) error {
	pending, err := s.GetPendingInteraction(taskID)
	if err != nil {
		return err
	}
	if pending == nil || pending.InteractionID != interactionID {
		return sharederrors.NotFound("no pending interaction %s on task %s", interactionID, taskID)
	}
	_, err = s.log.Append(taskID, []event.Pending{event.New(event.TypeUserInteractionResponded, event.UserInteractionRespondedPayload{
		TaskID:           taskID,
		InteractionID:    interactionID,
		SelectedOptionID: response.SelectedOptionID,
		InputValue:       response.InputValue,
		AuthorActorID:    response.AuthorActorID,
	})})
	return err
}

// GetPendingInteraction derives the latest unanswered request of the task,
// or nil when none is pending.
func (s *Service) GetPendingInteraction(taskID string) (*event.PendingInteraction, error) {
	events, err := s.log.ReadStream(taskID, 1)
	if err != nil {
		return nil, err
	}
	var pending *event.PendingInteraction
	for _, ev := range events {
		switch ev.Type {
		case event.TypeUserInteractionRequested:
			payload, err := event.Decode[event.UserInteractionRequestedPayload](ev)
			if err != nil {
				s.logger.Warn("Skipping invalid interaction request: %v", err)
				continue
			}
			pending = &event.PendingInteraction{
				InteractionID: payload.InteractionID,
				TaskID:        payload.TaskID,
				Kind:          payload.Kind,
				Purpose:       payload.Purpose,
				Display:       payload.Display,
				Options:       payload.Options,
				CreatedAt:     ev.CreatedAt,
				Deadline:      payload.Deadline,
			}
		case event.TypeUserInteractionResponded:
			payload, err := event.Decode[event.UserInteractionRespondedPayload](ev)
			if err != nil {
				s.logger.Warn("Skipping invalid interaction response: %v", err)
				continue
			}
			if pending != nil && pending.InteractionID == payload.InteractionID {
				pending = nil
			}
		}
	}
	return pending, nil
}

// WaitOptions adjusts WaitForResponse.
type WaitOptions struct {
	PollInterval time.Duration
	Deadline     *time.Time
}

// WaitForResponse blocks until the matching response event appears, the
// optional deadline elapses, or ctx is canceled.
func (s *Service) WaitForResponse(ctx context.Context, taskID, interactionID string, opts WaitOptions) (*event.UserInteractionRespondedPayload, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		response, err := s.findResponse(taskID, interactionID)
		if err != nil {
			return nil, err
		}
		if response != nil {
			return response, nil
		}
		if opts.Deadline != nil && !time.Now().Before(*opts.Deadline) {
			return nil, sharederrors.Timeout("interaction %s timed out", interactionID)
		}

		select {
		case <-ctx.Done():
			return nil, sharederrors.Wrap(sharederrors.KindAborted, ctx.Err(), "wait for interaction %s", interactionID)
		case <-ticker.C:
		}
	}
}

// FindResponse returns the response payload for an interaction when it has
// already been answered, or nil.
func (s *Service) FindResponse(taskID, interactionID string) (*event.UserInteractionRespondedPayload, error) {
	return s.findResponse(taskID, interactionID)
}

func (s *Service) findResponse(taskID, interactionID string) (*event.UserInteractionRespondedPayload, error) {
	events, err := s.log.ReadStream(taskID, 1)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.Type != event.TypeUserInteractionResponded {
			continue
		}
		payload, err := event.Decode[event.UserInteractionRespondedPayload](ev)
		if err != nil {
			continue
		}
		if payload.InteractionID == interactionID {
			return &payload, nil
		}
	}
	return nil, nil
}
