package id

import (
	"strings"

	"github.com/google/uuid"
)

// Identifiers are prefixed UUIDs so a bare id in a log line or JSONL row is
// self-describing.

func newPrefixed(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// NewTaskID returns an identifier for a task stream.
func NewTaskID() string { return newPrefixed("task") }

// NewInteractionID returns an identifier for a pending user interaction.
func NewInteractionID() string { return newPrefixed("uip") }

// NewToolCallID returns an identifier for a synthesized tool call.
func NewToolCallID() string { return newPrefixed("call") }

// NewActorID returns an identifier for an actor record.
func NewActorID() string { return newPrefixed("actor") }

// NewToken returns an opaque token for the workspace master lock.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
