package agent

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"seed/internal/agent/ports"
	"seed/internal/diff"
	"seed/internal/event"
	"seed/internal/shared/logging"
	"seed/internal/shared/utils/id"
)

// normalizeToolCalls fills missing call ids and decodes raw argument JSON,
// repairing malformed payloads before giving up on them.
func normalizeToolCalls(calls []ports.ToolCall, logger logging.Logger) []ports.ToolCall {
	out := make([]ports.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.ID == "" {
			call.ID = id.NewToolCallID()
			logger.Warn("Tool call for %s arrived without an id, assigned %s", call.Name, call.ID)
		}
		if call.Arguments == nil && len(call.RawArguments) > 0 {
			call.Arguments = decodeArguments(string(call.RawArguments), logger)
		}
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
		out = append(out, call)
	}
	return out
}

func decodeArguments(raw string, logger logging.Logger) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		logger.Warn("Tool arguments could not be repaired: %v", err)
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		logger.Warn("Repaired tool arguments still invalid: %v", err)
		return nil
	}
	logger.Debug("Repaired malformed tool argument JSON (%d -> %d bytes)", len(raw), len(repaired))
	return args
}

// buildConfirmDisplay renders the approval card shown to the user before a
// risky tool runs. File edits show a diff preview; everything else shows the
// call's arguments.
func buildConfirmDisplay(call ports.ToolCall) event.InteractionDisplay {
	if call.Name == "editFile" {
		oldString, _ := call.Arguments["oldString"].(string)
		newString, _ := call.Arguments["newString"].(string)
		path, _ := call.Arguments["path"].(string)
		preview := diff.NewGenerator(false).Unified(oldString, newString, path)
		return event.InteractionDisplay{
			Title:       fmt.Sprintf("Edit %s", path),
			Description: "The agent wants to modify this file.",
			ContentKind: event.ContentDiff,
			Content:     preview.UnifiedDiff,
		}
	}

	pretty, err := json.MarshalIndent(call.Arguments, "", "  ")
	if err != nil {
		pretty = []byte("{}")
	}
	return event.InteractionDisplay{
		Title:       fmt.Sprintf("Run %s", call.Name),
		Description: "The agent wants to run this tool.",
		ContentKind: event.ContentJSON,
		Content:     string(pretty),
	}
}

// confirmOptions is the fixed approve/reject pair of a risky-tool prompt.
func confirmOptions() []event.InteractionOption {
	return []event.InteractionOption{
		{ID: "approve", Label: "Approve", Style: "primary", IsDefault: true},
		{ID: "reject", Label: "Reject", Style: "danger"},
	}
}
