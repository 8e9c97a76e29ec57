package agents

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Notifier sends fire-and-forget notes to an agent: thread + message + run,
// without waiting for any reply. This is an observational side channel, not a
// gate; every failure is swallowed and logged.
type Notifier struct {
	Client *Client
	Logger *slog.Logger
}

// Note returns the thread/run ids on success, or nil when the agent id is
// empty or anything failed.
func (n *Notifier) Note(ctx context.Context, agentID string, payload map[string]any, noteType string) map[string]any {
	if agentID == "" {
		return nil
	}

	content, err := json.Marshal(map[string]any{"type": noteType, "payload": payload})
	if err != nil {
		n.Logger.Warn("agent note failed", "note_type", noteType, "err", err)
		return nil
	}

	threadID, err := n.Client.CreateThread(ctx)
	if err != nil {
		n.Logger.Warn("agent note failed", "note_type", noteType, "err", err)
		return nil
	}
	if err := n.Client.CreateMessage(ctx, threadID, "user", string(content)); err != nil {
		n.Logger.Warn("agent note failed", "note_type", noteType, "thread_id", threadID, "err", err)
		return nil
	}
	runID, err := n.Client.CreateRun(ctx, threadID, agentID)
	if err != nil {
		n.Logger.Warn("agent note failed", "note_type", noteType, "thread_id", threadID, "err", err)
		return nil
	}

	return map[string]any{"thread_id": threadID, "run_id": runID}
}
