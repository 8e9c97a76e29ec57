package agents

import (
	"context"
	"encoding/json"
	"time"
)

// Verdict is the structured reply the verification agent must produce.
type Verdict struct {
	Approve      bool
	Reasoning    string
	QualityScore *float64

	// Raw is the decoded reply object, kept for the audit trail.
	Raw map[string]any
}

// Gate runs the blocking verification protocol: one thread, one message, one
// run, polled until a terminal status or the deadline. Verify never returns
// an error: callers get either a verdict or a structured diagnostic.
type Gate struct {
	Client       *Client
	PollInterval time.Duration
	Deadline     time.Duration
}

// Verify blocks the calling goroutine for up to the deadline. On success the
// diagnostic is nil; otherwise it explains the absence and always carries an
// "error" key.
func (g *Gate) Verify(ctx context.Context, agentID string, payload map[string]any) (*Verdict, map[string]any) {
	if agentID == "" {
		return nil, map[string]any{"error": "missing_agent_id"}
	}

	content, err := json.Marshal(map[string]any{
		"type":        "verification_gate_request",
		"instruction": "Return ONLY valid JSON with keys: approve(bool), reasoning(str), quality_score(number 0..1). No extra text.",
		"payload":     payload,
	})
	if err != nil {
		return nil, map[string]any{"error": "agent_gate_error", "message": err.Error()}
	}

	threadID, err := g.Client.CreateThread(ctx)
	if err != nil {
		return nil, map[string]any{"error": "agent_gate_error", "message": err.Error()}
	}
	diag := func(code string, extra map[string]any) map[string]any {
		d := map[string]any{"error": code, "thread_id": threadID}
		for k, v := range extra {
			d[k] = v
		}
		return d
	}

	if err := g.Client.CreateMessage(ctx, threadID, "user", string(content)); err != nil {
		return nil, diag("agent_gate_error", map[string]any{"message": err.Error()})
	}

	runID, err := g.Client.CreateRun(ctx, threadID, agentID)
	if err != nil {
		return nil, diag("agent_gate_error", map[string]any{"message": err.Error()})
	}

	var runStatus string
	var lastError map[string]any
	deadline := time.Now().Add(g.Deadline)
	for time.Now().Before(deadline) {
		run, err := g.Client.GetRun(ctx, threadID, runID)
		if err != nil {
			return nil, diag("agent_gate_error", map[string]any{"run_id": runID, "message": err.Error()})
		}
		runStatus = run.Status
		lastError = run.LastError
		if runStatus == RunCompleted || runStatus == RunFailed || runStatus == RunCancelled || runStatus == RunRequiresAction {
			break
		}
		time.Sleep(g.PollInterval)
	}

	if runStatus != RunCompleted {
		return nil, diag("agent_run_not_completed", map[string]any{
			"run_id":     runID,
			"status":     runStatus,
			"last_error": lastError,
			"run_steps":  g.runStepsDump(ctx, threadID, runID),
		})
	}

	msgs, err := g.Client.ListMessages(ctx, threadID, 50)
	if err != nil {
		return nil, diag("agent_gate_error", map[string]any{"run_id": runID, "message": err.Error()})
	}

	// Messages come newest first; take the first model/agent reply.
	var reply *Message
	rolesSeen := make([]string, 0, len(msgs))
	for i := range msgs {
		role := NormalizeRole(msgs[i].Role)
		rolesSeen = append(rolesSeen, role)
		if IsModelReplyRole(role) {
			reply = &msgs[i]
			break
		}
	}
	if reply == nil {
		return nil, diag("no_assistant_reply", map[string]any{
			"run_id":         runID,
			"status":         runStatus,
			"roles_seen":     rolesSeen,
			"messages_count": len(msgs),
			"run_steps":      g.runStepsDump(ctx, threadID, runID),
		})
	}

	text := ExtractReplyText(reply.Content)
	if text == "" {
		return nil, diag("empty_assistant_reply", map[string]any{
			"run_id":    runID,
			"status":    runStatus,
			"run_steps": g.runStepsDump(ctx, threadID, runID),
		})
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, diag("unparseable_assistant_reply", map[string]any{
			"run_id":         runID,
			"status":         runStatus,
			"assistant_text": truncate(text, 5000),
			"message":        err.Error(),
		})
	}

	approve, ok := raw["approve"].(bool)
	if !ok {
		return nil, diag("missing_approve_field", map[string]any{
			"run_id":         runID,
			"status":         runStatus,
			"assistant_text": truncate(text, 5000),
		})
	}

	v := &Verdict{Approve: approve, Raw: raw}
	if r, ok := raw["reasoning"].(string); ok {
		v.Reasoning = r
	}
	if qs, ok := raw["quality_score"].(float64); ok {
		v.QualityScore = &qs
	}
	return v, nil
}

// runStepsDump fetches run steps for diagnostics. Best effort: any failure
// yields nil, never an error.
func (g *Gate) runStepsDump(ctx context.Context, threadID, runID string) []map[string]any {
	steps, err := g.Client.ListRunSteps(ctx, threadID, runID)
	if err != nil {
		return nil
	}
	out := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		slim := map[string]any{
			"step_id": s["id"],
			"status":  s["status"],
		}
		if details, ok := s["step_details"].(map[string]any); ok {
			if calls, ok := details["tool_calls"].([]any); ok {
				slim["tool_calls_count"] = len(calls)
				if len(calls) > 5 {
					calls = calls[:5]
				}
				slim["tool_calls"] = calls
			}
		}
		out = append(out, slim)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...<truncated>"
}
