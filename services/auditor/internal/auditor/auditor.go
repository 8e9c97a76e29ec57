// Package auditor is the pipeline state machine: dedupe, policy gate, agent
// verification gate, ledger commit, with every transition appended to the
// audit log before the next step runs.
package auditor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BlueWaves-afk/vigia-functions-orchestrator/pkg/canonhash"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/agents"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/config"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/identity"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/policy"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/store"
)

// Pipeline transition statuses. Terminal ones short-circuit retries.
const (
	StatusReceived              = "RECEIVED"
	StatusAuditing              = "AUDITING"
	StatusDedupeDone            = "DEDUPE_DONE"
	StatusForensicTriggered     = "FORENSIC_AGENT_TRIGGERED"
	StatusVerificationTriggered = "VERIFICATION_AGENT_TRIGGERED"
	StatusVerdict               = "VERIFICATION_AGENT_VERDICT"
	StatusRejected              = "REJECTED"
	StatusLedgerWritten         = "LEDGER_WRITTEN"
	StatusRewarded              = "REWARDED"
)

// Externally observable outcome statuses.
const (
	OutcomeIdempotent = "Idempotent_Return"
	OutcomeRejected   = "Rejected"
	OutcomeVerified   = "Verified"
)

// IsTerminal reports whether a recorded status ends the pipeline for its
// event id.
func IsTerminal(status string) bool {
	return status == StatusRejected || status == StatusLedgerWritten || status == StatusRewarded
}

// AuditLog is the append-only transition log, satisfied by store.Store.
type AuditLog interface {
	AppendAudit(ctx context.Context, eventID, reportID, status string, details map[string]any, reasoning string) error
	LatestAudit(ctx context.Context, eventID string) (*store.AuditEvent, error)
	Dedupe(ctx context.Context, r identity.Report, decimals, bucketMinutes, ttlHours int) (store.DedupeSummary, error)
}

// VerificationGate blocks until the agent produces a verdict or a diagnosed
// absence; it never errors.
type VerificationGate interface {
	Verify(ctx context.Context, agentID string, payload map[string]any) (*agents.Verdict, map[string]any)
}

// AgentNotifier is the fire-and-forget side channel; nil result means the
// note did not go out.
type AgentNotifier interface {
	Note(ctx context.Context, agentID string, payload map[string]any, noteType string) map[string]any
}

type LedgerCommitter interface {
	CommitAndVerify(ctx context.Context, proofHash string) (map[string]any, error)
}

type Orchestrator struct {
	Cfg      config.Config
	Log      AuditLog
	Gate     VerificationGate
	Notifier AgentNotifier
	Ledger   LedgerCommitter
	Logger   *slog.Logger
}

// Outcome is the externally observable result of one pipeline run.
type Outcome struct {
	Status                string               `json:"status"`
	EventID               string               `json:"event_id"`
	Reason                string               `json:"reason,omitempty"`
	Confidence            float64              `json:"confidence,omitempty"`
	LatestStatus          string               `json:"latest_status,omitempty"`
	LatestDetails         map[string]any       `json:"latest_details,omitempty"`
	Dedupe                *store.DedupeSummary `json:"dedupe,omitempty"`
	Ledger                map[string]any       `json:"ledger,omitempty"`
	VerificationReasoning string               `json:"verification_reasoning,omitempty"`
}

// Run drives one report through the full state machine. Errors are
// infrastructure failures only (a failed audit append or ledger commit);
// policy and agent rejections are Outcome values.
func (o *Orchestrator) Run(ctx context.Context, raw map[string]any) (Outcome, error) {
	r := identity.Normalize(raw)
	eventID := identity.ComputeEventID(r, o.Cfg.DedupeDecimals, o.Cfg.DedupeBucketMinutes)
	log := o.Logger.With("event_id", eventID, "report_id", r.ReportID)

	base := map[string]any{"payload": r.Payload}

	// Snapshot the latest state before recording RECEIVED, otherwise the
	// fresh row would shadow a prior terminal state.
	latest, err := o.Log.LatestAudit(ctx, eventID)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	if err := o.append(ctx, eventID, r.ReportID, StatusReceived, base, ""); err != nil {
		return Outcome{}, err
	}

	if latest != nil && IsTerminal(latest.Status) {
		log.Info("idempotent return", "latest_status", latest.Status)
		return Outcome{
			Status:        OutcomeIdempotent,
			EventID:       eventID,
			LatestStatus:  latest.Status,
			LatestDetails: latest.Details,
		}, nil
	}

	if err := o.append(ctx, eventID, r.ReportID, StatusAuditing, base, ""); err != nil {
		return Outcome{}, err
	}

	dedupe, err := o.Log.Dedupe(ctx, r, o.Cfg.DedupeDecimals, o.Cfg.DedupeBucketMinutes, o.Cfg.IdempotencyTTLHours)
	if err != nil {
		return Outcome{}, fmt.Errorf("dedupe query: %w", err)
	}
	if err := o.append(ctx, eventID, r.ReportID, StatusDedupeDone, withDetails(base, map[string]any{"dedupe": dedupe}), ""); err != nil {
		return Outcome{}, err
	}

	gatePayload := map[string]any{
		"event_id": eventID,
		"report":   r.Payload,
		"dedupe":   dedupe,
	}

	if ids := o.Notifier.Note(ctx, o.Cfg.ForensicAgentID, gatePayload, "forensic_review"); ids != nil {
		if err := o.append(ctx, eventID, r.ReportID, StatusForensicTriggered, withDetails(base, ids), ""); err != nil {
			return Outcome{}, err
		}
	}

	policyResult := policy.Evaluate(r, o.Cfg.ConfidenceThreshold)

	if ids := o.Notifier.Note(ctx, o.Cfg.VerificationAgentID, gatePayload, "verification_awareness"); ids != nil {
		if err := o.append(ctx, eventID, r.ReportID, StatusVerificationTriggered, withDetails(base, ids), ""); err != nil {
			return Outcome{}, err
		}
	}

	if !policyResult.Passed {
		log.Info("policy gate rejected", "reason", policyResult.Reason)
		details := withDetails(base, map[string]any{
			"reason":     policyResult.Reason,
			"confidence": policyResult.Confidence,
		})
		if err := o.append(ctx, eventID, r.ReportID, StatusRejected, details, ""); err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Status:     OutcomeRejected,
			EventID:    eventID,
			Reason:     policyResult.Reason,
			Confidence: policyResult.Confidence,
			Dedupe:     &dedupe,
		}, nil
	}

	verdict, diag := o.Gate.Verify(ctx, o.Cfg.VerificationAgentID, gatePayload)
	if verdict == nil {
		log.Warn("verification agent produced no verdict", "diagnostic", diag)
		details := withDetails(base, map[string]any{
			"reason":     "verification_agent_no_verdict",
			"diagnostic": diag,
		})
		if err := o.append(ctx, eventID, r.ReportID, StatusRejected, details, ""); err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Status:  OutcomeRejected,
			EventID: eventID,
			Reason:  "verification_agent_no_verdict",
			Dedupe:  &dedupe,
		}, nil
	}

	verdictDetails := withDetails(base, map[string]any{"verdict": verdict.Raw})
	if err := o.append(ctx, eventID, r.ReportID, StatusVerdict, verdictDetails, verdict.Reasoning); err != nil {
		return Outcome{}, err
	}

	if !verdict.Approve {
		log.Info("verification agent rejected", "reasoning", verdict.Reasoning)
		details := withDetails(base, map[string]any{
			"reason":  "verification_agent_rejected",
			"verdict": verdict.Raw,
		})
		if err := o.append(ctx, eventID, r.ReportID, StatusRejected, details, verdict.Reasoning); err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Status:                OutcomeRejected,
			EventID:               eventID,
			Reason:                "verification_agent_rejected",
			Dedupe:                &dedupe,
			VerificationReasoning: verdict.Reasoning,
		}, nil
	}

	proofHash := canonhash.HashString(eventID)
	ledgerOut, err := o.Ledger.CommitAndVerify(ctx, proofHash)
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger commit: %w", err)
	}

	finalDetails := withDetails(base, ledgerOut)
	finalDetails["verdict"] = verdict.Raw
	if err := o.append(ctx, eventID, r.ReportID, StatusLedgerWritten, finalDetails, verdict.Reasoning); err != nil {
		return Outcome{}, err
	}

	log.Info("report verified", "transaction_id", ledgerOut["transactionId"])
	return Outcome{
		Status:                OutcomeVerified,
		EventID:               eventID,
		Reason:                "passed_policy_gate",
		Confidence:            policyResult.Confidence,
		Dedupe:                &dedupe,
		Ledger:                ledgerOut,
		VerificationReasoning: verdict.Reasoning,
	}, nil
}

func (o *Orchestrator) append(ctx context.Context, eventID, reportID, status string, details map[string]any, reasoning string) error {
	if err := o.Log.AppendAudit(ctx, eventID, reportID, status, details, reasoning); err != nil {
		return fmt.Errorf("append %s: %w", status, err)
	}
	return nil
}

// withDetails merges extra keys over a copy of base; base is never mutated.
func withDetails(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
