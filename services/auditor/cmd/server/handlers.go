package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BlueWaves-afk/vigia-functions-orchestrator/pkg/httpx"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/pkg/webhooks"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/auditor"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/config"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/store"
)

type auditRunner interface {
	Run(ctx context.Context, raw map[string]any) (auditor.Outcome, error)
}

type hazardStore interface {
	TopHazards(ctx context.Context, hazardType string, hours int) ([]store.HazardCount, error)
	RegionalHazards(ctx context.Context, north, south, east, west float64) ([]store.RegionalHazard, error)
	LatestAudit(ctx context.Context, eventID string) (*store.AuditEvent, error)
	AuditHistory(ctx context.Context, eventID string, limit int) ([]store.AuditEvent, error)
}

type ledgerCommitter interface {
	CommitAndVerify(ctx context.Context, proofHash string) (map[string]any, error)
}

type agentNotifier interface {
	Note(ctx context.Context, agentID string, payload map[string]any, noteType string) map[string]any
}

type server struct {
	cfg      config.Config
	runner   auditRunner
	store    hazardStore
	ledger   ledgerCommitter
	notifier agentNotifier
	logger   *slog.Logger
}

func (s *server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/autonomous-auditor", s.handleAutonomousAuditor)
	r.Get("/query-hazards", s.handleQueryHazards)
	r.Post("/get-regional-hazards", s.handleRegionalHazards)
	r.Get("/audit-latest", s.handleAuditLatest)
	r.Get("/audit-history", s.handleAuditHistory)
	r.Get("/audit-explain", s.handleAuditExplain)
	r.Post("/verify-work", s.handleVerifyWork)
	return r
}

func (s *server) handleAutonomousAuditor(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, 400, "unreadable request body")
		return
	}

	if s.cfg.ReportWebhookSecret != "" {
		res, err := webhooks.VerifyReportHMAC(r.Header, rawBody, s.cfg.ReportWebhookSecret)
		if err != nil {
			httpx.WriteError(w, 500, err.Error())
			return
		}
		if !res.Valid {
			s.logger.Warn("rejected unsigned report", "device_id", res.DeviceID, "details", res.Details)
			httpx.WriteError(w, 401, "invalid report signature")
			return
		}
	}

	var raw map[string]any
	if err := json.Unmarshal(rawBody, &raw); err != nil {
		httpx.WriteError(w, 400, "request body is not a JSON object")
		return
	}

	out, err := s.runner.Run(r.Context(), raw)
	if err != nil {
		s.logger.Error("pipeline failed", "err", err)
		httpx.WriteError(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, withRequestID(out))
}

func (s *server) handleQueryHazards(w http.ResponseWriter, r *http.Request) {
	hazardType := r.URL.Query().Get("hazard_type")
	if hazardType == "" {
		httpx.WriteError(w, 400, "hazard_type is required")
		return
	}
	hours := config.ClampInt(r.URL.Query().Get("time_range_hours"), 24, 1, 168)

	results, err := s.store.TopHazards(r.Context(), hazardType, hours)
	if err != nil {
		httpx.WriteError(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":       httpx.NewRequestID(),
		"hazard_type":      hazardType,
		"time_range_hours": hours,
		"results":          results,
	})
}

type boundsRequest struct {
	North *float64 `json:"n"`
	South *float64 `json:"s"`
	East  *float64 `json:"e"`
	West  *float64 `json:"w"`
}

// parseBounds validates a bounding box; the message is empty when the box is
// usable.
func parseBounds(b boundsRequest) string {
	if b.North == nil || b.South == nil || b.East == nil || b.West == nil {
		return "n, s, e and w are all required"
	}
	if *b.South > *b.North {
		return "s must not exceed n"
	}
	if *b.West > *b.East {
		return "w must not exceed e"
	}
	return ""
}

func (s *server) handleRegionalHazards(w http.ResponseWriter, r *http.Request) {
	var req boundsRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "request body is not a JSON object")
		return
	}
	if msg := parseBounds(req); msg != "" {
		httpx.WriteError(w, 400, msg)
		return
	}

	hazards, err := s.store.RegionalHazards(r.Context(), *req.North, *req.South, *req.East, *req.West)
	if err != nil {
		httpx.WriteError(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"count":      len(hazards),
		"hazards":    hazards,
	})
}

func (s *server) handleAuditLatest(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		httpx.WriteError(w, 400, "event_id is required")
		return
	}

	ev, err := s.store.LatestAudit(r.Context(), eventID)
	if err != nil {
		httpx.WriteError(w, 500, err.Error())
		return
	}
	if ev == nil {
		httpx.WriteError(w, 404, "no audit rows for event_id")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"event":      ev,
	})
}

func (s *server) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		httpx.WriteError(w, 400, "event_id is required")
		return
	}
	limit := config.ClampInt(r.URL.Query().Get("limit"), 50, 1, 200)

	history, err := s.store.AuditHistory(r.Context(), eventID, limit)
	if err != nil {
		httpx.WriteError(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"event_id":   eventID,
		"limit":      limit,
		"history":    history,
	})
}

func (s *server) handleAuditExplain(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		httpx.WriteError(w, 400, "event_id is required")
		return
	}

	history, err := s.store.AuditHistory(r.Context(), eventID, 200)
	if err != nil {
		httpx.WriteError(w, 500, err.Error())
		return
	}
	if len(history) == 0 {
		httpx.WriteError(w, 404, "no audit rows for event_id")
		return
	}

	timeline := make([]map[string]any, 0, len(history))
	for _, ev := range history {
		step := map[string]any{
			"status":     ev.Status,
			"updated_at": ev.UpdatedAt,
		}
		if ev.VerificationReasoning != "" {
			step["reasoning"] = ev.VerificationReasoning
		}
		if reason, ok := ev.Details["reason"].(string); ok && reason != "" {
			step["reason"] = reason
		}
		timeline = append(timeline, step)
	}

	latest := history[len(history)-1]
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":    httpx.NewRequestID(),
		"event_id":      eventID,
		"latest_status": latest.Status,
		"terminal":      auditor.IsTerminal(latest.Status),
		"timeline":      timeline,
	})
}

func (s *server) handleVerifyWork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProofHash string `json:"proof_hash"`
		AgentID   string `json:"agent_id"`
		Notify    bool   `json:"notify"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "request body is not a JSON object")
		return
	}
	if req.ProofHash == "" {
		httpx.WriteError(w, 400, "proof_hash is required")
		return
	}

	out, err := s.ledger.CommitAndVerify(r.Context(), req.ProofHash)
	if err != nil {
		s.logger.Error("manual ledger commit failed", "err", err)
		httpx.WriteError(w, 500, err.Error())
		return
	}

	resp := withRequestID(out)
	if req.Notify {
		agentID := req.AgentID
		if agentID == "" {
			agentID = s.cfg.VerificationAgentID
		}
		if ids := s.notifier.Note(r.Context(), agentID, out, "work_verified"); ids != nil {
			resp["notification"] = ids
		}
	}
	httpx.WriteJSON(w, 200, resp)
}

// withRequestID flattens v into a map and stamps a request id, keeping the
// documented top-level response shape.
func withRequestID(v any) map[string]any {
	m := map[string]any{}
	if b, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(b, &m)
	}
	m["request_id"] = httpx.NewRequestID()
	return m
}
