package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/identity"
)

// AuditEvent is one immutable pipeline transition row. The current state of
// an event id is its most recent row by updated_at.
type AuditEvent struct {
	EventID               string         `json:"event_id"`
	ReportID              string         `json:"report_id"`
	DeviceID              string         `json:"device_id"`
	Timestamp             time.Time      `json:"timestamp"`
	Latitude              float64        `json:"latitude"`
	Longitude             float64        `json:"longitude"`
	HazardType            string         `json:"hazard_type"`
	Status                string         `json:"status"`
	UpdatedAt             time.Time      `json:"updated_at"`
	Agent                 string         `json:"agent"`
	RunID                 string         `json:"run_id"`
	LedgerTxID            string         `json:"ledger_tx_id"`
	Receipt               map[string]any `json:"receipt"`
	Details               map[string]any `json:"details"`
	CreatedAt             time.Time      `json:"created_at"`
	VerificationReasoning string         `json:"verification_reasoning"`
}

const auditColumns = `event_id, report_id, device_id, ts, latitude, longitude, hazard_type,
	status, updated_at, agent, run_id, ledger_tx_id, receipt, details, created_at`

// auditRow is a fully derived row ready for insertion.
type auditRow struct {
	EventID    string
	ReportID   string
	DeviceID   string
	Timestamp  time.Time
	Latitude   float64
	Longitude  float64
	HazardType string
	Status     string
	Agent      string
	RunID      string
	LedgerTxID string
	Receipt    map[string]any
	Details    map[string]any
	Reasoning  string
}

// buildAuditRow derives an insertable row. Base telemetry fields are pulled
// from details["payload"] when present; a non-empty reasoning is mirrored
// into details under "verification_reasoning" so the value survives backing
// schemas without the dedicated column. The caller's details map is not
// mutated.
func buildAuditRow(eventID, reportID, status string, details map[string]any, reasoning string) auditRow {
	detailsObj := make(map[string]any, len(details)+1)
	for k, v := range details {
		detailsObj[k] = v
	}

	p, _ := detailsObj["payload"].(map[string]any)
	hazardType := stringField(p, "HazardType")
	if hazardType == "" {
		hazardType = "none"
	}

	receiptObj, _ := detailsObj["receipt_result"].(map[string]any)
	if receiptObj == nil {
		receiptObj, _ = detailsObj["Receipt"].(map[string]any)
	}
	if receiptObj == nil {
		receiptObj = map[string]any{}
	}

	if reasoning != "" {
		detailsObj["verification_reasoning"] = reasoning
	} else {
		reasoning = stringField(detailsObj, "VerificationReasoning", "verification_reasoning", "reasoning")
	}

	return auditRow{
		EventID:    eventID,
		ReportID:   reportID,
		DeviceID:   stringField(p, "DeviceId", "deviceId"),
		Timestamp:  identity.ToUTCTime(fieldOf(p, "Timestamp")),
		Latitude:   roundedOrZero(fieldOf(p, "Latitude")),
		Longitude:  roundedOrZero(fieldOf(p, "Longitude")),
		HazardType: hazardType,
		Status:     status,
		Agent:      stringField(detailsObj, "agent"),
		RunID:      stringField(detailsObj, "run_id", "RunId"),
		LedgerTxID: stringField(detailsObj, "transactionId", "LedgerTxId"),
		Receipt:    receiptObj,
		Details:    detailsObj,
		Reasoning:  reasoning,
	}
}

// AppendAudit durably appends one immutable audit row. Store errors propagate
// to the caller; the orchestrator decides whether a failed append aborts the
// step.
func (s *Store) AppendAudit(ctx context.Context, eventID, reportID, status string, details map[string]any, reasoning string) error {
	row := buildAuditRow(eventID, reportID, status, details, reasoning)

	detailsJSON, err := json.Marshal(row.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	receiptJSON, err := json.Marshal(row.Receipt)
	if err != nil {
		return fmt.Errorf("marshal audit receipt: %w", err)
	}

	q := fmt.Sprintf(`INSERT INTO %s (%s, verification_reasoning)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),$9,$10,$11,$12,$13,now(),$14)`,
		s.auditIdent(), auditColumns)
	_, err = s.DB.Exec(ctx, q,
		row.EventID, row.ReportID, row.DeviceID, row.Timestamp, row.Latitude, row.Longitude,
		row.HazardType, row.Status, row.Agent, row.RunID, row.LedgerTxID,
		receiptJSON, detailsJSON, row.Reasoning)
	return err
}

// LatestAudit returns the most recent row for an event id, or nil when the
// id has never been seen.
func (s *Store) LatestAudit(ctx context.Context, eventID string) (*AuditEvent, error) {
	q := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE event_id=$1 ORDER BY updated_at DESC LIMIT 1`,
		auditColumns, s.reasoningExpr(ctx), s.auditIdent())
	ev, err := scanAuditEvent(s.DB.QueryRow(ctx, q, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// AuditHistory returns up to limit rows for an event id in ascending
// updated_at order.
func (s *Store) AuditHistory(ctx context.Context, eventID string, limit int) ([]AuditEvent, error) {
	q := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE event_id=$1 ORDER BY updated_at ASC LIMIT $2`,
		auditColumns, s.reasoningExpr(ctx), s.auditIdent())
	rows, err := s.DB.Query(ctx, q, eventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// reasoningExpr selects the dedicated reasoning column when the backing
// schema has one, otherwise falls back to reading it out of details. The
// capability is probed once per process.
func (s *Store) reasoningExpr(ctx context.Context) string {
	if s.hasReasoningColumn(ctx) {
		return "verification_reasoning"
	}
	return "COALESCE(details->>'verification_reasoning','') AS verification_reasoning"
}

func (s *Store) hasReasoningColumn(ctx context.Context) bool {
	s.reasoningOnce.Do(func() {
		var exists bool
		err := s.DB.QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name=$1 AND column_name='verification_reasoning')`,
			s.auditTable).Scan(&exists)
		if err != nil {
			exists = false
		}
		s.hasReasoning = exists
	})
	return s.hasReasoning
}

func scanAuditEvent(row pgx.Row) (*AuditEvent, error) {
	var ev AuditEvent
	var receiptJSON, detailsJSON []byte
	err := row.Scan(
		&ev.EventID, &ev.ReportID, &ev.DeviceID, &ev.Timestamp, &ev.Latitude, &ev.Longitude,
		&ev.HazardType, &ev.Status, &ev.UpdatedAt, &ev.Agent, &ev.RunID, &ev.LedgerTxID,
		&receiptJSON, &detailsJSON, &ev.CreatedAt, &ev.VerificationReasoning)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(receiptJSON, &ev.Receipt)
	_ = json.Unmarshal(detailsJSON, &ev.Details)
	return &ev, nil
}

func fieldOf(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	return m[key]
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, ok := v.(string); ok {
				if s != "" {
					return s
				}
				continue
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

func roundedOrZero(v any) float64 {
	f := identity.ParseFloat(v)
	if f == nil {
		return 0
	}
	return identity.RoundFloat(*f, 6)
}
