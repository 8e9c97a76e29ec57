package config

import (
	"os"
	"strconv"
	"strings"
)

// Config is built once in main and passed down explicitly; components never
// read the environment themselves.
type Config struct {
	Port        string
	DatabaseURL string

	TelemetryTable string
	AuditTable     string

	AgentsBaseURL     string
	LedgerURL         string
	LedgerID          string
	LedgerIdentityURL string

	ConfidenceThreshold float64
	DedupeDecimals      int
	DedupeBucketMinutes int
	IdempotencyTTLHours int

	AgentPollSeconds    int
	AgentTimeoutSeconds int

	ForensicAgentID     string
	VerificationAgentID string

	ReportWebhookSecret string
}

func FromEnv() Config {
	return Config{
		Port:        envOr("SERVICE_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		TelemetryTable: envOr("TELEMETRY_TABLE", "road_telemetry"),
		AuditTable:     envOr("AUDIT_TABLE", "audit_events"),

		AgentsBaseURL:     os.Getenv("AGENTS_BASE_URL"),
		LedgerURL:         os.Getenv("LEDGER_URL"),
		LedgerID:          os.Getenv("LEDGER_ID"),
		LedgerIdentityURL: envOr("LEDGER_IDENTITY_URL", "https://identity.confidential-ledger.example.com"),

		ConfidenceThreshold: ParseFloatOr(os.Getenv("VERIFY_CONFIDENCE_THRESHOLD"), 0.7),
		DedupeDecimals:      ClampInt(os.Getenv("DEDUP_LATLON_DECIMALS"), 3, 1, 6),
		DedupeBucketMinutes: ClampInt(os.Getenv("DEDUP_TIME_BUCKET_MINUTES"), 60, 1, 1440),
		IdempotencyTTLHours: ClampInt(os.Getenv("AUDIT_IDEMPOTENCY_TTL_HOURS"), 24, 1, 168),

		AgentPollSeconds:    ClampInt(os.Getenv("VERIFICATION_AGENT_POLL_SECONDS"), 1, 1, 10),
		AgentTimeoutSeconds: ClampInt(os.Getenv("VERIFICATION_AGENT_TIMEOUT_SECONDS"), 25, 5, 180),

		ForensicAgentID:     os.Getenv("FORENSIC_AGENT_ID"),
		VerificationAgentID: os.Getenv("VERIFICATION_AGENT_ID"),

		ReportWebhookSecret: os.Getenv("REPORT_WEBHOOK_SECRET"),
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// ClampInt parses raw as an integer, falling back to def, then clamps the
// result to [min, max]. It never fails.
func ClampInt(raw string, def, min, max int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		v = def
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}

// ParseFloatOr parses raw as a float, falling back to def.
func ParseFloatOr(raw string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return def
	}
	return v
}
