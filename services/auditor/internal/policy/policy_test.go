package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/identity"
)

func mkReport(hazard string, confidence float64, evidence string) identity.Report {
	return identity.Report{
		HazardType:      hazard,
		ConfidenceScore: confidence,
		EvidenceURL:     evidence,
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	const threshold = 0.7
	cases := []struct {
		name       string
		hazard     string
		confidence float64
		evidence   string
		passed     bool
		reason     string
	}{
		{"empty hazard", "", 1.0, "https://e/1", false, "hazard_type_none"},
		{"none hazard", "none", 1.0, "https://e/1", false, "hazard_type_none"},
		{"unknown hazard", "unknown", 1.0, "https://e/1", false, "hazard_type_none"},
		{"hazard rule precedes confidence", "none", 0.0, "", false, "hazard_type_none"},
		{"low confidence", "pothole", 0.69, "https://e/1", false, "confidence_below_0.7"},
		{"zero confidence", "pothole", 0.0, "https://e/1", false, "confidence_below_0.7"},
		{"threshold is inclusive pass", "pothole", 0.7, "https://e/1", true, "passed_policy_gate"},
		{"missing evidence", "pothole", 0.9, "", false, "missing_evidence_url"},
		{"pending evidence", "pothole", 0.9, "pending", false, "missing_evidence_url"},
		{"pending evidence case-insensitive", "pothole", 0.9, " Pending ", false, "missing_evidence_url"},
		{"evidence exempt hazard", "red_light_violation", 0.9, "", true, "passed_policy_gate"},
		{"evidence exempt still needs confidence", "red_light_violation", 0.5, "", false, "confidence_below_0.7"},
		{"valid report", "pothole", 1.0, "https://e/1", true, "passed_policy_gate"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := Evaluate(mkReport(c.hazard, c.confidence, c.evidence), threshold)
			assert.Equal(t, c.passed, res.Passed)
			assert.Equal(t, c.reason, res.Reason)
			assert.Equal(t, c.confidence, res.Confidence)
		})
	}
}

func TestEvaluateReasonCarriesThreshold(t *testing.T) {
	res := Evaluate(mkReport("pothole", 0.1, "https://e/1"), 0.85)
	assert.Equal(t, "confidence_below_0.85", res.Reason)
}
