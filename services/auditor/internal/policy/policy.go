// Package policy is the deterministic admission gate. Evaluate has no I/O
// and never fails; rejection is a value, not an error.
package policy

import (
	"strconv"
	"strings"

	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/identity"
)

// Hazard types that are admissible without an evidence URL. Red-light
// violations come from fixed roadside sensors that do not capture splats.
var evidenceExempt = map[string]bool{
	"red_light_violation": true,
}

type Result struct {
	Passed     bool    `json:"passed"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Evaluate applies the admission rules in order; the first match wins.
func Evaluate(r identity.Report, threshold float64) Result {
	hz := identity.HazardTypeOrNone(r.HazardType)
	conf := r.ConfidenceScore
	evidence := strings.ToLower(strings.TrimSpace(r.EvidenceURL))

	if hz == "none" || hz == "unknown" {
		return Result{Passed: false, Reason: "hazard_type_none", Confidence: conf}
	}
	if conf < threshold {
		reason := "confidence_below_" + strconv.FormatFloat(threshold, 'g', -1, 64)
		return Result{Passed: false, Reason: reason, Confidence: conf}
	}
	if (evidence == "" || evidence == "pending") && !evidenceExempt[hz] {
		return Result{Passed: false, Reason: "missing_evidence_url", Confidence: conf}
	}
	return Result{Passed: true, Reason: "passed_policy_gate", Confidence: conf}
}
