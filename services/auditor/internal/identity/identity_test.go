package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func report(ts string) Report {
	return Normalize(map[string]any{
		"ReportId":        "r-100",
		"DeviceId":        "dev-1",
		"Timestamp":       ts,
		"Latitude":        47.60621,
		"Longitude":       -122.33207,
		"HazardType":      "Pothole",
		"ConfidenceScore": 0.91,
		"EvidenceURL":     "https://blob/evidence/1",
	})
}

func TestComputeEventIDDeterministic(t *testing.T) {
	a := ComputeEventID(report("2026-08-30T10:05:00Z"), 3, 60)
	b := ComputeEventID(report("2026-08-30T10:05:00Z"), 3, 60)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestComputeEventIDCollapsesSameBucket(t *testing.T) {
	// Same rounded location, same hour bucket, same hazard and evidence.
	a := ComputeEventID(report("2026-08-30T10:05:00Z"), 3, 60)
	b := ComputeEventID(report("2026-08-30T10:55:00Z"), 3, 60)
	assert.Equal(t, a, b)

	// Different hour bucket.
	c := ComputeEventID(report("2026-08-30T11:05:00Z"), 3, 60)
	assert.NotEqual(t, a, c)
}

func TestComputeEventIDSensitiveToFingerprint(t *testing.T) {
	base := report("2026-08-30T10:05:00Z")

	other := base
	hz := "ice"
	other.HazardType = hz
	assert.NotEqual(t, ComputeEventID(base, 3, 60), ComputeEventID(other, 3, 60))

	moved := base
	lat := 48.1
	moved.Latitude = &lat
	assert.NotEqual(t, ComputeEventID(base, 3, 60), ComputeEventID(moved, 3, 60))

	otherEvidence := base
	otherEvidence.EvidenceURL = "https://blob/evidence/2"
	assert.NotEqual(t, ComputeEventID(base, 3, 60), ComputeEventID(otherEvidence, 3, 60))
}

func TestComputeEventIDClampsTunables(t *testing.T) {
	r := report("2026-08-30T10:05:00Z")
	assert.Equal(t, ComputeEventID(r, 0, 60), ComputeEventID(r, 1, 60))
	assert.Equal(t, ComputeEventID(r, 3, 99999), ComputeEventID(r, 3, 1440))
}

func TestComputeEventIDNilCoordinates(t *testing.T) {
	r := Normalize(map[string]any{
		"ReportId":  "r-2",
		"Timestamp": "2026-08-30T10:05:00Z",
		"Latitude":  "not-a-number",
	})
	require.Nil(t, r.Latitude)
	// Still deterministic, never panics.
	assert.Equal(t, ComputeEventID(r, 3, 60), ComputeEventID(r, 3, 60))
}

func TestToUTCTimeTotal(t *testing.T) {
	iso := ToUTCTime("2026-08-30T10:05:00Z")
	assert.Equal(t, 2026, iso.Year())
	assert.Equal(t, time.UTC, iso.Location())

	// Epoch millis as number and numeric string.
	ms := float64(1767139500000)
	fromNum := ToUTCTime(ms)
	fromStr := ToUTCTime("1767139500000")
	assert.Equal(t, fromNum, fromStr)
	assert.Equal(t, 2025, fromNum.Year())

	// Unparseable and missing inputs fall back to now.
	before := time.Now().UTC().Add(-time.Minute)
	for _, v := range []any{nil, "", "garbage", []any{1}} {
		got := ToUTCTime(v)
		assert.True(t, got.After(before), "fallback for %v should be now-ish", v)
	}
}

func TestNormalizePayloadKeys(t *testing.T) {
	r := Normalize(map[string]any{
		"reportId":         "r-low",
		"deviceId":         "d-low",
		"Timestamp":        "2026-08-30T10:05:00Z",
		"GaussianSplatURL": "https://blob/splat",
		"Extra":            "kept",
	})
	assert.Equal(t, "r-low", r.ReportID)
	assert.Equal(t, "d-low", r.DeviceID)
	assert.Equal(t, "https://blob/splat", r.EvidenceURL)
	assert.Equal(t, "r-low", r.Payload["ReportId"])
	assert.Equal(t, "d-low", r.Payload["DeviceId"])
	assert.Equal(t, "kept", r.Payload["Extra"])
	assert.Equal(t, "2026-08-30T10:05:00Z", r.Payload["Timestamp"])
}

func TestTimeBucketFloorsWithinHour(t *testing.T) {
	ts := time.Date(2026, 8, 30, 10, 53, 27, 500, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), TimeBucket(ts, 60))
	assert.Equal(t, time.Date(2026, 8, 30, 10, 45, 0, 0, time.UTC), TimeBucket(ts, 15))
	// Buckets above an hour floor to the top of the hour, not across hours.
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), TimeBucket(ts, 90))
}

func TestHazardTypeOrNone(t *testing.T) {
	assert.Equal(t, "none", HazardTypeOrNone(""))
	assert.Equal(t, "none", HazardTypeOrNone("  "))
	assert.Equal(t, "pothole", HazardTypeOrNone(" Pothole "))
}
