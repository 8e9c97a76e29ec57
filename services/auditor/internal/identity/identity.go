// Package identity derives deterministic event identities from hazard
// reports. Everything here is a pure function of its inputs: identical
// logical reports produce identical event ids across process restarts.
package identity

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/BlueWaves-afk/vigia-functions-orchestrator/pkg/canonhash"
)

// Report is a normalized hazard report. Latitude/Longitude are nil when the
// raw values could not be parsed as numbers.
type Report struct {
	DeviceID        string
	ReportID        string
	Timestamp       time.Time
	Latitude        *float64
	Longitude       *float64
	HazardType      string
	ConfidenceScore float64
	EvidenceURL     string

	// Payload is the normalized wire payload as recorded in audit details:
	// the original body with Timestamp rewritten to UTC ISO-8601 and
	// ReportId/DeviceId canonicalized.
	Payload map[string]any
}

// Normalize builds a Report from a raw JSON body. It is total: malformed
// fields degrade to defaults rather than failing.
func Normalize(raw map[string]any) Report {
	payload := make(map[string]any, len(raw)+2)
	for k, v := range raw {
		payload[k] = v
	}

	ts := ToUTCTime(raw["Timestamp"])
	payload["Timestamp"] = ts.Format(time.RFC3339Nano)

	reportID := firstString(raw, "ReportId", "reportId")
	deviceID := firstString(raw, "DeviceId", "deviceId")
	payload["ReportId"] = reportID
	payload["DeviceId"] = deviceID

	lat := ParseFloat(raw["Latitude"])
	lon := ParseFloat(raw["Longitude"])

	conf := 0.0
	if c := ParseFloat(raw["ConfidenceScore"]); c != nil {
		conf = *c
	}

	evidence := firstString(raw, "EvidenceURL", "GaussianSplatURL")

	return Report{
		DeviceID:        deviceID,
		ReportID:        reportID,
		Timestamp:       ts,
		Latitude:        lat,
		Longitude:       lon,
		HazardType:      stringOf(raw["HazardType"]),
		ConfidenceScore: conf,
		EvidenceURL:     evidence,
		Payload:         payload,
	}
}

// ComputeEventID derives the deduplication key: lat/lon rounded to decimals,
// the timestamp floored to the minute bucket, the lower-cased hazard type and
// a secondary hash of evidence URL + report id. Tunables are clamped to safe
// ranges; callers must use the same tunables for dedupe queries or identity
// breaks.
func ComputeEventID(r Report, decimals, bucketMinutes int) string {
	decimals = clamp(decimals, 1, 6)
	bucketMinutes = clamp(bucketMinutes, 1, 1440)

	lat := formatCoord(r.Latitude, decimals)
	lon := formatCoord(r.Longitude, decimals)
	hz := HazardTypeOrNone(r.HazardType)
	bucket := TimeBucket(r.Timestamp, bucketMinutes).Format(time.RFC3339)

	evidenceHash := canonhash.HashString(r.EvidenceURL + "|" + r.ReportID)

	raw := fmt.Sprintf("%s|%s|%s|%s|%s", lat, lon, bucket, hz, evidenceHash)
	return canonhash.HashString(raw)
}

// TimeBucket floors t's minute to a multiple of bucketMinutes and zeroes the
// sub-minute part, in UTC.
func TimeBucket(t time.Time, bucketMinutes int) time.Time {
	t = t.UTC()
	minute := (t.Minute() / bucketMinutes) * bucketMinutes
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, time.UTC)
}

// HazardTypeOrNone lower-cases and trims a hazard type, defaulting to "none".
func HazardTypeOrNone(hz string) string {
	hz = strings.ToLower(strings.TrimSpace(hz))
	if hz == "" {
		return "none"
	}
	return hz
}

// ToUTCTime accepts ISO-8601 strings, epoch milliseconds as number or numeric
// string, or nothing, and always yields a UTC time. Unparseable input falls
// back to the current time.
func ToUTCTime(v any) time.Time {
	switch t := v.(type) {
	case nil:
		return time.Now().UTC()
	case float64:
		return fromEpochMillis(t)
	case int64:
		return fromEpochMillis(float64(t))
	case int:
		return fromEpochMillis(float64(t))
	case time.Time:
		return t.UTC()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Now().UTC()
		}
		if isDigits(s) {
			ms, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return time.Now().UTC()
			}
			return fromEpochMillis(ms)
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC()
			}
		}
		return time.Now().UTC()
	default:
		return time.Now().UTC()
	}
}

// ParseFloat parses numbers and numeric strings; nil means unparseable.
func ParseFloat(v any) *float64 {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return &t
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// RoundFloat rounds to d decimals.
func RoundFloat(v float64, d int) float64 {
	pow := math.Pow10(d)
	return math.Round(v*pow) / pow
}

func formatCoord(v *float64, decimals int) string {
	if v == nil {
		return "null"
	}
	return strconv.FormatFloat(RoundFloat(*v, decimals), 'g', -1, 64)
}

func fromEpochMillis(ms float64) time.Time {
	sec := int64(ms / 1000)
	nsec := int64(math.Mod(ms, 1000)) * int64(time.Millisecond)
	return time.Unix(sec, nsec).UTC()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringOf(raw[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
