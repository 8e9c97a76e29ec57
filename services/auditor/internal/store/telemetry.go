package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BlueWaves-afk/vigia-functions-orchestrator/pkg/canonhash"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/identity"
)

// DedupeSummary groups near-identical reports by their quantized
// (hazard, lat, lon, time) cell. Informational only: it never blocks the
// pipeline by itself.
type DedupeSummary struct {
	DuplicateCount   int      `json:"duplicate_count"`
	DuplicateGroupID string   `json:"duplicate_group_id"`
	SampleReportIDs  []string `json:"sample_report_ids"`
}

type HazardCount struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Count     int     `json:"count"`
}

type RegionalHazard struct {
	Latitude        float64  `json:"latitude"`
	Longitude       float64  `json:"longitude"`
	HazardType      string   `json:"hazard_type"`
	ConfidenceScore float64  `json:"confidence_score"`
	GForceZ         *float64 `json:"gforce_z"`
	EvidenceURL     string   `json:"evidence_url"`
}

// Dedupe queries recent telemetry for reports sharing the report's
// fingerprint bucket. Callers must pass the same tunables used for
// ComputeEventID or identity breaks.
func (s *Store) Dedupe(ctx context.Context, r identity.Report, decimals, bucketMinutes, ttlHours int) (DedupeSummary, error) {
	hz := identity.HazardTypeOrNone(r.HazardType)
	bucket := identity.TimeBucket(r.Timestamp, bucketMinutes)
	groupID := dedupeGroupID(hz, r.Latitude, r.Longitude, decimals, bucket)

	summary := DedupeSummary{
		DuplicateCount:   0,
		DuplicateGroupID: groupID,
		SampleReportIDs:  []string{},
	}
	if r.Latitude == nil || r.Longitude == nil {
		return summary, nil
	}

	q := fmt.Sprintf(`SELECT count(*)::int,
			COALESCE((array_agg(report_id))[1:20], '{}'::text[])
		FROM %s
		WHERE ts > now() - make_interval(hours => $1)
		  AND lower(hazard_type) = $2
		  AND round(latitude::numeric, $3) = round($4::numeric, $3)
		  AND round(longitude::numeric, $3) = round($5::numeric, $3)
		  AND date_bin(make_interval(mins => $6), ts, timestamptz 'epoch')
		    = date_bin(make_interval(mins => $6), $7::timestamptz, timestamptz 'epoch')`,
		s.telemetryIdent())

	var count int
	var samples []string
	err := s.DB.QueryRow(ctx, q,
		ttlHours, hz, decimals, *r.Latitude, *r.Longitude, bucketMinutes, r.Timestamp).
		Scan(&count, &samples)
	if err != nil {
		return DedupeSummary{}, err
	}
	summary.DuplicateCount = count
	if samples != nil {
		summary.SampleReportIDs = samples
	}
	return summary, nil
}

// TopHazards returns the five locations with the most reports of hazardType
// within the trailing window.
func (s *Store) TopHazards(ctx context.Context, hazardType string, hours int) ([]HazardCount, error) {
	q := fmt.Sprintf(`SELECT latitude, longitude, count(*)::int AS n
		FROM %s
		WHERE hazard_type = $1 AND ts > now() - make_interval(hours => $2)
		GROUP BY latitude, longitude
		ORDER BY n DESC
		LIMIT 5`, s.telemetryIdent())
	rows, err := s.DB.Query(ctx, q, hazardType, hours)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HazardCount
	for rows.Next() {
		var h HazardCount
		if err := rows.Scan(&h.Latitude, &h.Longitude, &h.Count); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RegionalHazards returns confident (>0.7) hazard rows within a bounding box.
func (s *Store) RegionalHazards(ctx context.Context, north, south, east, west float64) ([]RegionalHazard, error) {
	q := fmt.Sprintf(`SELECT latitude, longitude, hazard_type, confidence_score, gforce_z, evidence_url
		FROM %s
		WHERE latitude BETWEEN $1 AND $2
		  AND longitude BETWEEN $3 AND $4
		  AND confidence_score > 0.7`, s.telemetryIdent())
	rows, err := s.DB.Query(ctx, q, south, north, west, east)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegionalHazard
	for rows.Next() {
		var h RegionalHazard
		if err := rows.Scan(&h.Latitude, &h.Longitude, &h.HazardType, &h.ConfidenceScore, &h.GForceZ, &h.EvidenceURL); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func dedupeGroupID(hz string, lat, lon *float64, decimals int, bucket time.Time) string {
	key := fmt.Sprintf("%s|%s|%s|%s",
		hz, coordKey(lat, decimals), coordKey(lon, decimals), bucket.Format(time.RFC3339))
	return canonhash.HashString(key)
}

func coordKey(v *float64, decimals int) string {
	if v == nil {
		return "null"
	}
	return strconv.FormatFloat(identity.RoundFloat(*v, decimals), 'g', -1, 64)
}
