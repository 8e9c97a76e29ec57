package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	reportSignatureHeader = "X-Signature"
	reportDeviceIDHeader  = "X-Device-Id"
	reportHMACScheme      = "report-hmac-sha256/v1"
)

type VerificationResult struct {
	Valid    bool           `json:"valid"`
	Scheme   string         `json:"scheme"`
	Details  map[string]any `json:"details"`
	DeviceID string         `json:"device_id,omitempty"`
}

// VerifyReportHMAC checks the X-Signature header (hex HMAC-SHA256 of the raw
// body) on an inbound telemetry report. A missing or undecodable signature is
// reported as invalid, not as an error; only an empty secret is an error.
func VerifyReportHMAC(headers http.Header, rawBody []byte, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("report webhook secret is empty")
	}

	res := VerificationResult{
		Valid:  false,
		Scheme: reportHMACScheme,
		Details: map[string]any{
			"signature_header_present": false,
			"signature_hex_decodable":  false,
			"used_header":              reportSignatureHeader,
		},
		DeviceID: strings.TrimSpace(headers.Get(reportDeviceIDHeader)),
	}

	sigHex := strings.TrimSpace(headers.Get(reportSignatureHeader))
	if sigHex == "" {
		return res, nil
	}
	res.Details["signature_header_present"] = true

	providedSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return res, nil
	}
	res.Details["signature_hex_decodable"] = true

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	expected := mac.Sum(nil)
	res.Valid = hmac.Equal(expected, providedSig)
	return res, nil
}
