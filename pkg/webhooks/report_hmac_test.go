package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyReportHMACValid(t *testing.T) {
	body := []byte(`{"ReportId":"r1"}`)
	h := http.Header{}
	h.Set("X-Signature", sign("s3cret", body))
	h.Set("X-Device-Id", "dev-42")

	res, err := VerifyReportHMAC(h, body, "s3cret")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid signature, details=%v", res.Details)
	}
	if res.DeviceID != "dev-42" {
		t.Fatalf("device id = %q", res.DeviceID)
	}
}

func TestVerifyReportHMACWrongSecret(t *testing.T) {
	body := []byte(`{"ReportId":"r1"}`)
	h := http.Header{}
	h.Set("X-Signature", sign("other", body))

	res, err := VerifyReportHMAC(h, body, "s3cret")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Valid {
		t.Fatalf("expected invalid signature")
	}
}

func TestVerifyReportHMACMissingHeader(t *testing.T) {
	res, err := VerifyReportHMAC(http.Header{}, []byte("x"), "s3cret")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Valid {
		t.Fatalf("expected invalid result without header")
	}
	if res.Details["signature_header_present"] != false {
		t.Fatalf("expected header-absent detail")
	}
}

func TestVerifyReportHMACUndecodableSignature(t *testing.T) {
	h := http.Header{}
	h.Set("X-Signature", "zz-not-hex")
	res, err := VerifyReportHMAC(h, []byte("x"), "s3cret")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Valid || res.Details["signature_hex_decodable"] != false {
		t.Fatalf("expected undecodable signature to be invalid")
	}
}

func TestVerifyReportHMACEmptySecret(t *testing.T) {
	if _, err := VerifyReportHMAC(http.Header{}, []byte("x"), "  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
