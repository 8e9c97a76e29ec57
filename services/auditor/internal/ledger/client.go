// Package ledger talks to the commit-and-prove ledger service: entries are
// written, receipts fetched and verified locally against the ledger's
// service certificate.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BlueWaves-afk/vigia-functions-orchestrator/pkg/canonhash"
)

type Client struct {
	BaseURL     string
	LedgerID    string
	IdentityURL string
	HTTPClient  *http.Client

	// The service certificate is fetched lazily and cached for the process
	// lifetime.
	mu      sync.Mutex
	certPEM string
}

func New(baseURL, ledgerID, identityURL string) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		LedgerID:    ledgerID,
		IdentityURL: strings.TrimRight(identityURL, "/"),
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Receipt is the ledger's inclusion proof for one transaction: a leaf digest,
// the Merkle path to the signed root, and the signing node's certificate,
// which must be endorsed by the service certificate.
type Receipt struct {
	TransactionID   string      `json:"transactionId"`
	Leaf            string      `json:"leaf"`
	Proof           []ProofNode `json:"proof"`
	Signature       string      `json:"signature"`
	NodeCertificate string      `json:"nodeCertificate"`
}

// ProofNode carries one sibling hash; exactly one of Left/Right is set.
type ProofNode struct {
	Left  string `json:"left,omitempty"`
	Right string `json:"right,omitempty"`
}

type ReceiptEnvelope struct {
	TransactionID     string           `json:"transactionId"`
	Receipt           Receipt          `json:"receipt"`
	ApplicationClaims []map[string]any `json:"applicationClaims,omitempty"`
}

type createEntryResponse struct {
	TransactionID string `json:"transactionId"`
}

type ledgerIdentity struct {
	LedgerTLSCertificate string `json:"ledgerTlsCertificate"`
}

// CreateEntry submits contents to the ledger and returns the transaction id.
func (c *Client) CreateEntry(ctx context.Context, contents string) (string, error) {
	if c.BaseURL == "" {
		return "", fmt.Errorf("ledger endpoint is not configured (set LEDGER_URL)")
	}
	body, err := json.Marshal(map[string]string{"contents": contents})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/app/transactions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	out, err := do[createEntryResponse](c, req)
	if err != nil {
		return "", err
	}
	return out.TransactionID, nil
}

// GetReceipt fetches the receipt for a committed transaction.
func (c *Client) GetReceipt(ctx context.Context, txID string) (*ReceiptEnvelope, error) {
	u := c.BaseURL + "/app/transactions/" + url.PathEscape(txID) + "/receipt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return do[ReceiptEnvelope](c, req)
}

// ServiceCertPEM returns the ledger's service certificate, fetching it from
// the identity service on first use.
func (c *Client) ServiceCertPEM(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.certPEM != "" {
		return c.certPEM, nil
	}
	if c.LedgerID == "" {
		return "", fmt.Errorf("ledger id is not configured (set LEDGER_ID)")
	}

	u := c.IdentityURL + "/ledgerIdentity/" + url.PathEscape(c.LedgerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	ident, err := do[ledgerIdentity](c, req)
	if err != nil {
		return "", err
	}
	if ident.LedgerTLSCertificate == "" {
		return "", fmt.Errorf("identity service returned no ledger certificate")
	}
	c.certPEM = ident.LedgerTLSCertificate
	return c.certPEM, nil
}

// CommitAndVerify writes proofHash to the ledger, fetches the receipt and
// verifies it. Any failure here is a hard error: the pipeline step aborts and
// the caller may retry the whole request.
func (c *Client) CommitAndVerify(ctx context.Context, proofHash string) (map[string]any, error) {
	txID, err := c.CreateEntry(ctx, proofHash)
	if err != nil {
		return nil, err
	}
	if txID == "" {
		return nil, fmt.Errorf("ledger write succeeded but no transactionId returned")
	}

	env, err := c.GetReceipt(ctx, txID)
	if err != nil {
		return nil, err
	}
	certPEM, err := c.ServiceCertPEM(ctx)
	if err != nil {
		return nil, err
	}
	if err := VerifyReceipt(env.Receipt, canonhash.HashString(proofHash), certPEM); err != nil {
		return nil, fmt.Errorf("receipt verification failed for tx %s: %w", txID, err)
	}

	receiptResult := map[string]any{}
	if b, err := json.Marshal(env); err == nil {
		_ = json.Unmarshal(b, &receiptResult)
	}
	return map[string]any{
		"transactionId":       txID,
		"receipt_verified":    true,
		"service_cert_sha256": canonhash.HashString(certPEM),
		"receipt_result":      receiptResult,
		"proof_hash":          proofHash,
	}, nil
}

func do[T any](c *Client, req *http.Request) (*T, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, fmt.Errorf("ledger http %d: %v", resp.StatusCode, errBody)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
