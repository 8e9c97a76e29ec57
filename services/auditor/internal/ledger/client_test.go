package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlueWaves-afk/vigia-functions-orchestrator/pkg/canonhash"
)

// testPKI is a two-level chain: a service CA and a node cert endorsed by it.
type testPKI struct {
	serviceCertPEM string
	nodeCertPEM    string
	nodeKey        *ecdsa.PrivateKey
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ledger-service"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	nodeKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	nodeTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "ledger-node-0"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	nodeDER, err := x509.CreateCertificate(rand.Reader, nodeTmpl, caCert, &nodeKey.PublicKey, caKey)
	require.NoError(t, err)

	return &testPKI{
		serviceCertPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})),
		nodeCertPEM:    string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: nodeDER})),
		nodeKey:        nodeKey,
	}
}

// receipt builds a valid one-sibling receipt for contents.
func (p *testPKI) receipt(t *testing.T, txID, contents string) Receipt {
	t.Helper()

	leaf := canonhash.HashString(contents)
	leafBytes, err := hex.DecodeString(leaf)
	require.NoError(t, err)
	sib := sha256.Sum256([]byte("sibling"))

	root := sha256.Sum256(append(sib[:], leafBytes...))
	digest := sha256.Sum256(root[:])
	sig, err := ecdsa.SignASN1(rand.Reader, p.nodeKey, digest[:])
	require.NoError(t, err)

	return Receipt{
		TransactionID:   txID,
		Leaf:            leaf,
		Proof:           []ProofNode{{Left: hex.EncodeToString(sib[:])}},
		Signature:       base64.StdEncoding.EncodeToString(sig),
		NodeCertificate: p.nodeCertPEM,
	}
}

type fakeLedger struct {
	pki *testPKI

	txID     string
	contents string

	mutate       func(*Receipt)
	identityHits atomic.Int32
}

func (f *fakeLedger) servers(t *testing.T) (ledgerURL, identityURL string) {
	t.Helper()

	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /app/transactions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.contents = body["contents"]
		writeJSON(w, map[string]string{"transactionId": f.txID})
	})
	mux.HandleFunc("GET /app/transactions/{tx}/receipt", func(w http.ResponseWriter, r *http.Request) {
		rcpt := f.pki.receipt(t, r.PathValue("tx"), f.contents)
		if f.mutate != nil {
			f.mutate(&rcpt)
		}
		writeJSON(w, ReceiptEnvelope{TransactionID: rcpt.TransactionID, Receipt: rcpt})
	})
	ledgerSrv := httptest.NewServer(mux)
	t.Cleanup(ledgerSrv.Close)

	identMux := http.NewServeMux()
	identMux.HandleFunc("GET /ledgerIdentity/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.identityHits.Add(1)
		writeJSON(w, map[string]string{"ledgerTlsCertificate": f.pki.serviceCertPEM})
	})
	identSrv := httptest.NewServer(identMux)
	t.Cleanup(identSrv.Close)

	return ledgerSrv.URL, identSrv.URL
}

func TestCommitAndVerify(t *testing.T) {
	f := &fakeLedger{pki: newTestPKI(t), txID: "2.42"}
	ledgerURL, identityURL := f.servers(t)
	c := New(ledgerURL, "hazard-ledger", identityURL)

	out, err := c.CommitAndVerify(context.Background(), "abc123")
	require.NoError(t, err)

	assert.Equal(t, "2.42", out["transactionId"])
	assert.Equal(t, true, out["receipt_verified"])
	assert.Equal(t, "abc123", out["proof_hash"])
	assert.Equal(t, canonhash.HashString(f.pki.serviceCertPEM), out["service_cert_sha256"])
	assert.Equal(t, "abc123", f.contents, "ledger stores the proof hash verbatim")

	rr, ok := out["receipt_result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2.42", rr["transactionId"])
}

func TestCommitAndVerifyCachesServiceCert(t *testing.T) {
	f := &fakeLedger{pki: newTestPKI(t), txID: "3.1"}
	ledgerURL, identityURL := f.servers(t)
	c := New(ledgerURL, "hazard-ledger", identityURL)

	_, err := c.CommitAndVerify(context.Background(), "first")
	require.NoError(t, err)
	_, err = c.CommitAndVerify(context.Background(), "second")
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.identityHits.Load())
}

func TestCommitAndVerifyMissingTransactionID(t *testing.T) {
	f := &fakeLedger{pki: newTestPKI(t), txID: ""}
	ledgerURL, identityURL := f.servers(t)
	c := New(ledgerURL, "hazard-ledger", identityURL)

	_, err := c.CommitAndVerify(context.Background(), "abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transactionId")
}

func TestCommitAndVerifyTamperedSignature(t *testing.T) {
	f := &fakeLedger{pki: newTestPKI(t), txID: "4.9"}
	f.mutate = func(r *Receipt) {
		r.Signature = base64.StdEncoding.EncodeToString([]byte("not a signature"))
	}
	ledgerURL, identityURL := f.servers(t)
	c := New(ledgerURL, "hazard-ledger", identityURL)

	_, err := c.CommitAndVerify(context.Background(), "abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receipt verification failed")
}

func TestCommitAndVerifyUnendorsedNodeCert(t *testing.T) {
	f := &fakeLedger{pki: newTestPKI(t), txID: "5.5"}
	rogue := newTestPKI(t)
	f.mutate = func(r *Receipt) {
		// The rogue node cert chains to a different service CA, so the
		// signature re-sign must come from the rogue key too.
		*r = rogue.receipt(t, r.TransactionID, f.contents)
	}
	ledgerURL, identityURL := f.servers(t)
	c := New(ledgerURL, "hazard-ledger", identityURL)

	_, err := c.CommitAndVerify(context.Background(), "abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not endorsed")
}

func TestCommitAndVerifyLeafMismatch(t *testing.T) {
	f := &fakeLedger{pki: newTestPKI(t), txID: "6.0"}
	f.mutate = func(r *Receipt) {
		r.Leaf = canonhash.HashString("something else entirely")
	}
	ledgerURL, identityURL := f.servers(t)
	c := New(ledgerURL, "hazard-ledger", identityURL)

	_, err := c.CommitAndVerify(context.Background(), "abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match committed contents")
}

func TestVerifyReceiptRejectsMalformedProof(t *testing.T) {
	pki := newTestPKI(t)
	rcpt := pki.receipt(t, "1.1", "abc")
	rcpt.Proof = []ProofNode{{}}

	err := VerifyReceipt(rcpt, rcpt.Leaf, pki.serviceCertPEM)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sibling")
}

func TestVerifyReceiptRejectsBadCertPEM(t *testing.T) {
	pki := newTestPKI(t)
	rcpt := pki.receipt(t, "1.1", "abc")

	err := VerifyReceipt(rcpt, rcpt.Leaf, "not a certificate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no PEM block")
}

func TestCreateEntryRequiresEndpoint(t *testing.T) {
	c := New("", "hazard-ledger", "")
	_, err := c.CreateEntry(context.Background(), "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_URL")
}
