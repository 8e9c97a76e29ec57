package ledger

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// VerifyReceipt checks the full chain locally: the leaf matches what was
// committed, the Merkle proof recomputes to a root, the node certificate is
// endorsed by the service certificate, and the node's key signed the root.
func VerifyReceipt(rcpt Receipt, expectedLeaf, serviceCertPEM string) error {
	if rcpt.Leaf != expectedLeaf {
		return fmt.Errorf("receipt leaf %q does not match committed contents digest %q", rcpt.Leaf, expectedLeaf)
	}

	serviceCert, err := parseCertPEM(serviceCertPEM)
	if err != nil {
		return fmt.Errorf("service certificate: %w", err)
	}
	nodeCert, err := parseCertPEM(rcpt.NodeCertificate)
	if err != nil {
		return fmt.Errorf("node certificate: %w", err)
	}
	if err := nodeCert.CheckSignatureFrom(serviceCert); err != nil {
		return fmt.Errorf("node certificate is not endorsed by the ledger service: %w", err)
	}

	root, err := proofRoot(rcpt.Leaf, rcpt.Proof)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(rcpt.Signature)
	if err != nil {
		return fmt.Errorf("receipt signature is not valid base64: %w", err)
	}
	pub, ok := nodeCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("node certificate key is %T, want ECDSA", nodeCert.PublicKey)
	}
	digest := sha256.Sum256(root)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return fmt.Errorf("root signature verification failed")
	}
	return nil
}

// proofRoot folds the sibling path over the leaf. Each node carries the
// sibling on exactly one side; the result is the raw root hash bytes.
func proofRoot(leaf string, proof []ProofNode) ([]byte, error) {
	cur, err := hex.DecodeString(leaf)
	if err != nil {
		return nil, fmt.Errorf("receipt leaf is not valid hex: %w", err)
	}
	for i, node := range proof {
		switch {
		case node.Left != "" && node.Right != "":
			return nil, fmt.Errorf("proof node %d has both left and right siblings", i)
		case node.Left != "":
			sib, err := hex.DecodeString(node.Left)
			if err != nil {
				return nil, fmt.Errorf("proof node %d: %w", i, err)
			}
			sum := sha256.Sum256(append(sib, cur...))
			cur = sum[:]
		case node.Right != "":
			sib, err := hex.DecodeString(node.Right)
			if err != nil {
				return nil, fmt.Errorf("proof node %d: %w", i, err)
			}
			sum := sha256.Sum256(append(cur, sib...))
			cur = sum[:]
		default:
			return nil, fmt.Errorf("proof node %d has no sibling", i)
		}
	}
	return cur, nil
}

func parseCertPEM(pemText string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
