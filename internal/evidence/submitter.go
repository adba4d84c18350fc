package evidence

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoadOrCreateSigningKey loads the Ed25519 key an Orchestrator run signs its
// Summary with from path, generating and persisting one on first use so a
// host's migration evidence always carries the same agent identity across
// runs. Returns the private key and its hex-encoded public key.
func LoadOrCreateSigningKey(path string) (ed25519.PrivateKey, string, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(data)
		return priv, hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, "", fmt.Errorf("create signing key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0600); err != nil {
		return nil, "", fmt.Errorf("write signing key: %w", err)
	}
	return priv, hex.EncodeToString(pub), nil
}

// sign returns the hex-encoded Ed25519 signature of data.
func sign(key ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(key, data))
}

// Summary is the migration record signed and submitted at the end of a
// successful Orchestrator run (SPEC_FULL.md "Supplemental component:
// Migration Evidence").
type Summary struct {
	SourceHostname      string   `json:"source_hostname"`
	DestinationHostname string   `json:"destination_hostname"`
	PlatformCPE         string   `json:"platform_cpe"`
	ImageID             string   `json:"image_id"`
	FlavorID            string   `json:"flavor_id"`
	ExclusionLayers     []string `json:"exclusion_layers"`
	CleanupLayers       []string `json:"cleanup_layers"`
	RsyncPasses         int      `json:"rsync_passes"`
	IPRemediations      int      `json:"ip_remediations"`
	CompletedAt         string   `json:"completed_at"`
}

// signedPayload matches the shape submitted to AuditEndpoint: the summary
// plus its Ed25519 signature and the signer's public key.
type signedPayload struct {
	Summary        Summary `json:"summary"`
	SignedData     string  `json:"signed_data"`
	AgentSignature string  `json:"agent_signature"`
	AgentPublicKey string  `json:"agent_public_key"`
}

// Submitter signs Summary records and delivers them to an operator endpoint,
// falling back to a local file when no endpoint is configured or the
// endpoint is unreachable.
type Submitter struct {
	auditEndpoint string
	signingKey    ed25519.PrivateKey
	publicKeyHex  string
	fallbackPath  string
	client        *http.Client
}

// NewSubmitter builds a Submitter. auditEndpoint may be empty, in which case
// Submit always falls back to writing fallbackPath.
func NewSubmitter(auditEndpoint string, key ed25519.PrivateKey, pubHex, fallbackPath string) *Submitter {
	return &Submitter{
		auditEndpoint: strings.TrimRight(auditEndpoint, "/"),
		signingKey:    key,
		publicKeyHex:  pubHex,
		fallbackPath:  fallbackPath,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Submit signs summary and delivers it: POSTs to the audit endpoint when one
// is configured, otherwise (or on delivery failure) writes it to
// fallbackPath. Submit never returns an error that should fail the
// migration; it is best-effort (spec.md section 7: "Remediate is
// best-effort" policy extends to evidence submission).
func (s *Submitter) Submit(ctx context.Context, summary Summary) error {
	signedBytes, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	payload := signedPayload{
		Summary:        summary,
		SignedData:     string(signedBytes),
		AgentSignature: sign(s.signingKey, signedBytes),
		AgentPublicKey: s.publicKeyHex,
	}

	if s.auditEndpoint != "" {
		if err := s.post(ctx, payload); err != nil {
			log.Printf("[evidence] audit endpoint delivery failed (%s), falling back to file: %v",
				s.classifyFailure(err), err)
			return s.writeFile(payload)
		}
		return nil
	}

	return s.writeFile(payload)
}

func (s *Submitter) post(ctx context.Context, payload signedPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := s.auditEndpoint + "/api/migrations/evidence"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit evidence: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("evidence submit returned %d: %s", resp.StatusCode, string(respBody))
	}

	log.Printf("[evidence] submitted migration summary for %s -> %s",
		payload.Summary.SourceHostname, payload.Summary.DestinationHostname)
	return nil
}

func (s *Submitter) writeFile(payload signedPayload) error {
	if s.fallbackPath == "" {
		return errors.New("no audit endpoint and no fallback path configured")
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.fallbackPath), 0700); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}
	if err := os.WriteFile(s.fallbackPath, body, 0600); err != nil {
		return fmt.Errorf("write evidence file: %w", err)
	}
	log.Printf("[evidence] wrote migration summary to %s", s.fallbackPath)
	return nil
}

// classifyFailure labels why a POST to the audit endpoint failed, so an
// operator scanning logs can tell "the evidence server is unreachable" from
// "the evidence server rejected the payload" without parsing the raw error.
func (s *Submitter) classifyFailure(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "dns_not_found"
		}
		return "dns_error"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		msg := opErr.Error()
		switch {
		case strings.Contains(msg, "connection refused"):
			return "server_down"
		case strings.Contains(msg, "no route to host"), strings.Contains(msg, "network is unreachable"):
			return "network_down"
		}
	}

	msg := err.Error()
	switch {
	case os.IsTimeout(err), strings.Contains(msg, "context deadline"), strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "tls:"), strings.Contains(msg, "certificate"):
		return "tls_error"
	case strings.Contains(msg, "returned 5"):
		return "server_error"
	default:
		return "unknown"
	}
}
