// ABOUTME: verify_document handler: posts the document reference to the AI endpoint.
// ABOUTME: Rate-limited outbound calls; only HTTP 400/422 responses are permanent.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

// VerifyPayload is the kind-specific payload for verify_document jobs,
// written by the web layer when a student uploads a certificate.
type VerifyPayload struct {
	CertificateID string `json:"certificate_id"`
	StudentID     string `json:"student_id"`
	DocumentURL   string `json:"document_url"`
}

// VerifyResult is the unified verification output recorded as the job
// result. The web layer copies these fields onto the certificate record.
type VerifyResult struct {
	Status              string   `json:"status"`
	Title               string   `json:"title,omitempty"`
	IssuingOrganization string   `json:"issuing_organization,omitempty"`
	VerificationURL     string   `json:"verification_url,omitempty"`
	Category            string   `json:"category,omitempty"`
	Level               string   `json:"level,omitempty"`
	Rank                string   `json:"rank,omitempty"`
	AcademicYear        string   `json:"academic_year,omitempty"`
	Skills              []string `json:"skills,omitempty"`
	Summary             string   `json:"ai_summary,omitempty"`
	RejectionReason     string   `json:"rejection_reason,omitempty"`
}

// VerifierConfig holds the AI verification endpoint parameters.
type VerifierConfig struct {
	Endpoint string
	APIKey   string

	// RequestsPerMinute caps outbound calls to the inference endpoint.
	// Zero means no limit.
	RequestsPerMinute int
}

// Verifier calls the AI verification endpoint for verify_document jobs.
// The endpoint is an opaque request/response contract: we POST the document
// reference and receive the unified verification output.
type Verifier struct {
	client  *http.Client
	cfg     VerifierConfig
	limiter *rate.Limiter
}

// NewVerifier creates a Verifier. client must have a timeout; external calls
// are never left to block indefinitely.
func NewVerifier(client *http.Client, cfg VerifierConfig) *Verifier {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}
	return &Verifier{client: client, cfg: cfg, limiter: limiter}
}

// Handle implements Handler. Failure classification:
//   - unparseable job payload → permanent (our side built it wrong)
//   - HTTP 400/422 from the endpoint → permanent (it read our request and
//     rejected its content; resending the same bytes cannot change that)
//   - anything else, including 401/403/404 → retryable (credentials get
//     rotated, endpoints move, documents appear after upload lag)
//
// The call itself is pure inference with no external side effect, so
// redelivery is safe without a ledger claim; the result write is guarded by
// the record's terminal state.
func (v *Verifier) Handle(ctx context.Context, j Job) (json.RawMessage, error) {
	var p VerifyPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, job.Permanent(fmt.Errorf("verify: decode payload: %w", err))
	}
	if p.DocumentURL == "" {
		return nil, job.Permanent(fmt.Errorf("verify: payload missing document_url"))
	}

	if err := v.limiter.Wait(ctx); err != nil {
		return nil, job.Retryable(fmt.Errorf("verify: rate limit: %w", err))
	}

	body, err := json.Marshal(map[string]string{
		"document_url":   p.DocumentURL,
		"certificate_id": p.CertificateID,
	})
	if err != nil {
		return nil, job.Permanent(fmt.Errorf("verify: encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, job.Permanent(fmt.Errorf("verify: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if v.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.cfg.APIKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, job.Retryable(fmt.Errorf("verify: call endpoint: %w", err))
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		// The endpoint rejected the content of the request we built;
		// retrying the same request cannot change the outcome.
		return nil, job.Permanent(fmt.Errorf("verify: endpoint rejected request: HTTP %d", resp.StatusCode))
	default:
		return nil, job.Retryable(fmt.Errorf("verify: endpoint HTTP %d", resp.StatusCode))
	}

	var out VerifyResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, job.Retryable(fmt.Errorf("verify: decode response: %w", err))
	}
	if out.Status == "" {
		return nil, job.Retryable(fmt.Errorf("verify: response missing status"))
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, job.Permanent(fmt.Errorf("verify: encode result: %w", err))
	}
	return result, nil
}
