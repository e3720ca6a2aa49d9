package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// APIClient is the HTTP binding for the server endpoints. One client
// serves all three roles: proof submission (VerifyClient), fingerprint
// reporting (ReportClient) and tamper escalation (Reporter).
type APIClient struct {
	baseURL string
	http    *http.Client

	// auth supplies the current access token for gated endpoints; it
	// returns "" when no token is live.
	auth func() string
}

type ClientOption func(*APIClient)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *APIClient) {
		c.http = h
	}
}

// WithTokenSupplier wires the gated endpoints to a token source,
// typically Session.Token behind a closure that drops the error.
func WithTokenSupplier(auth func() string) ClientOption {
	return func(c *APIClient) {
		c.auth = auth
	}
}

func NewAPIClient(baseURL string, opts ...ClientOption) *APIClient {
	c := &APIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		auth:    func() string { return "" },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *APIClient) post(ctx context.Context, path string, body any, fingerprintID string) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req, fingerprintID)
	return c.http.Do(req)
}

func (c *APIClient) setAuth(req *http.Request, fingerprintID string) {
	if tok := c.auth(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if fingerprintID != "" {
		req.Header.Set("X-Fingerprint-ID", fingerprintID)
	}
}

type banPayload struct {
	Error   string `json:"error"`
	BanInfo struct {
		Reason    string    `json:"reason"`
		ExpiresAt time.Time `json:"expiresAt"`
	} `json:"banInfo"`
}

// Verify submits a proof token. A 403 ip_banned answer is not an
// error: it is a successful round trip carrying a terminal verdict.
func (c *APIClient) Verify(ctx context.Context, fingerprintID, proofToken string) (VerifyResult, error) {
	resp, err := c.post(ctx, "/verify", map[string]string{
		"fingerprintId": fingerprintID,
		"proofToken":    proofToken,
	}, "")
	if err != nil {
		return VerifyResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Success     bool      `json:"success"`
			AccessToken string    `json:"accessToken"`
			ExpiresAt   time.Time `json:"expiresAt"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return VerifyResult{}, fmt.Errorf("decode verify response: %w", err)
		}
		return VerifyResult{
			Success:     body.Success,
			AccessToken: body.AccessToken,
			ExpiresAt:   body.ExpiresAt,
		}, nil

	case http.StatusForbidden:
		var body banPayload
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error == "ip_banned" {
			return VerifyResult{
				Banned:     true,
				BanReason:  body.BanInfo.Reason,
				BanExpires: body.BanInfo.ExpiresAt,
			}, nil
		}
		return VerifyResult{}, nil

	case http.StatusUnauthorized:
		// rejected proof
		return VerifyResult{}, nil

	default:
		return VerifyResult{}, fmt.Errorf("verify: unexpected status %d", resp.StatusCode)
	}
}

// ReportFingerprint posts the fingerprint through the access-token
// gate.
func (c *APIClient) ReportFingerprint(ctx context.Context, fingerprintID string) error {
	resp, err := c.post(ctx, "/fingerprint/report", map[string]string{"id": fingerprintID}, fingerprintID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report fingerprint: status %d", resp.StatusCode)
	}
	return nil
}

// FingerprintStatus fetches the server's view of the last report.
func (c *APIClient) FingerprintStatus(ctx context.Context, fingerprintID string) (FingerprintStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fingerprint/status", nil)
	if err != nil {
		return FingerprintStatus{}, err
	}
	c.setAuth(req, fingerprintID)

	resp, err := c.http.Do(req)
	if err != nil {
		return FingerprintStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FingerprintStatus{}, fmt.Errorf("fingerprint status: status %d", resp.StatusCode)
	}

	var status FingerprintStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return FingerprintStatus{}, fmt.Errorf("decode fingerprint status: %w", err)
	}
	return status, nil
}

// ReportTamper escalates a watchdog event. Best effort: callers fire
// and forget.
func (c *APIClient) ReportTamper(ctx context.Context, ev TamperEvent) error {
	resp, err := c.post(ctx, "/tamper/report", map[string]string{
		"elementId":    ev.ElementID,
		"cause":        string(ev.Cause),
		"originalHash": ev.OriginalHash,
		"observedHash": ev.ObservedHash,
	}, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tamper report: status %d", resp.StatusCode)
	}
	return nil
}
