package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrProofInvalid = errors.New("proof token invalid")
	ErrProofUsed    = errors.New("proof token already used")
	ErrUnavailable  = errors.New("verification provider unavailable")
)

// Verifier validates a single-use human-verification proof token produced
// by the third-party widget. The provider enforces single use; a proof can
// mint at most one access token.
type Verifier interface {
	Verify(ctx context.Context, proofToken, remoteIP string) error
}

// HTTPVerifier calls the provider's siteverify endpoint.
type HTTPVerifier struct {
	endpoint string
	secret   string
	client   *http.Client
}

func NewHTTPVerifier(endpoint, secret string) *HTTPVerifier {
	return &HTTPVerifier{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, proofToken, remoteIP string) error {
	if proofToken == "" {
		return ErrProofInvalid
	}

	form := url.Values{
		"secret":   {v.secret},
		"response": {proofToken},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: siteverify status %d", ErrUnavailable, resp.StatusCode)
	}

	var body siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !body.Success {
		for _, code := range body.ErrorCodes {
			if code == "timeout-or-duplicate" {
				return ErrProofUsed
			}
		}
		return ErrProofInvalid
	}
	return nil
}

// StaticVerifier accepts any non-empty proof exactly once. Used in dev
// mode (no provider secret configured) and in tests.
type StaticVerifier struct {
	mu   sync.Mutex
	used map[string]bool
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{
		used: make(map[string]bool),
	}
}

func (v *StaticVerifier) Verify(_ context.Context, proofToken, _ string) error {
	if proofToken == "" {
		return ErrProofInvalid
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.used[proofToken] {
		return ErrProofUsed
	}
	v.used[proofToken] = true
	return nil
}
