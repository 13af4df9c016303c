// Package signing obtains content signatures for filter generations from an
// Autograph-style signing service.
package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/retry"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// ErrDisabled is returned by a signer with no endpoint configured.
var ErrDisabled = errors.New("signing disabled")

// Signer signs a blob.
type Signer interface {
	Sign(ctx context.Context, data []byte) (string, error)
}

// HTTPSigner posts data to <url>/sign/data.
type HTTPSigner struct {
	client *http.Client
	url    string
	token  string
	keyID  string
	policy retry.Policy
}

// NewHTTPSigner creates a signer. An empty url yields a signer that always
// returns ErrDisabled.
func NewHTTPSigner(url, token, keyID string, timeout time.Duration, policy retry.Policy) *HTTPSigner {
	return &HTTPSigner{
		client: &http.Client{Timeout: timeout},
		url:    strings.TrimRight(url, "/"),
		token:  token,
		keyID:  keyID,
		policy: policy,
	}
}

type signRequest struct {
	Input string `json:"input"`
	KeyID string `json:"keyid,omitempty"`
}

type signResponse struct {
	Signature string `json:"signature"`
	Ref       string `json:"ref"`
	X5U       string `json:"x5u"`
}

// Sign returns the signature of data. 5xx and 429 responses and network
// errors are retried according to the signer's policy.
func (s *HTTPSigner) Sign(ctx context.Context, data []byte) (string, error) {
	if s.url == "" {
		return "", ErrDisabled
	}

	body, err := json.Marshal([]signRequest{{
		Input: base64.StdEncoding.EncodeToString(data),
		KeyID: s.keyID,
	}})
	if err != nil {
		return "", fmt.Errorf("encode sign request: %w", err)
	}

	var signature string
	err = s.policy.Do(ctx, func(ctx context.Context) error {
		signature, err = s.post(ctx, body)
		if err != nil && retry.IsTransient(err) {
			logger.L().Warn("signing attempt failed", zap.Error(err))
		}
		return err
	})
	return signature, err
}

func (s *HTTPSigner) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign/data", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", retry.Transient("sign", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", retry.Transient("sign", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", retry.Transient("sign", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("sign: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out []signResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode sign response: %w", err)
	}
	if len(out) == 0 || out[0].Signature == "" {
		return "", errors.New("sign: response carried no signature")
	}
	return out[0].Signature, nil
}
