// Package verifier checks an unlock PIN against an external authority. The
// PIN is passed through once and never stored.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/daimoniac/sitelock/internal/errors"
)

// Verifier reports whether pin is valid for the current user.
type Verifier interface {
	Verify(ctx context.Context, pin string) (bool, error)
}

// TokenSource supplies the bearer credential for remote verification.
type TokenSource interface {
	Credential(ctx context.Context) (string, error)
}

// RemoteVerifier posts the PIN to a verification endpoint
type RemoteVerifier struct {
	endpoint   string
	tokens     TokenSource
	timeout    time.Duration
	httpClient *http.Client
}

// NewRemoteVerifier creates a verifier for endpoint
func NewRemoteVerifier(endpoint string, tokens TokenSource, timeout time.Duration) (*RemoteVerifier, error) {
	if endpoint == "" {
		return nil, errors.NewPermanentf("verifier URL is required: %w", errors.ErrInvalidInput)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteVerifier{
		endpoint:   endpoint,
		tokens:     tokens,
		timeout:    timeout,
		httpClient: &http.Client{},
	}, nil
}

type verifyRequest struct {
	PIN string `json:"pin"`
}

type verifyResponse struct {
	Valid *bool `json:"valid"`
}

// Verify sends {"pin": ...} and expects {"valid": bool}
func (v *RemoteVerifier) Verify(ctx context.Context, pin string) (bool, error) {
	token, err := v.tokens.Credential(ctx)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, errors.ErrUnauthenticated
	}

	payload, err := json.Marshal(verifyRequest{PIN: pin})
	if err != nil {
		return false, errors.NewPermanentf("encode verify request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, errors.NewPermanentf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return false, errors.NewTransientf("verify: %w: %w", errors.ErrTimeout, err)
		}
		return false, errors.NewTransientf("verify: %w: %w", errors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, errors.NewTransientf("read verify response: %w: %w", errors.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return false, errors.NewPermanentf("verify: status %d: %w", resp.StatusCode, errors.ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return false, errors.NewTransientf("verify: status %d: %w", resp.StatusCode, errors.ErrNetwork)
	}

	var out verifyResponse
	if err := json.Unmarshal(body, &out); err != nil || out.Valid == nil {
		return false, errors.NewTransientf("verify response: %w", errors.ErrMalformedResponse)
	}
	return *out.Valid, nil
}

// BcryptVerifier compares against a locally configured bcrypt hash
type BcryptVerifier struct {
	hash []byte
}

// NewBcryptVerifier validates hash and returns a verifier for it
func NewBcryptVerifier(hash string) (*BcryptVerifier, error) {
	hash = strings.TrimSpace(hash)
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, errors.NewPermanentf("invalid PIN hash: %v: %w", err, errors.ErrInvalidInput)
	}
	return &BcryptVerifier{hash: []byte(hash)}, nil
}

// Verify compares pin against the configured hash
func (v *BcryptVerifier) Verify(ctx context.Context, pin string) (bool, error) {
	err := bcrypt.CompareHashAndPassword(v.hash, []byte(pin))
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("compare PIN hash: %w", err)
	}
}

// HashPIN produces a hash suitable for NewBcryptVerifier.
func HashPIN(pin string) (string, error) {
	if pin == "" {
		return "", errors.NewPermanentf("empty PIN: %w", errors.ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash PIN: %w", err)
	}
	return string(hash), nil
}
