// Package directory talks to the remote restriction directory over HTTP.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/daimoniac/sitelock/internal/errors"
	"github.com/daimoniac/sitelock/internal/types"
)

// DefaultTimeout bounds every directory request.
const DefaultTimeout = 5 * time.Second

// maxBodySize caps how much of a response is read.
const maxBodySize = 4 << 20

// Client defines the interface for interacting with the remote directory
type Client interface {
	// List returns every restriction visible to the bearer token
	List(ctx context.Context, token string) ([]types.RemoteRecord, error)

	// SetActive toggles a restriction's active flag upstream
	SetActive(ctx context.Context, token string, id int64, active bool) error
}

// HTTPClient implements Client against a JSON REST endpoint
type HTTPClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a directory client rooted at baseURL
func NewClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.NewPermanentf("directory base URL is required: %w", errors.ErrInvalidInput)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.NewPermanentf("invalid directory base URL %q: %w", baseURL, errors.ErrInvalidInput)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
	}, nil
}

// List fetches the full restriction list
func (c *HTTPClient) List(ctx context.Context, token string) ([]types.RemoteRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/restrictions", nil)
	if err != nil {
		return nil, errors.NewPermanentf("build list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	records, err := decodeRecords(body)
	if err != nil {
		return nil, errors.NewTransientf("decode restrictions: %w: %w", errors.ErrMalformedResponse, err)
	}
	return records, nil
}

// SetActive sends PATCH /restrictions/{id}
func (c *HTTPClient) SetActive(ctx context.Context, token string, id int64, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]bool{"is_active": active})
	if err != nil {
		return errors.NewPermanentf("encode update: %w", err)
	}

	endpoint := c.baseURL + "/restrictions/" + strconv.FormatInt(id, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.NewPermanentf("build update request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.NewTransientf("%s %s: %w: %w", req.Method, req.URL.Path, errors.ErrTimeout, err)
		}
		return nil, errors.NewTransientf("%s %s: %w: %w", req.Method, req.URL.Path, errors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errors.NewTransientf("read %s response: %w: %w", req.URL.Path, errors.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.NewPermanentf("%s %s: status %d: %w", req.Method, req.URL.Path, resp.StatusCode, errors.ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, errors.NewTransientf("%s %s: status %d: %w", req.Method, req.URL.Path, resp.StatusCode, errors.ErrNetwork)
	}
	return body, nil
}

// wireRecord accepts both snake_case and camelCase field names.
type wireRecord struct {
	ID             *int64   `json:"id"`
	TargetURLs     []string `json:"target_urls"`
	TargetURLsAlt  []string `json:"targetUrls"`
	TargetURL      string   `json:"url"`
	IsActive       *bool    `json:"is_active"`
	IsActiveAlt    *bool    `json:"isActive"`
	Name           string   `json:"name"`
	DisplayNameAlt string   `json:"displayName"`
}

func decodeRecords(body []byte) ([]types.RemoteRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	var wire []wireRecord
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return nil, err
		}
	} else {
		var envelope struct {
			Data *[]wireRecord `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, err
		}
		if envelope.Data == nil {
			return nil, fmt.Errorf("missing data field")
		}
		wire = *envelope.Data
	}

	records := make([]types.RemoteRecord, 0, len(wire))
	for i, w := range wire {
		if w.ID == nil {
			return nil, fmt.Errorf("record %d has no id", i)
		}
		r := types.RemoteRecord{
			ID:         *w.ID,
			TargetURLs: w.TargetURLs,
			Name:       w.Name,
		}
		if len(r.TargetURLs) == 0 {
			r.TargetURLs = w.TargetURLsAlt
		}
		if len(r.TargetURLs) == 0 && w.TargetURL != "" {
			r.TargetURLs = []string{w.TargetURL}
		}
		switch {
		case w.IsActive != nil:
			r.IsActive = *w.IsActive
		case w.IsActiveAlt != nil:
			r.IsActive = *w.IsActiveAlt
		}
		if r.Name == "" {
			r.Name = w.DisplayNameAlt
		}
		records = append(records, r)
	}
	return records, nil
}
