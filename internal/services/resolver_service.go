package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnsupportedLink is returned for links no resolver handles.
var ErrUnsupportedLink = errors.New("unsupported media link")

// ResolverService asks an external endpoint for the direct media URL behind
// a social media page.
type ResolverService struct {
	BaseURL string
	client  *http.Client
}

type resolveRequest struct {
	URL      string `json:"url"`
	Platform string `json:"platform"`
}

type resolveResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// NewResolverService creates a resolver. An empty baseURL disables it.
func NewResolverService(baseURL string) *ResolverService {
	return &ResolverService{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Platform names the supported site a link points to, or "".
func Platform(pageURL string) string {
	switch {
	case strings.Contains(pageURL, "tiktok.com"):
		return "tiktok"
	case strings.Contains(pageURL, "facebook.com"), strings.Contains(pageURL, "fb.watch"):
		return "facebook"
	case strings.Contains(pageURL, "instagram.com"):
		return "instagram"
	}
	return ""
}

// Resolve returns the direct media URL for pageURL.
func (rs *ResolverService) Resolve(ctx context.Context, pageURL string) (string, error) {
	if rs.BaseURL == "" {
		return "", fmt.Errorf("media resolver is not configured")
	}
	platform := Platform(pageURL)
	if platform == "" {
		return "", ErrUnsupportedLink
	}

	jsonData, err := json.Marshal(resolveRequest{URL: pageURL, Platform: platform})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, rs.BaseURL+"/resolve", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := rs.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request to resolver: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read resolver response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolver error (status %d): %s", resp.StatusCode, string(body))
	}

	var out resolveResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal resolver response: %w", err)
	}
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	if out.URL == "" {
		return "", fmt.Errorf("resolver returned no media for %s", pageURL)
	}
	return out.URL, nil
}
