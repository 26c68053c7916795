package whatsapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxMediaSize bounds media fetched by URL before upload.
const maxMediaSize = 64 << 20

var mediaHTTPClient = &http.Client{Timeout: 2 * time.Minute}

// fetchMedia downloads a remote file for re-upload and returns its bytes
// and content type.
func fetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := mediaHTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media: %w", err)
	}
	if len(data) > maxMediaSize {
		return nil, "", fmt.Errorf("media larger than %d bytes", maxMediaSize)
	}

	mimetype := resp.Header.Get("Content-Type")
	if i := strings.Index(mimetype, ";"); i >= 0 {
		mimetype = mimetype[:i]
	}
	if mimetype == "" || mimetype == "application/octet-stream" {
		mimetype = http.DetectContentType(data)
	}
	return data, strings.TrimSpace(mimetype), nil
}
