package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSource drives a remote image server over the sync image endpoints:
// GET fetches the live image, POST replaces it.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSource points a source at a server base URL such as
// "http://localhost:8370".
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchImage downloads the current live image.
func (h *HTTPSource) FetchImage(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/api/sync/image", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: server returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// ReplaceImage uploads a rebuilt image as the new live disk.
func (h *HTTPSource) ReplaceImage(ctx context.Context, img []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.BaseURL+"/api/sync/image", bytes.NewReader(img))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replace image: server returned %s", resp.Status)
	}
	return nil
}
