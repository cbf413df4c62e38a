package imagery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/verdantlabs/yardgen/internal/config"
)

// Client talks to the mapping imagery provider. Street-level imagery is the
// primary source; satellite imagery is the overhead fallback, gated on the
// address geocoding at all.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		apiKey:  cfg.ImageryAPIKey,
		baseURL: strings.TrimRight(cfg.ImageryBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// StreetCoverage asks the cheap metadata endpoint whether street-level
// imagery exists near the address. ZERO_RESULTS is a clean no, not an error.
func (c *Client) StreetCoverage(ctx context.Context, address string) (bool, error) {
	params := url.Values{}
	params.Set("location", address)
	params.Set("key", c.apiKey)

	body, err := c.get(ctx, "/maps/api/streetview/metadata", params)
	if err != nil {
		return false, fmt.Errorf("street metadata: %w", err)
	}

	var meta struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return false, fmt.Errorf("decode street metadata: %w", err)
	}

	switch meta.Status {
	case "OK":
		return true, nil
	case "ZERO_RESULTS", "NOT_FOUND":
		return false, nil
	default:
		return false, fmt.Errorf("street metadata status %s", meta.Status)
	}
}

// FetchStreet downloads the street-level photo for the address.
func (c *Client) FetchStreet(ctx context.Context, address string) ([]byte, string, error) {
	params := url.Values{}
	params.Set("location", address)
	params.Set("size", "640x480")
	params.Set("fov", "90")
	params.Set("key", c.apiKey)

	return c.getImage(ctx, "/maps/api/streetview", params)
}

// OverheadCoverage reports whether the address geocodes at all. An address
// the provider cannot place has no overhead imagery either.
func (c *Client) OverheadCoverage(ctx context.Context, address string) (bool, error) {
	params := url.Values{}
	params.Set("address", address)
	params.Set("key", c.apiKey)

	body, err := c.get(ctx, "/maps/api/geocode/json", params)
	if err != nil {
		return false, fmt.Errorf("geocode: %w", err)
	}

	var geo struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &geo); err != nil {
		return false, fmt.Errorf("decode geocode response: %w", err)
	}

	switch geo.Status {
	case "OK":
		return true, nil
	case "ZERO_RESULTS":
		return false, nil
	default:
		return false, fmt.Errorf("geocode status %s", geo.Status)
	}
}

// FetchOverhead downloads a satellite view centered on the address.
func (c *Client) FetchOverhead(ctx context.Context, address string) ([]byte, string, error) {
	params := url.Values{}
	params.Set("center", address)
	params.Set("zoom", "20")
	params.Set("size", "640x480")
	params.Set("maptype", "satellite")
	params.Set("key", c.apiKey)

	return c.getImage(ctx, "/maps/api/staticmap", params)
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	fullURL := c.baseURL + endpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("imagery request failed", "endpoint", endpoint, "status", resp.StatusCode, "body", truncateBody(body))
		return nil, fmt.Errorf("imagery error: status=%d body=%s", resp.StatusCode, truncateBody(body))
	}
	return body, nil
}

func (c *Client) getImage(ctx context.Context, endpoint string, params url.Values) ([]byte, string, error) {
	fullURL := c.baseURL + endpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("imagery fetch failed", "endpoint", endpoint, "status", resp.StatusCode, "body", truncateBody(body))
		return nil, "", fmt.Errorf("imagery error: status=%d body=%s", resp.StatusCode, truncateBody(body))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("unexpected content type %q from %s", contentType, endpoint)
	}
	return body, contentType, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
