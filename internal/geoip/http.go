package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"grimm.is/warden/internal/brand"
)

// HTTPSource queries an ip-api compatible JSON endpoint.
type HTTPSource struct {
	client  *http.Client
	pattern string
}

// NewHTTPSource creates a source. pattern must contain one %s for the
// address.
func NewHTTPSource(pattern string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		client:  &http.Client{Timeout: timeout},
		pattern: pattern,
	}
}

type apiResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
}

// Lookup implements Source.
func (s *HTTPSource) Lookup(ctx context.Context, ip string) (Info, error) {
	info, _, err := s.lookup(ctx, ip)
	return info, err
}

// lookup also returns the remaining request budget advertised by the API
// in X-Rl, or -1 when the header is absent.
func (s *HTTPSource) lookup(ctx context.Context, ip string) (Info, int, error) {
	endpoint := fmt.Sprintf(s.pattern, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Info{}, -1, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", brand.UserAgent(brand.Version))
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Info{}, -1, fmt.Errorf("lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	remaining := -1
	if v := resp.Header.Get("X-Rl"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			remaining = n
		}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Info{}, 0, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return Info{}, remaining, fmt.Errorf("lookup %s: unexpected status %d", ip, resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return Info{}, remaining, fmt.Errorf("decoding lookup for %s: %w", ip, err)
	}
	if body.Status != "success" {
		return Info{}, remaining, fmt.Errorf("lookup %s: %s", ip, body.Message)
	}

	return Info{
		Country:     body.Country,
		CountryCode: body.CountryCode,
		City:        body.City,
		ISP:         body.ISP,
		Org:         body.Org,
		Source:      SourcePrimary,
	}, remaining, nil
}
