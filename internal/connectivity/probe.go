package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

var errMissingProbeURL = errors.New("probe url is required")

// HTTPProbe treats any non-5xx answer from URL as online.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// NewHTTPProbe constructs a probe with its own short-timeout client when none is given.
func NewHTTPProbe(url string, client *http.Client) (*HTTPProbe, error) {
	if url == "" {
		return nil, errMissingProbeURL
	}
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	return &HTTPProbe{URL: url, Client: client}, nil
}

// Online performs one GET against the probe URL.
func (p *HTTPProbe) Online(ctx context.Context) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, err
	}
	response, err := p.Client.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode >= http.StatusInternalServerError {
		return false, fmt.Errorf("probe returned status %d", response.StatusCode)
	}
	return true, nil
}

// StaticSource reports a fixed state. It backs the CLI's offline mode.
type StaticSource bool

// Online returns the fixed state.
func (s StaticSource) Online(context.Context) (bool, error) {
	return bool(s), nil
}
