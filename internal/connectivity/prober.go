// Package connectivity tracks whether the backend is reachable and fans
// transitions out to subscribers.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNoSignal is returned by a Prober when it cannot tell either way, for
// example because it is misconfigured. The Monitor treats it as "unknown".
var ErrNoSignal = errors.New("connectivity: no signal")

// Prober reports whether the network is reachable. A non-nil error means
// the answer is unknown and reachable must be ignored.
type Prober interface {
	Probe(ctx context.Context) (reachable bool, err error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) (bool, error)

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) (bool, error) { return f(ctx) }

// HTTPProber sends a HEAD request to URL. Any HTTP response, whatever the
// status, counts as reachable. A transport failure counts as unreachable.
type HTTPProber struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber returns a prober for url with a short request timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Timeout: 5 * time.Second}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (bool, error) {
	if p.URL == "" {
		return false, ErrNoSignal
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: building probe request: %v", ErrNoSignal, err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// The parent context going away says nothing about the network.
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return false, fmt.Errorf("%w: %v", ErrNoSignal, ctx.Err())
		}
		return false, nil
	}
	resp.Body.Close()
	return true, nil
}
