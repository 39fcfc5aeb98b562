// Package httpclient provides the outbound HTTP client shared by tool
// transports. Every request is gated through a per-host circuit breaker
// so one dead endpoint cannot soak up worker time for the rest.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/yoda-digital/ordinaut/internal/shared/logging"
)

// New returns an http.Client for outbound tool calls. The client timeout
// is a backstop; per-step deadlines ride on the request context.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.RoundTripper(http.DefaultTransport)
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = base.Clone()
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// NewWithBreakers builds a client whose transport routes every request
// through a circuit breaker keyed by host.
func NewWithBreakers(timeout time.Duration, config BreakerConfig, logger logging.Logger) *http.Client {
	client := New(timeout)
	client.Transport = WrapTransport(client.Transport, config, logger)
	return client
}

// WrapTransport adds per-host circuit breaking to an existing transport.
func WrapTransport(base http.RoundTripper, config BreakerConfig, logger logging.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &breakerTransport{
		base:     base,
		config:   config,
		logger:   logging.OrNop(logger),
		breakers: map[string]*Breaker{},
	}
}

type breakerTransport struct {
	base   http.RoundTripper
	config BreakerConfig
	logger logging.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	br := t.breakerFor(req.URL.Host)
	if err := br.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Caller-initiated cancellation says nothing about endpoint health.
			br.Mark(nil)
			return nil, err
		}
		br.Mark(err)
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		br.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		br.Mark(nil)
	}
	return resp, nil
}

func (t *breakerTransport) breakerFor(host string) *Breaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	br, ok := t.breakers[host]
	if !ok {
		br = NewBreaker(host, t.config, t.logger)
		t.breakers[host] = br
	}
	return br
}

// Transport errors and gateway-class statuses count against the breaker;
// 4xx tool rejections are a healthy endpoint saying no.
func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
