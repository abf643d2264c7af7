package ingest

import (
	"errors"
	"net/http"
	"time"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultRetryMax = 2
	userAgent       = "errmap/1.0"
)

// Transport adds a fixed User-Agent and bounded retry to a base transport.
// Only replayable requests (GET/HEAD without a body) are retried, and only on
// transport errors; HTTP status codes are returned as-is.
type Transport struct {
	Base http.RoundTripper

	// RetryMax is the number of retries after the first attempt.
	RetryMax int
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	max := t.RetryMax
	if max < 0 {
		max = 0
	}
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Body == nil
	if !canRetry {
		max = 0
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", userAgent)
		}

		resp, err := base.RoundTrip(r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// NewClient returns the HTTP client used to fetch source documents.
func NewClient() *http.Client {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{
		Transport: &Transport{Base: base, RetryMax: defaultRetryMax},
		Timeout:   defaultTimeout,
	}
}
