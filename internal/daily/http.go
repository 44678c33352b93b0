package daily

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// HTTPSource fetches GET <base>/daily/<date> from a remote puzzle service.
type HTTPSource struct {
	baseURL string
	http    *fasthttp.Client
	headers map[string]string

	timeout  time.Duration
	retryMax int
}

type HTTPOption func(*HTTPSource)

func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSource) { s.timeout = d }
}

func WithRetry(max int) HTTPOption {
	return func(s *HTTPSource) { s.retryMax = max }
}

func WithHeader(k, v string) HTTPOption {
	return func(s *HTTPSource) { s.headers[k] = v }
}

func NewHTTPSource(baseURL string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		headers:  make(map[string]string),
		timeout:  5 * time.Second,
		retryMax: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSource) GetChallenge(ctx context.Context, date string) (*Challenge, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(s.baseURL + "/daily/" + url.PathEscape(date))
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
			req.Header.Set(k, v)
		}
	}

	attempts := s.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.http.DoDeadline(req, resp, s.deadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("daily request: %w", err)
		} else {
			status := resp.StatusCode()
			switch {
			case status == fasthttp.StatusNotFound:
				return nil, ErrNotFound
			case status >= 200 && status < 300:
				var c Challenge
				if err := json.Unmarshal(resp.Body(), &c); err != nil {
					return nil, fmt.Errorf("decode challenge: %w", err)
				}
				if c.Date == "" {
					c.Date = date
				}
				return &c, nil
			default:
				lastErr = fmt.Errorf("daily api error: status=%d body=%s", status, truncate(string(resp.Body()), 256))
				if !shouldRetryStatus(status) {
					return nil, lastErr
				}
			}
		}
		if attempt == attempts {
			break
		}
		if err := sleepWithContext(ctx, backoffDuration(attempt)); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (s *HTTPSource) deadline(ctx context.Context) time.Time {
	dl := time.Now().Add(s.timeout)
	if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(dl) {
		return ctxDL
	}
	return dl
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
