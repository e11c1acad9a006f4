// Package collyfetcher is the raw HTTP transport: one GET per call through a gocolly collector.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
)

// ErrBodyTooLarge is returned when a response exceeds Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// BodyTooLargeError wraps ErrBodyTooLarge with the offending URL. The same URL
// will not shrink on retry, so it reports itself as permanent.
type BodyTooLargeError struct {
	URL   string
	Limit int
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("GET %s: %v (%d bytes)", e.URL, ErrBodyTooLarge, e.Limit)
}

func (e *BodyTooLargeError) Unwrap() error { return ErrBodyTooLarge }

// Permanent marks the failure as not worth retrying.
func (e *BodyTooLargeError) Permanent() bool { return true }

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	// Header is added to every request.
	Header http.Header
}

// Response is a completed GET.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL    string
	Code   int
	Header http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.Code }

// RateLimited reports whether a 403 or 429 was a quota refusal.
func (e *StatusError) RateLimited() bool {
	if e.Code == http.StatusTooManyRequests {
		return true
	}
	if e.Code != http.StatusForbidden || e.Header == nil {
		return false
	}
	if e.Header.Get("Retry-After") != "" {
		return true
	}
	remaining, err := strconv.Atoi(e.Header.Get("X-RateLimit-Remaining"))
	return err == nil && remaining == 0
}

// Fetcher issues GET requests using a Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil transport selects a pooled default.
func New(cfg Config, transport http.RoundTripper) *Fetcher {
	if transport == nil {
		transport = newHTTPTransport()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Get fetches url. Non-2xx responses are returned together with a *StatusError.
func (f *Fetcher) Get(ctx context.Context, url string) (Response, error) {
	var (
		result   Response
		fetchErr error
	)
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return Response{}, err
	}
	if f.cfg.MaxBodyBytes > 0 && len(result.Body) > f.cfg.MaxBodyBytes {
		return Response{}, &BodyTooLargeError{URL: url, Limit: f.cfg.MaxBodyBytes}
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return result, &StatusError{URL: url, Code: result.StatusCode, Header: result.Header}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if f.cfg.MaxBodyBytes > 0 {
		// One extra byte distinguishes "exactly at the limit" from "truncated".
		collector.MaxBodySize = f.cfg.MaxBodyBytes + 1
	}
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, result *Response, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Header {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var header http.Header
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		url := ""
		if r.Request != nil && r.Request.URL != nil {
			url = r.Request.URL.String()
		}
		*result = Response{
			URL:        url,
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 && result.StatusCode == 0 {
			var header http.Header
			if r.Headers != nil {
				header = r.Headers.Clone()
			}
			*result = Response{StatusCode: r.StatusCode, Header: header, Duration: time.Since(start)}
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
