package liferay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// BatchEngineBase is the application base of the headless batch engine.
const BatchEngineBase = "/headless-batch-engine"

const defaultUserAgent = "batchbridge/1.0"

// ErrUnresolvedPathParam is returned when a path template still contains a
// placeholder after substitution.
var ErrUnresolvedPathParam = errors.New("unresolved path parameter")

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the portal root, e.g. https://portal.example.com.
	BaseURL string

	// Auth is applied to every request. Nil means no authentication.
	Auth Auth

	UserAgent string

	// RateLimit is the maximum number of requests per second. Zero disables
	// client-side limiting.
	RateLimit float64
	RateBurst int

	// Transport allows injecting a custom round tripper (tests, proxies).
	Transport http.RoundTripper
}

// Request describes one call against a headless application.
type Request struct {
	// AppBase is the JAX-RS application base, e.g. BatchEngineBase.
	AppBase string

	// Path is a template such as /v1.0/export-task/{exportTaskId}.
	Path       string
	PathParams map[string]string
	Query      url.Values

	Body        io.Reader
	ContentType string

	// Timeout bounds this single call, including reading the body. Zero
	// means no per-call timeout.
	Timeout time.Duration
}

// Response is a remote response whose body has not been read yet. Callers
// must close Body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// IsSuccess reports whether the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client performs authenticated calls against the portal.
type Client struct {
	base       *url.URL
	auth       Auth
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL scheme %q is not http or https", base.Scheme)
	}

	c := &Client{
		base:       base,
		auth:       cfg.Auth,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Transport: cfg.Transport},
	}
	if c.auth == nil {
		c.auth = NoAuth{}
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, req Request) (*Response, error) {
	return c.Do(ctx, http.MethodGet, req)
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, req Request) (*Response, error) {
	return c.Do(ctx, http.MethodPost, req)
}

// Do executes a single request. Transport failures are returned as errors;
// non-2xx responses are not, that is the validator's job.
func (c *Client) Do(ctx context.Context, method string, req Request) (*Response, error) {
	target, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	cancel := context.CancelFunc(func() {})
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, req.Body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept", "application/json")
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if err := c.auth.Apply(httpReq); err != nil {
		cancel()
		return nil, fmt.Errorf("apply auth: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s %s: %w", method, httpReq.URL.Path, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// resolve builds the absolute URL for req.
func (c *Client) resolve(req Request) (string, error) {
	path, err := ExpandPath(req.Path, req.PathParams)
	if err != nil {
		return "", err
	}
	escaped, _ := expand(req.Path, req.PathParams, url.PathEscape)

	u := *c.base
	u.Path = c.base.Path + req.AppBase + path
	u.RawPath = c.base.EscapedPath() + req.AppBase + escaped
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	return u.String(), nil
}

// ExpandPath substitutes {name} placeholders in tmpl with the matching
// parameter values.
func ExpandPath(tmpl string, params map[string]string) (string, error) {
	return expand(tmpl, params, func(s string) string { return s })
}

func expand(tmpl string, params map[string]string, escape func(string) string) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		name := rest[open+1 : open+end]
		v, ok := params[name]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnresolvedPathParam, name)
		}
		b.WriteString(rest[:open])
		b.WriteString(escape(v))
		rest = rest[open+end+1:]
	}
}

// cancelOnClose releases the per-call timeout once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
