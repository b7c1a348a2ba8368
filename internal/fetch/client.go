// Package fetch issues single page requests against the fare site.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Request struct {
	Method string
	URL    string
	Params url.Values
}

type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindHTTPStatus ErrorKind = "http_status"
	KindTooLarge   ErrorKind = "too_large"
)

// Error is returned for every failed fetch.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	// Limit is the body cap that a KindTooLarge response went over.
	Limit int64
	Err   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	case KindTooLarge:
		return fmt.Sprintf("fetch %s: body exceeds %d bytes", e.URL, e.Limit)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether repeating the request later may succeed.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindTooLarge:
		return false
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

type Config struct {
	Timeout      time.Duration
	UserAgent    string
	Origin       string
	Referer      string
	AuthToken    string
	MaxBodyBytes int64
}

type Client struct {
	hc      *http.Client
	headers http.Header
	maxBody int64
	log     *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := http.Header{}
	h.Set("Accept", "*/*")
	if cfg.UserAgent != "" {
		h.Set("User-Agent", cfg.UserAgent)
	}
	if cfg.Origin != "" {
		h.Set("Origin", cfg.Origin)
	}
	if cfg.Referer != "" {
		h.Set("Referer", cfg.Referer)
	}
	if cfg.AuthToken != "" {
		h.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	return &Client{
		hc:      &http.Client{Timeout: cfg.Timeout},
		headers: h,
		maxBody: cfg.MaxBodyBytes,
		log:     log,
	}
}

// FetchPage performs one request and returns the raw body of a 200 response.
func (c *Client) FetchPage(ctx context.Context, req Request) ([]byte, error) {
	if req.URL == "" {
		return nil, errors.New("fetch: empty url")
	}
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &Error{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, URL: req.URL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: err}
	}
	if int64(len(body)) > c.maxBody {
		return nil, &Error{Kind: KindTooLarge, URL: req.URL, Limit: c.maxBody}
	}
	c.log.Debug("page fetched",
		zap.String("url", req.URL),
		zap.Int("bytes", len(body)),
		zap.Duration("took", time.Since(start)))
	return body, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var (
		target = req.URL
		body   io.Reader
	)
	switch method {
	case http.MethodGet:
		if len(req.Params) > 0 {
			u, err := url.Parse(req.URL)
			if err != nil {
				return nil, err
			}
			q := u.Query()
			for k, vs := range req.Params {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
			target = u.String()
		}
	case http.MethodPost:
		body = strings.NewReader(req.Params.Encode())
	default:
		return nil, errors.Errorf("unsupported method %q", req.Method)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.headers {
		httpReq.Header[k] = append([]string(nil), vs...)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return httpReq, nil
}
