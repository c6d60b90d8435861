package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/signing"
)

const (
	// DefaultBaseURL is the Catlink cloud API base URL.
	DefaultBaseURL = "https://app.catlinks.cn/api/"

	// DefaultTimeout bounds every request, including reading the body.
	DefaultTimeout = 60 * time.Second

	// DefaultLanguage is sent in the language header.
	DefaultLanguage = "zh_CN"

	userAgent = "okhttp/3.10.0"
)

// Method selects how signed parameters travel.
type Method string

const (
	MethodGet  Method = "GET"
	MethodPost Method = "POST"
	// MethodPostGet sends a POST with the signed parameters in the query
	// string and an empty body. Some endpoints only accept this form.
	MethodPostGet Method = "POST_GET"
)

// ErrDecode is returned when the server answers with something that is not a JSON object.
var ErrDecode = errors.New("transport: decode response")

// Params are request parameters before nonce, token and sign are injected.
type Params map[string]string

// Clone returns a shallow copy, never nil.
func (p Params) Clone() Params {
	out := make(Params, len(p)+3)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Doer sends a signed request. Implemented by *Client; tests and the auth
// layer depend on this instead of the concrete type.
type Doer interface {
	Request(ctx context.Context, path string, params Params, method Method, token string) (Response, error)
}

// Client performs signed HTTP requests against the Catlink API.
type Client struct {
	baseURL    string
	language   string
	signKey    string
	httpClient *http.Client
	now        func() time.Time
	log        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLanguage overrides the language header.
func WithLanguage(lang string) Option {
	return func(c *Client) {
		if lang != "" {
			c.language = lang
		}
	}
}

// WithSignKey overrides the shared signing secret.
func WithSignKey(key string) Option {
	return func(c *Client) {
		c.signKey = key
	}
}

// WithClock overrides the nonce clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates an API transport.
func NewClient(log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		language:   DefaultLanguage,
		signKey:    signing.SignKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		now:        time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL resolves path against the base URL. Absolute http(s) paths are returned as-is.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "https:") || strings.HasPrefix(path, "http:") {
		return path
	}
	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Request signs params and sends them. Connection errors and timeouts are
// logged and yield an empty Response with a nil error. Cancellation of ctx
// is returned as ctx.Err().
func (c *Client) Request(ctx context.Context, path string, params Params, method Method, token string) (Response, error) {
	signed := params.Clone()
	signed["noncestr"] = strconv.FormatInt(c.now().UnixMilli(), 10)
	if token != "" {
		signed["token"] = token
	}
	signed["sign"] = signing.SignWithKey(signed, c.signKey)

	endpoint := c.URL(path)
	form := url.Values{}
	for k, v := range signed {
		form.Set(k, v)
	}

	var (
		verb string
		body io.Reader
	)
	switch method {
	case MethodPost:
		verb = http.MethodPost
		body = strings.NewReader(form.Encode())
	case MethodPostGet:
		verb = http.MethodPost
		endpoint += "?" + form.Encode()
	default:
		verb = http.MethodGet
		endpoint += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, verb, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request %s: %w", path, err)
	}
	req.Header.Set("language", c.language)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Error("request api failed", "method", string(method), "path", path, "error", err)
		return Response{}, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Error("read api response failed", "method", string(method), "path", path, "error", err)
		return Response{}, nil
	}

	c.log.Debug("api response",
		"method", string(method),
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	return decode(data)
}

func decode(data []byte) (Response, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Response{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out Response
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if out == nil {
		out = Response{}
	}
	return out, nil
}
