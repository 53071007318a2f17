package clients

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
)

// ErrUnauthorized is returned when a request is still rejected with 401
// after one credential refresh. The message carries the Unauthorized marker
// the task runner treats as terminal.
var ErrUnauthorized = errors.New(errors.ErrorTypeAuthentication, "Unauthorized: credentials rejected after refresh")

// RefreshFunc obtains a new access token, persisting it as a side effect
type RefreshFunc func(ctx context.Context) (string, error)

// HTTPConfig configures a connector HTTP client
type HTTPConfig struct {
	// Name labels rate limiter metrics and logs, usually the stream name
	Name              string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxIdleConns      int
	IdleConnTimeout   time.Duration
}

// DefaultHTTPConfig returns sensible defaults for provider APIs
func DefaultHTTPConfig(name string) HTTPConfig {
	return HTTPConfig{
		Name:            name,
		Timeout:         30 * time.Second,
		Burst:           1,
		MaxIdleConns:    32,
		IdleConnTimeout: 90 * time.Second,
	}
}

// NewHTTPClient builds an *http.Client that waits on a per-connector rate
// limiter before every request and authenticates with accessToken,
// refreshing it at most once per request on a 401.
func NewHTTPClient(cfg HTTPConfig, accessToken string, refresh RefreshFunc) *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	var rt http.RoundTripper = &RateLimitedTransport{
		Base:    base,
		Limiter: NewRateLimiter(cfg.Name, cfg.RequestsPerSecond, cfg.Burst),
	}
	if accessToken != "" || refresh != nil {
		rt = NewAuthTransport(rt, cfg.Name, accessToken, refresh)
	}

	return &http.Client{Transport: rt, Timeout: cfg.Timeout}
}

// RateLimitedTransport waits on Limiter before delegating to Base
type RateLimitedTransport struct {
	Base    http.RoundTripper
	Limiter RateLimiter
}

// RoundTrip implements http.RoundTripper
func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(req.Context()); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRateLimit, "rate limiter wait aborted")
	}
	return t.base().RoundTrip(req)
}

func (t *RateLimitedTransport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

// AuthTransport sets a bearer token on every request. On a 401 it calls
// refresh once, retries the request with the new token and, if the retry
// is also rejected, fails with ErrUnauthorized.
type AuthTransport struct {
	base    http.RoundTripper
	name    string
	refresh RefreshFunc
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewAuthTransport creates an AuthTransport
func NewAuthTransport(base http.RoundTripper, name, token string, refresh RefreshFunc) *AuthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &AuthTransport{
		base:    base,
		name:    name,
		refresh: refresh,
		token:   token,
		logger:  logger.Get().With(zap.String("component", "auth_transport"), zap.String("client", name)),
	}
}

// Token returns the access token currently in use
func (t *AuthTransport) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// RoundTrip implements http.RoundTripper
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.refresh != nil && req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		buffered, err := replayable(req)
		if err != nil {
			return nil, err
		}
		req = buffered
	}

	resp, err := t.base.RoundTrip(t.authorize(req, t.Token()))
	if err != nil || resp.StatusCode != http.StatusUnauthorized || t.refresh == nil {
		return resp, err
	}
	drain(resp)

	newToken, err := t.refresh(req.Context())
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(t.name, "reactive", "failure").Inc()
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "Unauthorized: token refresh failed")
	}
	metrics.TokenRefreshes.WithLabelValues(t.name, "reactive", "success").Inc()
	t.logger.Info("access token refreshed after 401")

	t.mu.Lock()
	t.token = newToken
	t.mu.Unlock()

	retry := t.authorize(req, newToken)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to rewind request body")
		}
		retry.Body = body
	}

	resp, err = t.base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return nil, ErrUnauthorized
	}
	return resp, nil
}

func (t *AuthTransport) authorize(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return out
}

// replayable buffers the body of req so it can be sent again after a refresh
func replayable(req *http.Request) (*http.Request, error) {
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read request body")
	}
	out := req.Clone(req.Context())
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.Body, _ = out.GetBody()
	out.ContentLength = int64(len(body))
	return out, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
