package offlinekit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const tracerName = "github.com/LuminPulse-AI/offlinekit"

// ============================================================================
// Configuration
// ============================================================================

// RateLimit allows Requests calls per Window. Requests <= 0 disables limiting.
type RateLimit struct {
	Requests int           `json:"requests" mapstructure:"requests"`
	Window   time.Duration `json:"window" mapstructure:"window"`
}

// CachePolicy is applied to cacheable responses of a service.
type CachePolicy struct {
	TTL  time.Duration `json:"ttl" mapstructure:"ttl"`
	Tags []string      `json:"tags" mapstructure:"tags"`
}

// ServiceConfig is the static registration of an external service.
type ServiceConfig struct {
	BaseURL     string            `json:"baseUrl" mapstructure:"base_url"`
	Token       string            `json:"-" mapstructure:"token"`
	RateLimit   RateLimit         `json:"rateLimit" mapstructure:"rate_limit"`
	CachePolicy CachePolicy       `json:"cachePolicy" mapstructure:"cache_policy"`
	Headers     map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	// Timeout bounds each attempt. Zero leaves timing to the caller's context.
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// RequestOptions controls a single gateway request.
type RequestOptions struct {
	Method   string
	Body     any
	Headers  map[string]string
	Query    map[string]string
	// UseCache applies to GETs, or to any method when CacheKey is set.
	UseCache bool
	CacheKey string
	Retry    bool
}

// RetryPolicy is exponential backoff: min(MaxDelay, BaseDelay * 2^(attempt-1)).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	HTTPClient     *http.Client
	Clock          Clock
	Logger         *zap.Logger
	Retry          RetryPolicy
	TracerProvider trace.TracerProvider
}

// GatewayStats counts gateway outcomes since construction.
type GatewayStats struct {
	Requests    int64 `json:"requests"`
	CacheHits   int64 `json:"cacheHits"`
	Retries     int64 `json:"retries"`
	RateLimited int64 `json:"rateLimited"`
	Failures    int64 `json:"failures"`
}

// ============================================================================
// Gateway
// ============================================================================

// Gateway dispatches requests to registered services with per-service rate
// limiting, retry with backoff and response caching.
type Gateway struct {
	cache      *Cache
	httpClient *http.Client
	clock      Clock
	log        *zap.Logger
	retry      RetryPolicy
	tracer     trace.Tracer

	mu       sync.Mutex
	services map[string]*service

	requests    atomic.Int64
	cacheHits   atomic.Int64
	retries     atomic.Int64
	rateLimited atomic.Int64
	failures    atomic.Int64
}

type service struct {
	name   string
	cfg    ServiceConfig
	window rateWindow
}

type rateWindow struct {
	start    time.Time
	count    int
	inFlight int
}

// NewGateway creates a gateway. cache may be nil to disable response caching.
func NewGateway(cache *Cache, opts *GatewayOptions) *Gateway {
	g := &Gateway{
		cache:    cache,
		services: make(map[string]*service),
	}
	var tp trace.TracerProvider
	if opts != nil {
		g.httpClient = opts.HTTPClient
		g.clock = opts.Clock
		g.log = opts.Logger
		g.retry = opts.Retry
		tp = opts.TracerProvider
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{}
	}
	if g.clock == nil {
		g.clock = SystemClock{}
	}
	if g.retry.MaxAttempts <= 0 {
		g.retry.MaxAttempts = 3
	}
	if g.retry.BaseDelay <= 0 {
		g.retry.BaseDelay = time.Second
	}
	if g.retry.MaxDelay <= 0 {
		g.retry.MaxDelay = 10 * time.Second
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	g.tracer = tp.Tracer(tracerName)
	g.log = nopIfNil(g.log)
	return g
}

// RegisterService adds or replaces a service. Replacing resets its window.
func (g *Gateway) RegisterService(name string, cfg ServiceConfig) error {
	if name == "" {
		return errors.New("service name is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return fmt.Errorf("service %q: invalid base URL %q", name, cfg.BaseURL)
	}
	if cfg.RateLimit.Requests > 0 && cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("service %q: rate limit window must be positive", name)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	g.mu.Lock()
	defer g.mu.Unlock()
	g.services[name] = &service{name: name, cfg: cfg}
	return nil
}

// Services lists registered service names, sorted.
func (g *Gateway) Services() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.services))
	for n := range g.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{
		Requests:    g.requests.Load(),
		CacheHits:   g.cacheHits.Load(),
		Retries:     g.retries.Load(),
		RateLimited: g.rateLimited.Load(),
		Failures:    g.failures.Load(),
	}
}

// Request calls endpoint on the named service. A full window fails fast with
// a *RateLimitError; a live cache entry is returned without a call; transient
// failures are retried when opts.Retry is set.
func (g *Gateway) Request(ctx context.Context, name, endpoint string, opts *RequestOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := g.tracer.Start(ctx, "gateway.request", trace.WithAttributes(
		attribute.String("gateway.service", name),
		attribute.String("gateway.endpoint", endpoint),
		attribute.String("http.method", method),
	))
	defer span.End()
	g.requests.Inc()

	svc, err := g.lookup(name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := g.reserve(svc); err != nil {
		g.rateLimited.Inc()
		span.SetStatus(codes.Error, err.Error())
		g.log.Info("request rejected by rate limit", zap.String("service", name), zap.String("endpoint", endpoint))
		return nil, err
	}

	cacheKey, cacheable := requestCacheKey(name, method, endpoint, opts)
	useCache := opts.UseCache && cacheable && g.cache != nil
	if useCache {
		if v, ok := g.cache.Get(cacheKey); ok {
			g.release(svc, false)
			g.cacheHits.Inc()
			span.SetAttributes(attribute.Bool("gateway.cache_hit", true))
			return toRawJSON(v)
		}
	}

	data, err := g.doWithRetry(ctx, svc, method, endpoint, opts, span)
	g.release(svc, err == nil)
	if err != nil {
		g.failures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if useCache {
		tags := append([]string{name}, svc.cfg.CachePolicy.Tags...)
		g.cache.Set(cacheKey, data, &SetOptions{TTL: svc.cfg.CachePolicy.TTL, Tags: tags})
	}
	return data, nil
}

// requestCacheKey derives the cache key for a request. An explicit CacheKey
// always wins; otherwise only GETs are cacheable, keyed by service, endpoint,
// encoded query and a digest of any body.
func requestCacheKey(name, method, endpoint string, opts *RequestOptions) (string, bool) {
	if opts.CacheKey != "" {
		return opts.CacheKey, true
	}
	if method != http.MethodGet {
		return "", false
	}
	key := name + ":" + method + ":" + endpoint
	if len(opts.Query) > 0 {
		params := url.Values{}
		for k, v := range opts.Query {
			params.Set(k, v)
		}
		key += "?" + params.Encode()
	}
	if opts.Body != nil {
		b, err := json.Marshal(opts.Body)
		if err != nil {
			return "", false
		}
		sum := sha256.Sum256(b)
		key += "#" + hex.EncodeToString(sum[:8])
	}
	return key, true
}

func (g *Gateway) lookup(name string) (*service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	svc, ok := g.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return svc, nil
}

// reserve claims a slot in the current window. In-flight requests count
// against the limit so concurrent callers cannot overshoot it.
func (g *Gateway) reserve(svc *service) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	limit := svc.cfg.RateLimit
	w := &svc.window
	if limit.Requests <= 0 {
		w.inFlight++
		return nil
	}
	now := g.clock.Now()
	if now.Sub(w.start) >= limit.Window {
		w.start = now
		w.count = 0
	}
	if w.count+w.inFlight >= limit.Requests {
		return &RateLimitError{
			Service:    svc.name,
			Limit:      limit.Requests,
			RetryAfter: w.start.Add(limit.Window).Sub(now),
		}
	}
	w.inFlight++
	return nil
}

// release frees the slot; a successful request is counted in the window.
func (g *Gateway) release(svc *service, succeeded bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := &svc.window
	if w.inFlight > 0 {
		w.inFlight--
	}
	if !succeeded || svc.cfg.RateLimit.Requests <= 0 {
		return
	}
	now := g.clock.Now()
	if now.Sub(w.start) >= svc.cfg.RateLimit.Window {
		w.start = now
		w.count = 0
	}
	w.count++
}

func (g *Gateway) doWithRetry(ctx context.Context, svc *service, method, endpoint string, opts *RequestOptions, span trace.Span) (json.RawMessage, error) {
	maxAttempts := 1
	if opts.Retry {
		maxAttempts = g.retry.MaxAttempts
	}
	for attempt := 1; ; attempt++ {
		span.SetAttributes(attribute.Int("gateway.attempt", attempt))
		data, err := g.do(ctx, svc, method, endpoint, opts)
		if err == nil {
			return data, nil
		}

		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			return nil, err
		}
		netErr.Attempts = attempt
		if attempt >= maxAttempts || ctx.Err() != nil {
			return nil, err
		}

		delay := g.retry.Delay(attempt)
		g.retries.Inc()
		g.log.Warn("request failed, retrying",
			zap.String("service", svc.name),
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := g.clock.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry %s%s: %w", svc.name, endpoint, err)
		}
	}
}

func (g *Gateway) do(ctx context.Context, svc *service, method, endpoint string, opts *RequestOptions) (json.RawMessage, error) {
	u := svc.cfg.BaseURL + endpoint
	if len(opts.Query) > 0 {
		params := url.Values{}
		for k, v := range opts.Query {
			params.Set(k, v)
		}
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		u += sep + params.Encode()
	}

	var bodyReader io.Reader
	if opts.Body != nil {
		b, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	if svc.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, svc.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range svc.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if svc.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+svc.cfg.Token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Service: svc.name, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Service: svc.name, Endpoint: endpoint, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case isTransientStatus(resp.StatusCode):
		return nil, &NetworkError{Service: svc.name, Endpoint: endpoint, StatusCode: resp.StatusCode}
	default:
		return nil, &ValidationError{
			Service:    svc.name,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 512),
		}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, &ValidationError{
			Service:    svc.name,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       "response is not valid JSON",
		}
	}
	return json.RawMessage(body), nil
}

func toRawJSON(v any) (json.RawMessage, error) {
	switch tv := v.(type) {
	case json.RawMessage:
		return tv, nil
	case []byte:
		return json.RawMessage(tv), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode cached value: %w", err)
		}
		return b, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
