// Package rest issues authenticated JSON calls against the backend control
// plane. It owns the session token, repeats calls on overload, re-logs in
// once on authorization failures and translates HTTP statuses into the api
// error taxonomy.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/clock"
	"pkt.systems/fabric/internal/correlation"
	"pkt.systems/fabric/internal/ids"
	"pkt.systems/fabric/internal/svcfields"
	"pkt.systems/pslog"
)

// Header names understood by the backend.
const (
	HeaderAuthToken = "Auth-Token"
	HeaderTenant    = "tenant"
	HeaderClient    = "Fabric-Client"
	HeaderRequestID = "X-Request-Id"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultHTTPTimeout      = 60 * time.Second
	DefaultOverloadTimeout  = 120 * time.Second
	DefaultOverloadInterval = 5 * time.Second
	maxResponseBytes        = 16 << 20
)

// RetryPolicy bounds overload retries. The same request is repeated up to
// Timeout/Interval times (rounded down) with a fixed Interval between
// attempts.
type RetryPolicy struct {
	Timeout  time.Duration
	Interval time.Duration
}

// Attempts returns the number of retries allowed after the first request.
func (p RetryPolicy) Attempts() int {
	if p.Timeout <= 0 || p.Interval <= 0 {
		return 0
	}
	return int(p.Timeout / p.Interval)
}

// DefaultRetryPolicy returns the 120s / 5s overload policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Timeout: DefaultOverloadTimeout, Interval: DefaultOverloadInterval}
}

// Credentials authenticate the session. An empty Username disables login.
type Credentials struct {
	Username string
	Password string
}

// Config configures an Executor.
type Config struct {
	// BaseURL is scheme://host:port without a trailing slash.
	BaseURL     string
	HTTPClient  *http.Client
	Credentials Credentials
	// Retry holds per-version overload policies; versions without an entry
	// use DefaultRetry.
	Retry        map[api.Version]RetryPolicy
	DefaultRetry RetryPolicy
	HTTPTimeout  time.Duration
	// ClientName is sent in the Fabric-Client header.
	ClientName string
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Executor issues requests. It is safe for concurrent use.
type Executor struct {
	baseURL     string
	httpClient  *http.Client
	creds       Credentials
	retry       map[api.Version]RetryPolicy
	defRetry    RetryPolicy
	httpTimeout time.Duration
	clientName  string
	clock       clock.Clock
	logger      pslog.Logger
	session     Session
	metrics     *restMetrics
	tracer      trace.Tracer
}

// New constructs an Executor from cfg.
func New(cfg Config) (*Executor, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("rest: base url required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("rest: parse base url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("rest: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("rest: base url %q missing host", base)
	}
	e := &Executor{
		baseURL:     base,
		httpClient:  cfg.HTTPClient,
		creds:       cfg.Credentials,
		retry:       make(map[api.Version]RetryPolicy, len(cfg.Retry)),
		defRetry:    cfg.DefaultRetry,
		httpTimeout: cfg.HTTPTimeout,
		clientName:  cfg.ClientName,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("pkt.systems/fabric/rest"),
	}
	for v, p := range cfg.Retry {
		e.retry[v] = p
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{}
	}
	if e.defRetry == (RetryPolicy{}) {
		e.defRetry = DefaultRetryPolicy()
	}
	if e.httpTimeout <= 0 {
		e.httpTimeout = DefaultHTTPTimeout
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.logger == nil {
		e.logger = pslog.NoopLogger()
	}
	e.metrics = newRestMetrics(e.logger)
	return e, nil
}

// BaseURL returns the normalised backend base URL.
func (e *Executor) BaseURL() string {
	return e.baseURL
}

// Session exposes the token cache.
func (e *Executor) Session() *Session {
	return &e.session
}

// RetryPolicy returns the overload policy in effect for v.
func (e *Executor) RetryPolicy(v api.Version) RetryPolicy {
	if p, ok := e.retry[v]; ok {
		return p
	}
	return e.defRetry
}

// Issue performs req with session handling: a cached token is attached (a
// login happens first when none is cached), an authorization failure causes
// exactly one re-login and one repeat of req, and a second consecutive
// authorization failure is returned to the caller.
func (e *Executor) Issue(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Path = strings.TrimLeft(req.Path, "/")
	if req.Login || e.creds.Username == "" {
		return e.issueRetrying(ctx, req, "")
	}
	token := e.session.Token()
	if token == "" {
		var err error
		token, err = e.login(ctx, req.Version)
		if err != nil {
			return nil, err
		}
	}
	resp, err := e.issueRetrying(ctx, req, token)
	if !errors.Is(err, api.ErrNotAuthorized) {
		return resp, err
	}
	e.session.invalidate(token)
	e.metrics.recordRetry(ctx, req, "relogin")
	e.logWarnCtx(ctx, "rest.auth.relogin", "method", req.Method, "path", req.Path, "version", req.Version.String())
	token, err = e.login(ctx, req.Version)
	if err != nil {
		return nil, err
	}
	return e.issueRetrying(ctx, req, token)
}

func (e *Executor) login(ctx context.Context, v api.Version) (string, error) {
	if e.creds.Username == "" {
		return "", &api.Error{Kind: api.ErrNotAuthorized, Method: http.MethodPut, Path: "login", Message: "no credentials configured"}
	}
	e.logDebugCtx(ctx, "rest.login.start", "version", v.String(), "user", e.creds.Username)
	resp, err := e.issueRetrying(ctx, Request{
		Method:    http.MethodPut,
		Path:      "login",
		Body:      api.LoginRequest{Name: e.creds.Username, Password: e.creds.Password},
		Sensitive: true,
		Version:   v,
		Login:     true,
	}, "")
	if err == nil {
		var out api.LoginResponse
		if err = resp.Decode(&out); err == nil && strings.TrimSpace(out.Key) == "" {
			err = &api.Error{Kind: api.ErrProtocol, Status: resp.Status, Method: http.MethodPut, Path: "login", Message: "login response missing key"}
		}
		if err == nil {
			e.session.set(out.Key, e.clock.Now())
			e.metrics.recordLogin(ctx, nil)
			e.logDebugCtx(ctx, "rest.login.success", "version", v.String())
			return out.Key, nil
		}
	}
	e.metrics.recordLogin(ctx, err)
	e.logErrorCtx(ctx, "rest.login.failed", "version", v.String(), "user", e.creds.Username, "error", err)
	return "", err
}

// issueRetrying sends req, repeating it on overload responses according to
// the version's RetryPolicy. Any other failure is returned immediately.
func (e *Executor) issueRetrying(ctx context.Context, req Request, token string) (*Response, error) {
	policy := e.RetryPolicy(req.Version)
	limit := policy.Attempts()
	resp, err := e.send(ctx, req, token, 1)
	for retry := 1; errors.Is(err, api.ErrBackendOverloaded); retry++ {
		if retry > limit {
			var apiErr *api.Error
			if errors.As(err, &apiErr) {
				apiErr.Message = fmt.Sprintf("retries exhausted after %d attempts", retry)
			}
			e.logWarnCtx(ctx, "rest.retry.exhausted", "method", req.Method, "path", req.Path, "attempts", retry)
			return nil, err
		}
		e.metrics.recordRetry(ctx, req, "overload")
		e.logWarnCtx(ctx, "rest.retry.overload",
			"method", req.Method,
			"path", req.Path,
			"attempt", retry,
			"max_attempts", limit,
			"interval", policy.Interval,
		)
		if waitErr := clock.SleepContext(ctx, e.clock, policy.Interval); waitErr != nil {
			return nil, waitErr
		}
		resp, err = e.send(ctx, req, token, retry+1)
	}
	return resp, err
}

func (e *Executor) send(ctx context.Context, req Request, token string, attempt int) (*Response, error) {
	target := e.baseURL + "/" + req.Version.PathSegment() + "/" + req.Path
	requestID := ids.Request()
	ctx, span := e.tracer.Start(ctx, "fabric.rest."+req.Method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("fabric.rest.path", req.Path),
		attribute.String("fabric.rest.version", req.Version.String()),
		attribute.Int("fabric.rest.attempt", attempt),
		attribute.String("fabric.rest.request_id", requestID),
	)
	if req.Tenant != "" {
		span.SetAttributes(attribute.String("fabric.rest.tenant", req.Tenant))
	}

	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "encode")
			return nil, fmt.Errorf("rest: encode %s %s: %w", req.Method, req.Path, err)
		}
	}
	keyvals := []any{"method", req.Method, "path", req.Path, "version", req.Version.String(), "attempt", attempt, "request_id", requestID}
	if req.Tenant != "" {
		keyvals = append(keyvals, "tenant", req.Tenant)
	}
	if payload != nil && !req.Sensitive {
		keyvals = append(keyvals, "body", string(payload))
	}
	e.logTraceCtx(ctx, "client.http.attempt", keyvals...)

	reqCtx, cancel := e.requestContext(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, target, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build")
		return nil, fmt.Errorf("rest: build %s %s: %w", req.Method, req.Path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if e.clientName != "" {
		httpReq.Header.Set(HeaderClient, e.clientName)
	}
	if token != "" {
		httpReq.Header.Set(HeaderAuthToken, token)
	}
	if req.Tenant != "" {
		httpReq.Header.Set(HeaderTenant, req.Tenant)
	}
	correlation.Inject(ctx, httpReq.Header)
	httpReq.Header.Set(HeaderRequestID, requestID)

	start := e.clock.Now()
	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if shouldResetConnection(err) {
			e.closeIdleConnections()
		}
		e.metrics.recordRequest(ctx, req, 0, "transport_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		e.logWarnCtx(ctx, "client.http.transport_error", "method", req.Method, "path", req.Path, "error", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, api.TransportError(req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		e.metrics.recordRequest(ctx, req, httpResp.StatusCode, "transport_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "read")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, api.TransportError(req.Method, req.Path, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", httpResp.StatusCode))

	respKeyvals := []any{"method", req.Method, "path", req.Path, "status", httpResp.StatusCode, "elapsed", e.clock.Now().Sub(start), "request_id", requestID}
	if !req.Sensitive && len(raw) > 0 {
		respKeyvals = append(respKeyvals, "body", string(raw))
	}
	e.logTraceCtx(ctx, "client.http.response", respKeyvals...)

	if err := classify(req, httpResp.StatusCode, raw); err != nil {
		e.metrics.recordRequest(ctx, req, httpResp.StatusCode, api.KindLabel(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, api.KindLabel(err))
		e.logDebugCtx(ctx, "client.http.error", "method", req.Method, "path", req.Path, "status", httpResp.StatusCode, "error", err)
		return nil, err
	}
	e.metrics.recordRequest(ctx, req, httpResp.StatusCode, "ok")
	span.SetStatus(codes.Ok, "")
	return &Response{
		Status:    httpResp.StatusCode,
		Header:    httpResp.Header.Clone(),
		Body:      raw,
		method:    req.Method,
		path:      req.Path,
		sensitive: req.Sensitive,
	}, nil
}

// Fetch performs an unauthenticated GET of an unversioned path and returns
// the response whatever its status. Version discovery uses it to read
// endpoints that answer before login. Overload responses are repeated like
// Issue does; a version root path ("v2.1") uses that version's policy.
func (e *Executor) Fetch(ctx context.Context, path string) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path = strings.TrimLeft(path, "/")
	policy := e.defRetry
	if v, err := api.ParseVersion(path); err == nil {
		policy = e.RetryPolicy(v)
	}
	limit := policy.Attempts()
	resp, err := e.fetch(ctx, path)
	for retry := 1; err == nil && resp.Status == http.StatusServiceUnavailable; retry++ {
		if retry > limit {
			e.logWarnCtx(ctx, "rest.retry.exhausted", "method", http.MethodGet, "path", path, "attempts", retry)
			return nil, &api.Error{
				Kind:    api.ErrBackendOverloaded,
				Status:  resp.Status,
				Method:  http.MethodGet,
				Path:    path,
				Message: fmt.Sprintf("retries exhausted after %d attempts", retry),
			}
		}
		e.logWarnCtx(ctx, "rest.retry.overload",
			"method", http.MethodGet,
			"path", path,
			"attempt", retry,
			"max_attempts", limit,
			"interval", policy.Interval,
		)
		if waitErr := clock.SleepContext(ctx, e.clock, policy.Interval); waitErr != nil {
			return nil, waitErr
		}
		resp, err = e.fetch(ctx, path)
	}
	return resp, err
}

func (e *Executor) fetch(ctx context.Context, path string) (*Response, error) {
	reqCtx, cancel := e.requestContext(ctx)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, e.baseURL+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("rest: build GET %s: %w", path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if e.clientName != "" {
		httpReq.Header.Set(HeaderClient, e.clientName)
	}
	correlation.Inject(ctx, httpReq.Header)
	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if shouldResetConnection(err) {
			e.closeIdleConnections()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, api.TransportError(http.MethodGet, path, err)
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, api.TransportError(http.MethodGet, path, err)
	}
	e.logTraceCtx(ctx, "client.http.fetch", "path", path, "status", httpResp.StatusCode)
	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header.Clone(),
		Body:   raw,
		method: http.MethodGet,
		path:   path,
	}, nil
}

func (e *Executor) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if e.httpTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, e.httpTimeout)
}

type idleCloser interface {
	CloseIdleConnections()
}

func (e *Executor) closeIdleConnections() {
	if e == nil || e.httpClient == nil {
		return
	}
	if transport := e.httpClient.Transport; transport != nil {
		if closer, ok := transport.(idleCloser); ok {
			closer.CloseIdleConnections()
		}
		return
	}
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		base.CloseIdleConnections()
	}
}

func shouldResetConnection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
		if errors.Is(err, context.Canceled) {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func (e *Executor) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	cid := correlation.ID(ctx)
	if cid == "" {
		return keyvals
	}
	return append(keyvals, svcfields.CorrelationKey, cid)
}

func (e *Executor) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	e.logger.Trace(msg, e.enrichKeyvals(ctx, keyvals)...)
}

func (e *Executor) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	e.logger.Debug(msg, e.enrichKeyvals(ctx, keyvals)...)
}

func (e *Executor) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	e.logger.Warn(msg, e.enrichKeyvals(ctx, keyvals)...)
}

func (e *Executor) logErrorCtx(ctx context.Context, msg string, keyvals ...any) {
	e.logger.Error(msg, e.enrichKeyvals(ctx, keyvals)...)
}
