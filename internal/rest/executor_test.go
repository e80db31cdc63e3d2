package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/clock"
	"pkt.systems/fabric/internal/correlation"
	"pkt.systems/pslog"
)

type backendStub struct {
	mu       sync.Mutex
	logins   int
	requests []*http.Request
	bodies   []string
	handler  func(n int, w http.ResponseWriter, r *http.Request)
	calls    atomic.Int32
}

func (b *backendStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if strings.HasSuffix(r.URL.Path, "/login") {
		b.mu.Lock()
		b.logins++
		n := b.logins
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.LoginResponse{Key: fmt.Sprintf("tok-%d", n)})
		return
	}
	n := int(b.calls.Add(1))
	b.mu.Lock()
	b.requests = append(b.requests, r.Clone(context.Background()))
	b.bodies = append(b.bodies, string(body))
	b.mu.Unlock()
	b.handler(n, w, r)
}

func (b *backendStub) loginCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logins
}

func newTestExecutor(t *testing.T, stub *backendStub, cfg Config) (*Executor, *clock.Recorder) {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	rec := clock.NewRecorder(time.Unix(1_700_000_000, 0).UTC())
	cfg.BaseURL = srv.URL
	cfg.HTTPClient = srv.Client()
	cfg.Clock = rec
	if cfg.Credentials.Username == "" {
		cfg.Credentials = Credentials{Username: "admin", Password: "s3cret"}
	}
	exec, err := New(cfg)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return exec, rec
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestRetryPolicyAttempts(t *testing.T) {
	cases := []struct {
		policy RetryPolicy
		want   int
	}{
		{RetryPolicy{Timeout: 120 * time.Second, Interval: 5 * time.Second}, 24},
		{RetryPolicy{Timeout: 12 * time.Second, Interval: 5 * time.Second}, 2},
		{RetryPolicy{Timeout: 4 * time.Second, Interval: 5 * time.Second}, 0},
		{RetryPolicy{Timeout: 0, Interval: 5 * time.Second}, 0},
		{RetryPolicy{Timeout: time.Second}, 0},
	}
	for _, tc := range cases {
		if got := tc.policy.Attempts(); got != tc.want {
			t.Fatalf("%+v attempts: want %d, got %d", tc.policy, tc.want, got)
		}
	}
}

func TestIssueRetriesOverloadUntilExhausted(t *testing.T) {
	stub := &backendStub{handler: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Message: "busy"})
	}}
	policy := RetryPolicy{Timeout: 12 * time.Second, Interval: 5 * time.Second}
	exec, rec := newTestExecutor(t, stub, Config{Retry: map[api.Version]RetryPolicy{api.V2_1: policy}})

	_, err := exec.Issue(context.Background(), Request{Method: http.MethodGet, Path: "system", Version: api.V2_1})
	if !errors.Is(err, api.ErrBackendOverloaded) {
		t.Fatalf("expected overload error, got %v", err)
	}
	want := 1 + policy.Attempts()
	if got := int(stub.calls.Load()); got != want {
		t.Fatalf("expected %d requests, got %d", want, got)
	}
	sleeps := rec.Sleeps()
	if len(sleeps) != policy.Attempts() {
		t.Fatalf("expected %d sleeps, got %v", policy.Attempts(), sleeps)
	}
	for _, d := range sleeps {
		if d != policy.Interval {
			t.Fatalf("expected fixed interval %s, got %s", policy.Interval, d)
		}
	}
}

func TestIssueOverloadSucceedsOnAttemptK(t *testing.T) {
	const k = 3
	stub := &backendStub{handler: func(n int, w http.ResponseWriter, _ *http.Request) {
		if n < k {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, api.System{Name: "fabric-1"})
	}}
	exec, rec := newTestExecutor(t, stub, Config{})

	resp, err := exec.Issue(context.Background(), Request{Path: "system", Version: api.V2})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var sys api.System
	if err := resp.Decode(&sys); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sys.Name != "fabric-1" {
		t.Fatalf("unexpected system %+v", sys)
	}
	if got := int(stub.calls.Load()); got != k {
		t.Fatalf("expected exactly %d requests, got %d", k, got)
	}
	if got := len(rec.Sleeps()); got != k-1 {
		t.Fatalf("expected %d sleeps, got %d", k-1, got)
	}
}

func TestIssueOverloadRetryStopsOnOtherError(t *testing.T) {
	stub := &backendStub{handler: func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Name: "NotFoundError", Message: "gone"})
	}}
	exec, _ := newTestExecutor(t, stub, Config{})
	_, err := exec.Issue(context.Background(), Request{Path: "app_instances/OS-x", Version: api.V2_1})
	if !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
}

func TestIssueOverloadHonoursCancellation(t *testing.T) {
	stub := &backendStub{handler: func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	manual := clock.NewManual(time.Unix(0, 0))
	exec, err := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), Clock: manual})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := exec.Issue(ctx, Request{Path: "system", Version: api.V2})
		done <- err
	}()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := manual.WaitForPending(waitCtx, 1); err != nil {
		t.Fatalf("retry never waited on the clock: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("issue did not return after cancel")
	}
}

func TestIssueReloginOnceOnNotAuthorized(t *testing.T) {
	var seenTokens []string
	var mu sync.Mutex
	stub := &backendStub{}
	stub.handler = func(n int, w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenTokens = append(seenTokens, r.Header.Get(HeaderAuthToken))
		mu.Unlock()
		if n == 1 {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Message: "token expired"})
			return
		}
		writeJSON(w, http.StatusOK, api.System{Name: "ok"})
	}
	exec, _ := newTestExecutor(t, stub, Config{})

	if _, err := exec.Issue(context.Background(), Request{Path: "system", Version: api.V2_1}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got := stub.loginCount(); got != 2 {
		t.Fatalf("expected initial login plus one re-login, got %d logins", got)
	}
	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("expected original call plus one retry, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if seenTokens[0] == seenTokens[1] {
		t.Fatalf("stale token reused after invalidation: %v", seenTokens)
	}
	if exec.Session().Token() != seenTokens[1] {
		t.Fatalf("session token %q does not match refreshed token %q", exec.Session().Token(), seenTokens[1])
	}
}

func TestIssueSecondNotAuthorizedSurfaces(t *testing.T) {
	stub := &backendStub{handler: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Message: "denied"})
	}}
	exec, _ := newTestExecutor(t, stub, Config{})

	_, err := exec.Issue(context.Background(), Request{Path: "system", Version: api.V2_1})
	if !errors.Is(err, api.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected *api.Error with status 401, got %#v", err)
	}
	if got := stub.loginCount(); got != 2 {
		t.Fatalf("expected exactly 2 logins (initial + one re-login), got %d", got)
	}
	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", got)
	}
}

func TestIssueReusesCachedToken(t *testing.T) {
	stub := &backendStub{handler: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	}}
	exec, _ := newTestExecutor(t, stub, Config{})
	for i := 0; i < 3; i++ {
		if _, err := exec.Issue(context.Background(), Request{Path: "system", Version: api.V2}); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	if got := stub.loginCount(); got != 1 {
		t.Fatalf("expected a single login, got %d", got)
	}
	if got := exec.Session().Logins(); got != 1 {
		t.Fatalf("session logins: want 1, got %d", got)
	}
}

func TestIssueWithoutCredentialsSkipsLogin(t *testing.T) {
	stub := &backendStub{handler: func(_ int, w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderAuthToken) != "" {
			t.Errorf("unexpected auth token header")
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	}}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	exec, err := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	if _, err := exec.Issue(context.Background(), Request{Path: "system", Version: api.V2}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if stub.loginCount() != 0 {
		t.Fatalf("expected no login")
	}
}

func TestIssueConflictOK(t *testing.T) {
	stub := &backendStub{handler: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusConflict, api.ErrorResponse{Name: "ConflictError", Message: "exists"})
	}}
	exec, _ := newTestExecutor(t, stub, Config{})

	_, err := exec.Issue(context.Background(), Request{Method: http.MethodPost, Path: "tenants", Body: api.CreateTenantRequest{Name: "OS-a"}, Version: api.V2_1})
	if !errors.Is(err, api.ErrConflict) {
		t.Fatalf("expected conflict without ConflictOK, got %v", err)
	}
	resp, err := exec.Issue(context.Background(), Request{Method: http.MethodPost, Path: "tenants", Body: api.CreateTenantRequest{Name: "OS-a"}, Version: api.V2_1, ConflictOK: true})
	if err != nil {
		t.Fatalf("expected conflict to be swallowed, got %v", err)
	}
	if !resp.Conflict() {
		t.Fatalf("expected response to report conflict")
	}
}

func TestIssueClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusForbidden, `{"message":"nope"}`, api.ErrNotAuthorized},
		{http.StatusNotFound, `{}`, api.ErrNotFound},
		{http.StatusBadRequest, `{"message":"bad"}`, api.ErrProtocol},
		{http.StatusInternalServerError, `oops`, api.ErrProtocol},
	}
	for _, tc := range cases {
		stub := &backendStub{handler: func(_ int, w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, tc.body)
		}}
		exec, _ := newTestExecutor(t, stub, Config{})
		_, err := exec.Issue(context.Background(), Request{Path: "system", Version: api.V2})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestIssueDetectsUnsupportedVersion(t *testing.T) {
	stub := &backendStub{handler: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Name: "UnsupportedVersionError", Message: "v2.2 not served"})
	}}
	exec, _ := newTestExecutor(t, stub, Config{})
	_, err := exec.Issue(context.Background(), Request{Path: "system", Version: api.V2_2})
	if !IsUnsupportedVersion(err) {
		t.Fatalf("expected unsupported version signal, got %v", err)
	}
	if !errors.Is(err, api.ErrProtocol) {
		t.Fatalf("expected protocol kind, got %v", err)
	}
}

func TestIssueSendsHeadersAndVersionedURL(t *testing.T) {
	stub := &backendStub{handler: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	}}
	exec, _ := newTestExecutor(t, stub, Config{ClientName: "fabric/test"})
	ctx := correlation.Set(context.Background(), "cid-123")
	_, err := exec.Issue(ctx, Request{
		Method:  http.MethodPut,
		Path:    "/app_instances/OS-1",
		Body:    api.AppInstanceUpdate{AdminState: "offline"},
		Version: api.V2_2,
		Tenant:  "/root/OS-t",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	r := stub.requests[0]
	if r.URL.Path != "/v2.2/app_instances/OS-1" {
		t.Fatalf("unexpected path %q", r.URL.Path)
	}
	if got := r.Header.Get(HeaderTenant); got != "/root/OS-t" {
		t.Fatalf("tenant header: %q", got)
	}
	if got := r.Header.Get(HeaderAuthToken); got == "" {
		t.Fatalf("missing auth token")
	}
	if got := r.Header.Get(HeaderClient); got != "fabric/test" {
		t.Fatalf("client header: %q", got)
	}
	if got := r.Header.Get(correlation.Header); got != "cid-123" {
		t.Fatalf("correlation header: %q", got)
	}
	if got := r.Header.Get(HeaderRequestID); got == "" {
		t.Fatalf("missing request id")
	}
	if got := r.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type: %q", got)
	}
	if !strings.Contains(stub.bodies[0], `"admin_state":"offline"`) {
		t.Fatalf("unexpected body %s", stub.bodies[0])
	}
}

func TestSensitiveBodiesAreNotLogged(t *testing.T) {
	var logBuf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &logBuf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.TraceLevel,
	})
	stub := &backendStub{handler: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"visible": "plain-value"})
	}}
	exec, _ := newTestExecutor(t, stub, Config{
		Logger:      logger,
		Credentials: Credentials{Username: "admin", Password: "hunter2-password"},
	})
	if _, err := exec.Issue(context.Background(), Request{Path: "system", Version: api.V2_1}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	out := logBuf.String()
	if strings.Contains(out, "hunter2-password") {
		t.Fatalf("password leaked into logs: %s", out)
	}
	if strings.Contains(out, "tok-1") {
		t.Fatalf("login response leaked into logs: %s", out)
	}
	if !strings.Contains(out, "plain-value") {
		t.Fatalf("expected non-sensitive body in trace logs: %s", out)
	}
}

func TestFetchReturnsRawStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api_versions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderAuthToken) != "" {
			t.Errorf("fetch must be unauthenticated")
		}
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Message: "no such endpoint"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	exec, err := New(Config{BaseURL: srv.URL + "/", HTTPClient: srv.Client(), Credentials: Credentials{Username: "u"}})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	resp, err := exec.Fetch(context.Background(), "/api_versions")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Status != http.StatusNotFound {
		t.Fatalf("expected raw 404, got %d", resp.Status)
	}
}

func TestFetchRetriesOverload(t *testing.T) {
	stub := &backendStub{handler: func(n int, w http.ResponseWriter, _ *http.Request) {
		if n < 3 {
			writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Message: "busy"})
			return
		}
		writeJSON(w, http.StatusOK, api.VersionsResponse{APIVersions: []string{"v2.2"}})
	}}
	policy := RetryPolicy{Timeout: 10 * time.Second, Interval: 5 * time.Second}
	exec, rec := newTestExecutor(t, stub, Config{DefaultRetry: policy})

	resp, err := exec.Fetch(context.Background(), "api_versions")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200 after retries, got %d", resp.Status)
	}
	if got := stub.calls.Load(); got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}
	if sleeps := rec.Sleeps(); len(sleeps) != 2 || sleeps[0] != policy.Interval || sleeps[1] != policy.Interval {
		t.Fatalf("unexpected sleeps %v", sleeps)
	}
	if stub.loginCount() != 0 {
		t.Fatalf("fetch must not log in")
	}
}

func TestFetchOverloadUsesVersionPolicy(t *testing.T) {
	stub := &backendStub{handler: func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}}
	exec, _ := newTestExecutor(t, stub, Config{
		DefaultRetry: RetryPolicy{Timeout: 5 * time.Second, Interval: 5 * time.Second},
		Retry:        map[api.Version]RetryPolicy{api.V2_2: {Timeout: 15 * time.Second, Interval: 5 * time.Second}},
	})

	_, err := exec.Fetch(context.Background(), "v2.2")
	if !errors.Is(err, api.ErrBackendOverloaded) {
		t.Fatalf("expected overload error, got %v", err)
	}
	if got := stub.calls.Load(); got != 4 {
		t.Fatalf("expected 1 request and 3 retries, got %d", got)
	}
}

func TestTransportFailureIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	exec, err := New(Config{BaseURL: base, HTTPTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	_, err = exec.Issue(context.Background(), Request{Method: http.MethodGet, Path: "system", Version: api.V2_1})
	if !errors.Is(err, api.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Fatalf("expected the transport cause to stay reachable, got %v", err)
	}
	if _, err := exec.Fetch(context.Background(), "api_versions"); !errors.Is(err, api.ErrProtocol) {
		t.Fatalf("expected protocol error from fetch, got %v", err)
	}
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "http://"} {
		if _, err := New(Config{BaseURL: raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestShouldResetConnection(t *testing.T) {
	if shouldResetConnection(nil) {
		t.Fatalf("nil must not reset")
	}
	if shouldResetConnection(context.Canceled) {
		t.Fatalf("cancel must not reset")
	}
	if !shouldResetConnection(context.DeadlineExceeded) {
		t.Fatalf("deadline must reset")
	}
}
