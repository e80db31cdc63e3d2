// Package fakebackend is a scriptable, recording stand-in for the storage
// appliance REST control plane. It only exists for tests.
package fakebackend

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"

	"pkt.systems/fabric/api"
)

// Call is one recorded request.
type Call struct {
	Method string
	// Version is the wire version of the request ("2.1"), empty for
	// unversioned paths.
	Version string
	// Path is the request path below the version prefix.
	Path          string
	Tenant        string
	Token         string
	CorrelationID string
	Body          []byte
}

// Decode unmarshals the recorded request body.
func (c Call) Decode(out any) error {
	return json.Unmarshal(c.Body, out)
}

// Reply is a scripted response. A nil Body sends no payload.
type Reply struct {
	Status int
	Body   any
}

// OK returns a 200 reply carrying body.
func OK(body any) Reply {
	return Reply{Status: http.StatusOK, Body: body}
}

// Data returns a 200 reply wrapping body in the {"data": ...} envelope.
func Data(body any) Reply {
	return Reply{Status: http.StatusOK, Body: map[string]any{"data": body}}
}

// Fail returns an error reply with the backend error envelope.
func Fail(status int, name, message string) Reply {
	return Reply{Status: status, Body: api.ErrorResponse{Name: name, HTTP: status, Message: message}}
}

// HandlerFunc scripts the answer to a matched call.
type HandlerFunc func(call Call) Reply

// Sequence answers with replies in order and keeps repeating the last one.
func Sequence(replies ...Reply) HandlerFunc {
	var (
		mu   sync.Mutex
		next int
	)
	return func(Call) Reply {
		mu.Lock()
		defer mu.Unlock()
		if len(replies) == 0 {
			return Reply{Status: http.StatusNoContent}
		}
		r := replies[min(next, len(replies)-1)]
		next++
		return r
	}
}

// Static always answers r.
func Static(r Reply) HandlerFunc {
	return func(Call) Reply { return r }
}

type route struct {
	method  string
	version string
	pattern []string
	handler HandlerFunc
}

// Option configures a Backend.
type Option func(*Backend)

// WithVersions sets the versions the backend serves ("2", "2.1", "2.2").
func WithVersions(versions ...string) Option {
	return func(b *Backend) {
		b.versions = versions
	}
}

// WithoutDiscovery makes GET /api_versions answer 404 so clients fall back
// to probing versioned roots.
func WithoutDiscovery() Option {
	return func(b *Backend) {
		b.discovery = false
	}
}

// WithCredentials sets the accepted login and enforces session tokens.
// Without it any login succeeds and tokens are not checked.
func WithCredentials(user, password string) Option {
	return func(b *Backend) {
		b.user, b.password = user, password
	}
}

// WithTLS serves HTTPS with cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(b *Backend) {
		b.tlsConfig = cfg
	}
}

// Backend is the fake control plane.
type Backend struct {
	server    *httptest.Server
	versions  []string
	discovery bool
	user      string
	password  string
	tlsConfig *tls.Config

	mu      sync.Mutex
	routes  []route
	calls   []Call
	tokens  map[string]bool
	issued  int
	tenants map[string]bool
}

// New starts a Backend serving versions 2, 2.1 and 2.2 unless overridden.
func New(opts ...Option) *Backend {
	b := &Backend{
		versions:  []string{"2", "2.1", "2.2"},
		discovery: true,
		tokens:    make(map[string]bool),
		tenants:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.server = httptest.NewUnstartedServer(http.HandlerFunc(b.serve))
	if b.tlsConfig != nil {
		b.server.TLS = b.tlsConfig
		b.server.StartTLS()
	} else {
		b.server.Start()
	}
	return b
}

// URL returns the base URL of the backend.
func (b *Backend) URL() string {
	return b.server.URL
}

// Close stops the server.
func (b *Backend) Close() {
	b.server.Close()
}

// Handle scripts method+pattern for every version. Pattern segments are
// matched literally; "*" matches any one segment.
func (b *Backend) Handle(method, pattern string, h HandlerFunc) {
	b.HandleVersion("", method, pattern, h)
}

// HandleVersion scripts method+pattern for one version only. Later
// registrations take precedence over earlier ones.
func (b *Backend) HandleVersion(version, method, pattern string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes = append(b.routes, route{
		method:  method,
		version: version,
		pattern: strings.Split(strings.Trim(pattern, "/"), "/"),
		handler: h,
	})
}

// ExpireTokens invalidates every issued session token.
func (b *Backend) ExpireTokens() {
	b.mu.Lock()
	clear(b.tokens)
	b.mu.Unlock()
}

// Logins returns how many tokens were issued.
func (b *Backend) Logins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issued
}

// Tenants returns the names of created tenants.
func (b *Backend) Tenants() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name := range b.tenants {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Calls returns every recorded call except logins, in arrival order.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// Matching returns recorded calls with method whose path equals path.
func (b *Backend) Matching(method, path string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Method == method && c.Path == strings.Trim(path, "/") {
			out = append(out, c)
		}
	}
	return out
}

// Count is len(Matching(method, path)).
func (b *Backend) Count(method, path string) int {
	return len(b.Matching(method, path))
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	version, path := splitVersion(r.URL.Path)
	call := Call{
		Method:        r.Method,
		Version:       version,
		Path:          path,
		Tenant:        r.Header.Get("tenant"),
		Token:         r.Header.Get("Auth-Token"),
		CorrelationID: r.Header.Get("X-Correlation-Id"),
		Body:          body,
	}
	if version == "" {
		b.serveUnversioned(w, call)
		return
	}
	if !slices.Contains(b.versions, version) {
		writeReply(w, Fail(http.StatusNotFound, "UnsupportedVersionError", fmt.Sprintf("version %s is not served", version)))
		return
	}
	switch {
	case path == "":
		writeReply(w, Reply{Status: http.StatusUnauthorized, Body: map[string]any{"code": "99", "api_req": true, "message": "authentication required"}})
		return
	case path == "login" && r.Method == http.MethodPut:
		writeReply(w, b.login(call))
		return
	}
	if !b.authorized(call.Token) {
		b.record(call)
		writeReply(w, Fail(http.StatusUnauthorized, "AuthError", "invalid or expired token"))
		return
	}
	b.record(call)
	if h := b.lookup(call); h != nil {
		writeReply(w, h(call))
		return
	}
	if path == "tenants" && r.Method == http.MethodPost {
		writeReply(w, b.createTenant(call))
		return
	}
	writeReply(w, Fail(http.StatusNotFound, "NotFoundError", "no such resource: "+path))
}

func (b *Backend) serveUnversioned(w http.ResponseWriter, call Call) {
	b.record(call)
	if call.Path == "api_versions" && b.discovery {
		versions := make([]string, 0, len(b.versions))
		for _, v := range b.versions {
			versions = append(versions, "v"+v)
		}
		writeReply(w, OK(api.VersionsResponse{APIVersions: versions}))
		return
	}
	writeReply(w, Fail(http.StatusNotFound, "NotFoundError", "no such resource: "+call.Path))
}

func (b *Backend) login(call Call) Reply {
	var req api.LoginRequest
	if err := json.Unmarshal(call.Body, &req); err != nil {
		return Fail(http.StatusBadRequest, "ValidationError", "malformed login")
	}
	if b.user != "" && (req.Name != b.user || req.Password != b.password) {
		return Fail(http.StatusUnauthorized, "AuthError", "bad credentials")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.issued++
	token := fmt.Sprintf("token-%d", b.issued)
	b.tokens[token] = true
	return OK(api.LoginResponse{Key: token})
}

// authorized accepts anything when no credentials are configured.
func (b *Backend) authorized(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.user == "" {
		return true
	}
	return b.tokens[token]
}

func (b *Backend) createTenant(call Call) Reply {
	var req api.CreateTenantRequest
	if err := json.Unmarshal(call.Body, &req); err != nil || req.Name == "" {
		return Fail(http.StatusBadRequest, "ValidationError", "tenant name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tenants[req.Name] {
		return Fail(http.StatusConflict, "ConflictError", "tenant exists")
	}
	b.tenants[req.Name] = true
	return Data(api.Tenant{Name: req.Name, Path: "/root/" + req.Name})
}

func (b *Backend) record(call Call) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *Backend) lookup(call Call) HandlerFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	segments := strings.Split(call.Path, "/")
	for i := len(b.routes) - 1; i >= 0; i-- {
		rt := b.routes[i]
		if rt.method != call.Method {
			continue
		}
		if rt.version != "" && rt.version != call.Version {
			continue
		}
		if matchSegments(rt.pattern, segments) {
			return rt.handler
		}
	}
	return nil
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) != len(segments) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != segments[i] {
			return false
		}
	}
	return true
}

// splitVersion separates "/v2.1/app_instances" into "2.1" and
// "app_instances".
func splitVersion(raw string) (string, string) {
	trimmed := strings.Trim(raw, "/")
	head, rest, _ := strings.Cut(trimmed, "/")
	if len(head) > 1 && head[0] == 'v' && head[1] >= '0' && head[1] <= '9' {
		return head[1:], rest
	}
	return "", trimmed
}

func writeReply(w http.ResponseWriter, r Reply) {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	if r.Body == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(r.Body)
}
