package client

import (
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/clock"
	"pkt.systems/fabric/internal/negotiate"
	"pkt.systems/fabric/internal/pathutil"
	"pkt.systems/fabric/internal/poller"
	"pkt.systems/fabric/internal/resource"
	"pkt.systems/fabric/internal/rest"
	"pkt.systems/fabric/internal/svcfields"
	"pkt.systems/fabric/internal/version"
	"pkt.systems/fabric/policy"
	"pkt.systems/fabric/tlsutil"
	"pkt.systems/pslog"
)

// Default client tuning knobs.
const (
	DefaultPort                = 7717
	DefaultHTTPTimeout         = rest.DefaultHTTPTimeout
	DefaultVersionTTL          = negotiate.DefaultTTL
	DefaultTenantTTL           = resource.DefaultTenantTTL
	DefaultMaxIdleConns        = 64
	DefaultMaxIdleConnsPerHost = 32
)

// PollKind names a convergence wait whose timing can be tuned.
type PollKind string

// Poll kinds.
const (
	PollStorageInstance PollKind = "storage_instance"
	PollSnapshot        PollKind = "snapshot"
)

// Client performs logical volume operations against the backend, picking
// the newest API revision that implements each operation. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     pslog.Logger
	clock      clock.Clock

	creds        rest.Credentials
	httpTimeout  time.Duration
	retry        map[api.Version]rest.RetryPolicy
	defaultRetry rest.RetryPolicy

	bundlePath string
	certPath   string
	keyPath    string
	caPath     string
	insecure   bool
	reloadTLS  bool
	reloader   *tlsutil.Reloader

	tenantMode  resource.TenantMode
	fixedTenant string
	tenantTTL   time.Duration
	versionTTL  time.Duration
	known       []api.Version
	defaults    policy.Defaults
	pollTiming  map[PollKind]poller.Timing

	exec       *rest.Executor
	negotiator *negotiate.Negotiator
	tenants    *resource.TenantManager
	poller     *poller.Poller
	resolver   *policy.Resolver
	table      dispatchTable
	metrics    *clientMetrics
	tracer     trace.Tracer

	rngMu sync.Mutex
	rng   *rand.Rand

	statsMu sync.Mutex
	stats   *Stats
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = svcfields.WithSubsystem(logger, "client")
	}
}

// WithCredentials sets the account used to log in. Without credentials no
// login is attempted and no token is sent.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.creds = rest.Credentials{Username: username, Password: password}
	}
}

// WithBundlePath configures a combined PEM (CA cert + client cert + key) for
// mutual TLS. "$VARS" and a leading "~/" are expanded.
func WithBundlePath(path string) Option {
	return func(c *Client) {
		c.bundlePath = strings.TrimSpace(path)
	}
}

// WithKeyPair configures a client certificate and key from separate files.
// caPath may be empty to verify the backend against system roots.
func WithKeyPair(certPath, keyPath, caPath string) Option {
	return func(c *Client) {
		c.certPath = strings.TrimSpace(certPath)
		c.keyPath = strings.TrimSpace(keyPath)
		c.caPath = strings.TrimSpace(caPath)
	}
}

// WithInsecureSkipVerify disables verification of the backend certificate.
func WithInsecureSkipVerify(insecure bool) Option {
	return func(c *Client) {
		c.insecure = insecure
	}
}

// WithCertificateReload watches the TLS material and swaps in rotated
// certificates without rebuilding the client. Call Close to stop watching.
func WithCertificateReload(enabled bool) Option {
	return func(c *Client) {
		c.reloadTLS = enabled
	}
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithRetryPolicy sets the overload retry window for one API version: a
// request answered with 503 is repeated every interval, at most
// timeout/interval times.
func WithRetryPolicy(v api.Version, timeout, interval time.Duration) Option {
	return func(c *Client) {
		if c.retry == nil {
			c.retry = make(map[api.Version]rest.RetryPolicy)
		}
		c.retry[v] = rest.RetryPolicy{Timeout: timeout, Interval: interval}
	}
}

// WithDefaultRetryPolicy sets the overload retry window for versions without
// a specific policy.
func WithDefaultRetryPolicy(timeout, interval time.Duration) Option {
	return func(c *Client) {
		c.defaultRetry = rest.RetryPolicy{Timeout: timeout, Interval: interval}
	}
}

// WithTenant selects tenant scoping. fixed names the tenant in
// resource.TenantFixed mode and is ignored otherwise.
func WithTenant(mode resource.TenantMode, fixed string) Option {
	return func(c *Client) {
		c.tenantMode = mode
		c.fixedTenant = fixed
	}
}

// WithTenantTTL bounds how long a tenant is remembered as existing.
func WithTenantTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.tenantTTL = d
		}
	}
}

// WithVersionTTL bounds how long the negotiated version list is cached.
func WithVersionTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.versionTTL = d
		}
	}
}

// WithKnownVersions restricts the API versions the client will speak.
func WithKnownVersions(versions ...api.Version) Option {
	return func(c *Client) {
		c.known = versions
	}
}

// WithPolicyDefaults overrides the property defaults applied before volume
// type specs.
func WithPolicyDefaults(d policy.Defaults) Option {
	return func(c *Client) {
		c.defaults = d
	}
}

// WithPollTiming overrides the convergence wait for kind on every version.
func WithPollTiming(kind PollKind, initialDelay, interval, timeout time.Duration) Option {
	return func(c *Client) {
		if c.pollTiming == nil {
			c.pollTiming = make(map[PollKind]poller.Timing)
		}
		c.pollTiming[kind] = poller.Timing{InitialDelay: initialDelay, Interval: interval, Timeout: timeout}
	}
}

func withClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

func withRand(rng *rand.Rand) Option {
	return func(c *Client) {
		c.rng = rng
	}
}

// New creates a client for the backend at endpoint. The endpoint may omit
// the scheme (https when TLS material is configured, http otherwise) and the
// port (DefaultPort).
func New(endpoint string, opts ...Option) (*Client, error) {
	c := &Client{
		httpTimeout: DefaultHTTPTimeout,
		tenantMode:  resource.TenantNone,
		tenantTTL:   DefaultTenantTTL,
		versionTTL:  DefaultVersionTTL,
		defaults:    policy.DefaultDefaults(),
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.initialize(endpoint); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) initialize(endpoint string) error {
	if c.logger == nil {
		c.logger = pslog.NoopLogger()
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	baseURL, err := normalizeEndpoint(endpoint, c.tlsConfigured())
	if err != nil {
		return err
	}
	c.baseURL = baseURL
	if err := c.prepareTransport(); err != nil {
		return err
	}
	c.exec, err = rest.New(rest.Config{
		BaseURL:      baseURL,
		HTTPClient:   c.httpClient,
		Credentials:  c.creds,
		Retry:        c.retry,
		DefaultRetry: c.defaultRetry,
		HTTPTimeout:  c.httpTimeout,
		ClientName:   version.ClientName(),
		Clock:        c.clock,
		Logger:       svcfields.WithSubsystem(c.logger, "rest"),
	})
	if err != nil {
		c.closeReloader()
		return err
	}
	negotiateOpts := []negotiate.Option{
		negotiate.WithTTL(c.versionTTL),
		negotiate.WithClock(c.clock),
		negotiate.WithLogger(svcfields.WithSubsystem(c.logger, "negotiate")),
	}
	if len(c.known) > 0 {
		negotiateOpts = append(negotiateOpts, negotiate.WithKnownVersions(c.known...))
	}
	c.negotiator = negotiate.New(c.exec, negotiateOpts...)
	c.tenants, err = resource.NewTenantManager(c.exec, resource.TenantConfig{
		Mode:   c.tenantMode,
		Fixed:  c.fixedTenant,
		TTL:    c.tenantTTL,
		Clock:  c.clock,
		Logger: svcfields.WithSubsystem(c.logger, "tenant"),
	})
	if err != nil {
		c.closeReloader()
		return err
	}
	c.poller = poller.New(c.clock, svcfields.WithSubsystem(c.logger, "poller"))
	c.resolver = policy.NewResolver(c.defaults, svcfields.WithSubsystem(c.logger, "policy"))
	c.table = buildDispatchTable()
	c.metrics = newClientMetrics(c.logger)
	c.tracer = otel.Tracer("pkt.systems/fabric/client")
	c.logger.Info("client.init", "endpoint", baseURL, "tenant_mode", string(c.tenantMode), "tls", c.tlsConfigured())
	return nil
}

func (c *Client) tlsConfigured() bool {
	return c.bundlePath != "" || (c.certPath != "" && c.keyPath != "")
}

func (c *Client) prepareTransport() error {
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	ownedTransport := false
	if c.httpClient.Transport == nil {
		if base, ok := http.DefaultTransport.(*http.Transport); ok {
			tr := base.Clone()
			applyDefaultTransportTuning(tr)
			c.httpClient.Transport = tr
			ownedTransport = true
		}
	}
	if c.tlsConfigured() {
		tlsCfg, err := c.loadTLS()
		if err != nil {
			return err
		}
		tr, ok := c.httpClient.Transport.(*http.Transport)
		if !ok || tr == nil {
			c.closeReloader()
			return fmt.Errorf("fabric: client certificates require *http.Transport, got %T", c.httpClient.Transport)
		}
		cloned := tr.Clone()
		cloned.TLSClientConfig = tlsCfg
		c.httpClient.Transport = cloned
		ownedTransport = true
	}
	if ownedTransport {
		c.httpClient.Transport = otelhttp.NewTransport(c.httpClient.Transport)
	}
	if c.httpClient.Timeout != 0 {
		c.httpClient.Timeout = 0
	}
	return nil
}

func (c *Client) loadTLS() (*tls.Config, error) {
	source := tlsutil.Source{Bundle: c.bundlePath, Cert: c.certPath, Key: c.keyPath, CA: c.caPath}
	if err := pathutil.ExpandInPlace(&source.Bundle, &source.Cert, &source.Key, &source.CA); err != nil {
		return nil, fmt.Errorf("fabric: expand tls path: %w", err)
	}
	if c.reloadTLS {
		reloader, err := tlsutil.NewReloader(source, svcfields.WithSubsystem(c.logger, "tls"))
		if err != nil {
			return nil, fmt.Errorf("fabric: load client certificate: %w", err)
		}
		c.reloader = reloader
		return reloader.TLSConfig(c.insecure), nil
	}
	bundle, err := source.Load()
	if err != nil {
		return nil, fmt.Errorf("fabric: load client certificate: %w", err)
	}
	return bundle.TLSConfig(c.insecure), nil
}

func applyDefaultTransportTuning(tr *http.Transport) {
	if tr == nil {
		return
	}
	if tr.MaxIdleConns < DefaultMaxIdleConns {
		tr.MaxIdleConns = DefaultMaxIdleConns
	}
	if tr.MaxIdleConnsPerHost < DefaultMaxIdleConnsPerHost {
		tr.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
}

// normalizeEndpoint fills in scheme and port.
func normalizeEndpoint(raw string, useTLS bool) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", fmt.Errorf("fabric: endpoint required")
	}
	if !strings.Contains(trimmed, "://") {
		scheme := "http"
		if useTLS {
			scheme = "https"
		}
		trimmed = scheme + "://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("fabric: parse endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("fabric: unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("fabric: endpoint %q missing host", raw)
	}
	if u.Path != "" {
		return "", fmt.Errorf("fabric: endpoint %q must not carry a path", raw)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), fmt.Sprint(DefaultPort))
	}
	return u.Scheme + "://" + u.Host, nil
}

// BaseURL returns the normalised backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Properties returns the volume type properties this client honours.
func (c *Client) Properties() []policy.Property {
	return c.resolver.Properties()
}

// ResolvePolicy resolves vt against the configured defaults.
func (c *Client) ResolvePolicy(vt *policy.VolumeType) policy.Policy {
	return c.resolver.Resolve(vt)
}

// Close drops the session token, releases idle connections and stops
// certificate watching.
func (c *Client) Close() error {
	c.exec.Session().Clear()
	c.httpClient.CloseIdleConnections()
	return c.closeReloader()
}

func (c *Client) closeReloader() error {
	if c.reloader == nil {
		return nil
	}
	err := c.reloader.Close()
	c.reloader = nil
	return err
}

func (c *Client) randIntN(n int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.IntN(n)
}

func (c *Client) pickIPPool(pol policy.Policy) string {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return pol.IPPool(c.rng)
}

// timing returns the poll schedule for kind at version v.
func (c *Client) timing(kind PollKind, v api.Version) poller.Timing {
	if t, ok := c.pollTiming[kind]; ok {
		return t
	}
	return DefaultPollTiming(kind, v)
}

// DefaultPollTiming returns the built-in wait for kind at version v.
// Revision 2 storage instances need a longer settle time before the first
// poll, and 2.2 snapshots may take twice as long to complete.
func DefaultPollTiming(kind PollKind, v api.Version) poller.Timing {
	switch kind {
	case PollSnapshot:
		t := poller.Timing{InitialDelay: time.Second, Interval: time.Second, Timeout: 10 * time.Second}
		if v.AtLeast(api.V2_2) {
			t.Timeout = 20 * time.Second
		}
		return t
	default:
		t := poller.Timing{InitialDelay: time.Second, Interval: time.Second, Timeout: 10 * time.Second}
		if v == api.V2 {
			t.InitialDelay = 5 * time.Second
		}
		return t
	}
}
