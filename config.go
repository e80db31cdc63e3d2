package fabric

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/client"
	"pkt.systems/fabric/internal/pathutil"
	"pkt.systems/fabric/internal/resource"
	"pkt.systems/fabric/policy"
)

const (
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultScheme is used for endpoints without a scheme and without TLS
	// material.
	DefaultScheme = "http"
	// DefaultOverloadTimeout bounds how long an overloaded backend is retried.
	DefaultOverloadTimeout = 120 * time.Second
	// DefaultOverloadInterval is the fixed delay between overload retries.
	DefaultOverloadInterval = 5 * time.Second
)

// RetryConfig is the overload retry window of one API version.
type RetryConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

// PollConfig tunes one convergence wait. Zero values keep the built-in
// per-version schedule.
type PollConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Timeout      time.Duration
}

func (p PollConfig) set() bool {
	return p.InitialDelay != 0 || p.Interval != 0 || p.Timeout != 0
}

// Config describes how to reach and drive one storage backend.
type Config struct {
	// Endpoint is host, host:port or scheme://host:port of the backend.
	Endpoint string
	// Port overrides the endpoint port when Endpoint has none.
	Port int
	// Scheme overrides the endpoint scheme when Endpoint has none
	// ("http" or "https").
	Scheme string
	// Username and Password authenticate sessions. An empty Username disables
	// login.
	Username string
	Password string

	// BundlePath is a combined PEM (CA, client certificate, key).
	BundlePath string
	// CertPath, KeyPath and CAPath configure mutual TLS from separate files.
	CertPath string
	KeyPath  string
	CAPath   string
	// InsecureSkipVerify disables verification of the backend certificate.
	InsecureSkipVerify bool
	// ReloadCertificates watches TLS material for rotation.
	ReloadCertificates bool

	// HTTPTimeout bounds each HTTP attempt.
	HTTPTimeout time.Duration
	// Overload is the default overload retry window.
	Overload RetryConfig
	// VersionOverload overrides Overload per API version ("2.1").
	VersionOverload map[string]RetryConfig

	// TenantMode is "none", "fixed" or "owner".
	TenantMode string
	// Tenant names the tenant in fixed mode.
	Tenant string
	// TenantTTL bounds the tenant existence cache.
	TenantTTL time.Duration
	// VersionTTL bounds the negotiated version cache.
	VersionTTL time.Duration
	// KnownVersions restricts the API versions spoken; empty means all.
	KnownVersions []string

	// Policy holds operator property defaults applied before volume types.
	Policy policy.Defaults

	StorageInstancePoll PollConfig
	SnapshotPoll        PollConfig
}

// DefaultConfig returns a Config with every tunable at its default.
func DefaultConfig() Config {
	return Config{
		Port:        client.DefaultPort,
		HTTPTimeout: client.DefaultHTTPTimeout,
		Overload: RetryConfig{
			Timeout:  DefaultOverloadTimeout,
			Interval: DefaultOverloadInterval,
		},
		TenantMode: string(resource.TenantNone),
		TenantTTL:  client.DefaultTenantTTL,
		VersionTTL: client.DefaultVersionTTL,
		Policy:     policy.DefaultDefaults(),
	}
}

// MTLSEnabled reports whether client certificates are configured.
func (c Config) MTLSEnabled() bool {
	return strings.TrimSpace(c.BundlePath) != "" || (strings.TrimSpace(c.CertPath) != "" && strings.TrimSpace(c.KeyPath) != "")
}

// Validate normalises c and reports the first invalid setting.
func (c *Config) Validate() error {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	if c.Endpoint == "" {
		return fmt.Errorf("config: endpoint is required")
	}
	c.Scheme = strings.ToLower(strings.TrimSpace(c.Scheme))
	switch c.Scheme {
	case "":
		c.Scheme = DefaultScheme
		if c.MTLSEnabled() {
			c.Scheme = "https"
		}
	case "http", "https":
	default:
		return fmt.Errorf("config: scheme must be %q or %q", "http", "https")
	}
	if c.Port == 0 {
		c.Port = client.DefaultPort
	} else if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if (c.CertPath == "") != (c.KeyPath == "") {
		return fmt.Errorf("config: cert and key must be set together")
	}
	if c.BundlePath != "" && c.CertPath != "" {
		return fmt.Errorf("config: bundle and cert/key are mutually exclusive")
	}
	if err := pathutil.ExpandInPlace(&c.BundlePath, &c.CertPath, &c.KeyPath, &c.CAPath); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("config: http timeout must be >= 0")
	}
	if err := validateRetry("default", &c.Overload); err != nil {
		return err
	}
	for raw, rc := range c.VersionOverload {
		if _, err := api.ParseVersion(raw); err != nil {
			return fmt.Errorf("config: overload policy: %w", err)
		}
		if err := validateRetry(raw, &rc); err != nil {
			return err
		}
		c.VersionOverload[raw] = rc
	}
	mode, err := resource.ParseTenantMode(c.TenantMode)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.TenantMode = string(mode)
	c.Tenant = strings.TrimSpace(c.Tenant)
	if mode == resource.TenantFixed && c.Tenant == "" {
		return fmt.Errorf("config: tenant mode %q requires a tenant", mode)
	}
	if c.TenantTTL < 0 || c.VersionTTL < 0 {
		return fmt.Errorf("config: cache ttls must be >= 0")
	}
	for _, raw := range c.KnownVersions {
		v, err := api.ParseVersion(raw)
		if err != nil {
			return fmt.Errorf("config: known versions: %w", err)
		}
		if !slices.Contains(api.KnownVersions(), v) {
			return fmt.Errorf("config: version %s is not supported by this client", v)
		}
	}
	if c.Policy.ReplicaCount < 1 {
		return fmt.Errorf("config: replica count must be >= 1")
	}
	for name, p := range map[string]PollConfig{"storage instance": c.StorageInstancePoll, "snapshot": c.SnapshotPoll} {
		if !p.set() {
			continue
		}
		if p.Interval <= 0 || p.Timeout <= 0 || p.InitialDelay < 0 {
			return fmt.Errorf("config: %s poll needs a positive interval and timeout", name)
		}
	}
	return nil
}

func validateRetry(name string, rc *RetryConfig) error {
	if rc.Timeout < 0 || rc.Interval < 0 {
		return fmt.Errorf("config: overload policy %s must be >= 0", name)
	}
	if rc.Timeout > 0 && rc.Interval == 0 {
		return fmt.Errorf("config: overload policy %s needs an interval", name)
	}
	return nil
}

// EndpointURL returns the endpoint with scheme and port filled in from c.
func (c Config) EndpointURL() string {
	ep := strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	if strings.Contains(ep, "://") {
		return ep
	}
	scheme := c.Scheme
	if scheme == "" {
		scheme = DefaultScheme
		if c.MTLSEnabled() {
			scheme = "https"
		}
	}
	if _, _, err := net.SplitHostPort(ep); err != nil && c.Port > 0 {
		ep = net.JoinHostPort(strings.Trim(ep, "[]"), strconv.Itoa(c.Port))
	}
	return scheme + "://" + ep
}

// ClientOptions translates c into client options. Call Validate first.
func (c Config) ClientOptions() ([]client.Option, error) {
	opts := []client.Option{
		client.WithHTTPTimeout(c.HTTPTimeout),
		client.WithDefaultRetryPolicy(c.Overload.Timeout, c.Overload.Interval),
		client.WithTenant(resource.TenantMode(c.TenantMode), c.Tenant),
		client.WithTenantTTL(c.TenantTTL),
		client.WithVersionTTL(c.VersionTTL),
		client.WithPolicyDefaults(c.Policy),
		client.WithInsecureSkipVerify(c.InsecureSkipVerify),
	}
	if c.Username != "" {
		opts = append(opts, client.WithCredentials(c.Username, c.Password))
	}
	switch {
	case c.BundlePath != "":
		opts = append(opts, client.WithBundlePath(c.BundlePath))
	case c.CertPath != "":
		opts = append(opts, client.WithKeyPair(c.CertPath, c.KeyPath, c.CAPath))
	}
	if c.ReloadCertificates {
		opts = append(opts, client.WithCertificateReload(true))
	}
	for raw, rc := range c.VersionOverload {
		v, err := api.ParseVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("config: overload policy: %w", err)
		}
		opts = append(opts, client.WithRetryPolicy(v, rc.Timeout, rc.Interval))
	}
	if len(c.KnownVersions) > 0 {
		versions := make([]api.Version, 0, len(c.KnownVersions))
		for _, raw := range c.KnownVersions {
			v, err := api.ParseVersion(raw)
			if err != nil {
				return nil, fmt.Errorf("config: known versions: %w", err)
			}
			versions = append(versions, v)
		}
		opts = append(opts, client.WithKnownVersions(versions...))
	}
	if p := c.StorageInstancePoll; p.set() {
		opts = append(opts, client.WithPollTiming(client.PollStorageInstance, p.InitialDelay, p.Interval, p.Timeout))
	}
	if p := c.SnapshotPoll; p.set() {
		opts = append(opts, client.WithPollTiming(client.PollSnapshot, p.InitialDelay, p.Interval, p.Timeout))
	}
	return opts, nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.fabric), overridable with FABRIC_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FABRIC_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".fabric"), nil
}

// DefaultBundlePath returns the default client bundle location.
func DefaultBundlePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "client.pem"), nil
}
