package fabric

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/fakebackend"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = " 10.0.0.5 "
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Scheme != "http" || cfg.Port != 7717 || cfg.TenantMode != "none" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if got := cfg.EndpointURL(); got != "http://10.0.0.5:7717" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestConfigSchemeFollowsTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "array.example"
	cfg.BundlePath = "/etc/fabric/client.pem"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := cfg.EndpointURL(); got != "https://array.example:7717" {
		t.Fatalf("unexpected endpoint %q", got)
	}

	cfg = DefaultConfig()
	cfg.Endpoint = "[fd00::5]:8443"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := cfg.EndpointURL(); got != "http://[fd00::5]:8443" {
		t.Fatalf("explicit port must be kept, got %q", got)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"missing endpoint":   func(c *Config) { c.Endpoint = "" },
		"bad scheme":         func(c *Config) { c.Scheme = "ftp" },
		"bad port":           func(c *Config) { c.Port = 70000 },
		"cert without key":   func(c *Config) { c.CertPath = "/tmp/cert.pem" },
		"bundle and keypair": func(c *Config) { c.BundlePath, c.CertPath, c.KeyPath = "/b.pem", "/c.pem", "/k.pem" },
		"fixed without name": func(c *Config) { c.TenantMode = "fixed" },
		"unknown mode":       func(c *Config) { c.TenantMode = "project" },
		"unknown version":    func(c *Config) { c.KnownVersions = []string{"3.0"} },
		"retry no interval":  func(c *Config) { c.Overload = RetryConfig{Timeout: time.Minute} },
		"bad version key":    func(c *Config) { c.VersionOverload = map[string]RetryConfig{"two": {}} },
		"zero replicas":      func(c *Config) { c.Policy.ReplicaCount = 0 },
		"poll no interval":   func(c *Config) { c.SnapshotPoll = PollConfig{Timeout: time.Second} },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		cfg.Endpoint = "10.0.0.5"
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestConfigExpandsPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FABRIC_TEST_DIR", dir)
	cfg := DefaultConfig()
	cfg.Endpoint = "10.0.0.5"
	cfg.BundlePath = "$FABRIC_TEST_DIR/client.pem"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.BundlePath != filepath.Join(dir, "client.pem") {
		t.Fatalf("expected expanded path, got %q", cfg.BundlePath)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FABRIC_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
	bundle, err := DefaultBundlePath()
	if err != nil {
		t.Fatalf("bundle path: %v", err)
	}
	if bundle != filepath.Join(dir, "client.pem") {
		t.Fatalf("unexpected bundle path %q", bundle)
	}
}

func TestNewClientAppliesConfig(t *testing.T) {
	b := fakebackend.New(fakebackend.WithCredentials("admin", "secret"), fakebackend.WithVersions("2", "2.1"))
	t.Cleanup(b.Close)
	b.Handle(http.MethodGet, "system", fakebackend.Static(fakebackend.Data(api.System{UUID: "c1"})))

	cfg := DefaultConfig()
	cfg.Endpoint = b.URL()
	cfg.Username = "admin"
	cfg.Password = "secret"
	cfg.TenantMode = "fixed"
	cfg.Tenant = "team-a"
	cfg.KnownVersions = []string{"2.1"}
	cli, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	st, err := cli.GetStats(context.Background(), true)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if st.ClusterUUID != "c1" {
		t.Fatalf("unexpected stats %+v", st)
	}
	calls := b.Matching(http.MethodGet, "system")
	if len(calls) != 1 || calls[0].Version != "2.1" {
		t.Fatalf("expected one 2.1 call, got %+v", calls)
	}
	if b.Logins() != 1 {
		t.Fatalf("expected one login, got %d", b.Logins())
	}

	bad := DefaultConfig()
	if _, err := NewClient(bad, nil); err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Fatalf("expected endpoint validation error, got %v", err)
	}
}
