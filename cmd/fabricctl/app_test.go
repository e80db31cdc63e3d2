package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/fakebackend"
	"pkt.systems/fabric/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("FABRIC_CONFIG_DIR", t.TempDir())
	viper.Reset()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	if got.Port != 7717 || got.TenantMode != "none" || got.ReplicaCount != 3 || got.OverloadInterval != "5s" {
		t.Fatalf("unexpected generated defaults %+v", got)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat generated config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--stdout"); err == nil {
		t.Fatal("expected --out and --stdout to conflict")
	}
}

func TestVersionsCommandReportsDispatch(t *testing.T) {
	b := fakebackend.New(fakebackend.WithVersions("2", "2.1"))
	t.Cleanup(b.Close)

	stdout, _, err := executeRootCommand(t, "-e", b.URL(), "-o", "json", "versions")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	var view versionsView
	if err := json.Unmarshal([]byte(stdout), &view); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if len(view.Versions) != 2 || view.Versions[0] != "2.1" || view.Versions[1] != "2" {
		t.Fatalf("unexpected versions %v", view.Versions)
	}
	if view.Operations["retype"] != "unsupported" {
		t.Fatalf("retype needs 2.2, got %q", view.Operations["retype"])
	}
	if view.Operations["create_volume"] != "2.1" || view.Operations["get_metadata"] != "2.1" {
		t.Fatalf("unexpected dispatch %v", view.Operations)
	}
}

func TestStatsCommandUsesConfigFile(t *testing.T) {
	b := fakebackend.New(fakebackend.WithCredentials("admin", "secret"))
	t.Cleanup(b.Close)
	b.Handle(http.MethodGet, "system", fakebackend.Static(fakebackend.Data(api.System{UUID: "c1", Name: "array-1"})))

	cfgPath := filepath.Join(t.TempDir(), "fabric.yaml")
	cfg := "endpoint: " + b.URL() + "\nusername: admin\npassword: secret\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	stdout, _, err := executeRootCommand(t, "-c", cfgPath, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if got["cluster-uuid"] != "c1" {
		t.Fatalf("unexpected stats output %q", stdout)
	}
	if b.Logins() != 1 {
		t.Fatalf("expected one login, got %d", b.Logins())
	}
}

func TestVolumeDeleteCommand(t *testing.T) {
	b := fakebackend.New()
	t.Cleanup(b.Close)

	stdout, _, err := executeRootCommand(t, "-e", b.URL(), "volume", "delete", "v1")
	if err != nil {
		t.Fatalf("volume delete: %v", err)
	}
	if stdout != "deleted volume v1\n" {
		t.Fatalf("unexpected output %q", stdout)
	}
	if b.Count(http.MethodDelete, "app_instances/OS-v1") != 1 {
		t.Fatalf("expected a delete of OS-v1, calls %+v", b.Calls())
	}
}

func TestVolumeCommandsValidateInput(t *testing.T) {
	cases := [][]string{
		{"-e", "127.0.0.1:1", "volume", "create", "v1"},
		{"-e", "127.0.0.1:1", "volume", "extend", "v1"},
		{"-e", "127.0.0.1:1", "volume", "clone", "v1", "--size", "1"},
		{"-e", "127.0.0.1:1", "snapshot", "create", "s1"},
		{"-e", "127.0.0.1:1", "volume", "manage", "v1"},
		{"volume", "delete", "v1"},
	}
	for _, args := range cases {
		if _, _, err := executeRootCommand(t, args...); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}

func TestPropertiesCommandListsScopedKeys(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "--replica-count", "2", "-o", "json", "properties")
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	var props []propertyView
	if err := json.Unmarshal([]byte(stdout), &props); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	found := false
	for _, p := range props {
		if p.Key == "DF:replica_count" {
			found = true
			if n, ok := p.Default.(float64); !ok || n != 2 {
				t.Fatalf("expected replica default 2, got %#v", p.Default)
			}
		}
	}
	if !found {
		t.Fatalf("DF:replica_count missing from %q", stdout)
	}
}

func TestTypeFlagsBuildVolumeType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gold.yaml")
	if err := os.WriteFile(path, []byte("name: gold\nextra-specs:\n  DF:replica_count: \"2\"\n"), 0o600); err != nil {
		t.Fatalf("write type: %v", err)
	}
	f := typeFlags{file: path, specs: map[string]string{"DF:placement_mode": "all_flash"}, qos: map[string]string{"total_iops_max": "500"}}
	vt, err := f.volumeType()
	if err != nil {
		t.Fatalf("volume type: %v", err)
	}
	if vt.Name != "gold" || vt.ExtraSpecs["DF:replica_count"] != "2" || vt.ExtraSpecs["DF:placement_mode"] != "all_flash" || vt.QoSSpecs["total_iops_max"] != "500" {
		t.Fatalf("unexpected volume type %+v", vt)
	}
	empty := typeFlags{}
	if vt, err := empty.volumeType(); err != nil || vt != nil {
		t.Fatalf("expected nil type without flags, got %+v, %v", vt, err)
	}
}
