package fabric

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:5317", otlpTarget{protocol: "grpc", endpoint: "collector:5317", insecure: true}},
		{"grpcs://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{"http://collector/v1/traces/", otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{"https://collector:443", otlpTarget{protocol: "http", endpoint: "collector:443"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"", "ftp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := SetupTelemetry(context.Background(), TelemetryConfig{}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if tel != nil {
		t.Fatal("expected nil telemetry when nothing is enabled")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
	if _, err := SetupTelemetry(context.Background(), TelemetryConfig{RuntimeMetrics: true}, nil); err == nil {
		t.Fatal("runtime metrics without a listener must fail")
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := SetupTelemetry(ctx, TelemetryConfig{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	})
	addr := tel.MetricsAddr()
	if addr == "" {
		t.Fatal("expected bound metrics address")
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "target_info") {
		t.Fatalf("expected otel target_info in scrape, got %q", body)
	}
}
