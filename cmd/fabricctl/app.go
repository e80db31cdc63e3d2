package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/fabric"
	"pkt.systems/fabric/client"
	"pkt.systems/fabric/internal/pathutil"
	"pkt.systems/fabric/internal/svcfields"
	"pkt.systems/fabric/policy"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("FABRIC_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "fabricctl")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fabricctl",
		Short:         "fabricctl drives logical volumes on a storage appliance over its versioned REST API",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Show which API versions the backend serves
  fabricctl -e 10.0.0.5 -u admin --password "$FABRIC_PASSWORD" versions

  # Create a 10 GiB volume with two replicas in the owner's tenant
  fabricctl -e 10.0.0.5 --tenant-mode owner volume create vol-1 --size 10 \
    --owner 6f9619ff-8b86-d011-b42d-00c04fc964ff --spec DF:replica_count=2

  # Mutual TLS using a combined client bundle
  FABRIC_BUNDLE=$HOME/.fabric/client.pem fabricctl -e array.example stats
`,
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.fabric/"+fabric.DefaultConfigFileName+")")
	persistentFlags.StringP("endpoint", "e", "", "backend endpoint (host, host:port or scheme://host:port)")
	persistentFlags.Int("port", client.DefaultPort, "backend port when the endpoint has none")
	persistentFlags.String("scheme", "", "backend scheme when the endpoint has none (http or https; https when client certificates are set)")
	persistentFlags.StringP("username", "u", "", "backend user (empty disables login)")
	persistentFlags.String("password", "", "backend password")
	persistentFlags.StringP("bundle", "b", "", "combined PEM bundle (CA, client certificate, key) for mutual TLS")
	persistentFlags.String("cert", "", "client certificate PEM for mutual TLS")
	persistentFlags.String("key", "", "client key PEM for mutual TLS")
	persistentFlags.String("ca", "", "CA certificate PEM used to verify the backend")
	persistentFlags.Bool("insecure-skip-verify", false, "skip verification of the backend certificate")
	persistentFlags.Duration("http-timeout", client.DefaultHTTPTimeout, "timeout for each HTTP attempt")
	persistentFlags.Duration("overload-timeout", fabric.DefaultOverloadTimeout, "how long an overloaded backend (503) is retried")
	persistentFlags.Duration("overload-interval", fabric.DefaultOverloadInterval, "delay between overload retries")
	persistentFlags.String("tenant-mode", "none", "tenant scoping (none, fixed, owner)")
	persistentFlags.String("tenant", "", "tenant name in fixed tenant mode")
	persistentFlags.StringSlice("versions", nil, "restrict the API versions spoken (e.g. 2.1,2.2)")
	persistentFlags.Int("replica-count", 3, "default replica count for volumes without a type override")
	persistentFlags.String("placement-mode", "hybrid", "default placement mode")
	persistentFlags.String("ip-pool", "default", "default access network ip pool(s), comma separated")
	persistentFlags.String("metrics-listen", "", "serve Prometheus metrics on this address while the command runs")
	persistentFlags.String("otlp-endpoint", "", "export traces to this OTLP collector")
	persistentFlags.StringP("output", "o", "yaml", "output format (yaml or json)")
	persistentFlags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := persistentFlags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("FABRIC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"endpoint", "port", "scheme", "username", "password",
		"bundle", "cert", "key", "ca", "insecure-skip-verify",
		"http-timeout", "overload-timeout", "overload-interval",
		"tenant-mode", "tenant", "versions",
		"replica-count", "placement-mode", "ip-pool",
		"metrics-listen", "otlp-endpoint", "output", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	run := newRunner(baseLogger)
	cmd.AddCommand(newVersionsCommand(run))
	cmd.AddCommand(newStatsCommand(run))
	cmd.AddCommand(newPropertiesCommand())
	cmd.AddCommand(newVolumeCommand(run))
	cmd.AddCommand(newSnapshotCommand(run))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// runner opens a client for one command invocation and tears it down after.
type runner struct {
	baseLogger pslog.Logger
}

func newRunner(baseLogger pslog.Logger) *runner {
	return &runner{baseLogger: baseLogger}
}

func (r *runner) with(cmd *cobra.Command, fn func(ctx context.Context, cli *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := r.baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")

	configFile, err := loadConfigFile()
	if err != nil {
		return err
	}
	if configFile != "" {
		cliLogger.Debug("loaded config file", "path", configFile)
	}
	cfg, err := bindConfig()
	if err != nil {
		return err
	}

	tel, err := fabric.SetupTelemetry(ctx, fabric.TelemetryConfig{
		ServiceName:   "fabricctl",
		OTLPEndpoint:  viper.GetString("otlp-endpoint"),
		MetricsListen: viper.GetString("metrics-listen"),
	}, svcfields.WithSubsystem(logger, "cli.telemetry"))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			cliLogger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	cli, err := fabric.NewClient(cfg, svcfields.WithSubsystem(logger, "client"))
	if err != nil {
		return err
	}
	defer func() {
		_ = cli.Close()
	}()
	return fn(ctx, cli)
}

func bindConfig() (fabric.Config, error) {
	cfg := fabric.DefaultConfig()
	cfg.Endpoint = viper.GetString("endpoint")
	cfg.Port = viper.GetInt("port")
	cfg.Scheme = viper.GetString("scheme")
	cfg.Username = viper.GetString("username")
	cfg.Password = viper.GetString("password")
	cfg.BundlePath = viper.GetString("bundle")
	cfg.CertPath = viper.GetString("cert")
	cfg.KeyPath = viper.GetString("key")
	cfg.CAPath = viper.GetString("ca")
	cfg.InsecureSkipVerify = viper.GetBool("insecure-skip-verify")
	cfg.HTTPTimeout = viper.GetDuration("http-timeout")
	cfg.Overload = fabric.RetryConfig{
		Timeout:  viper.GetDuration("overload-timeout"),
		Interval: viper.GetDuration("overload-interval"),
	}
	cfg.TenantMode = viper.GetString("tenant-mode")
	cfg.Tenant = viper.GetString("tenant")
	cfg.KnownVersions = viper.GetStringSlice("versions")
	cfg.Policy = policyDefaults()
	if err := cfg.Validate(); err != nil {
		return fabric.Config{}, err
	}
	return cfg, nil
}

func policyDefaults() policy.Defaults {
	d := policy.DefaultDefaults()
	d.ReplicaCount = viper.GetInt("replica-count")
	d.PlacementMode = viper.GetString("placement-mode")
	d.IPPool = viper.GetString("ip-pool")
	return d
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		dir, err := fabric.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		cfgPath = filepath.Join(dir, fabric.DefaultConfigFileName)
	}
	expanded, err := pathutil.ExpandUserAndEnv(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func printValue(w io.Writer, v any) error {
	switch format := strings.ToLower(strings.TrimSpace(viper.GetString("output"))); format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "", "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
