// Package fabric wires configuration and telemetry around the storage
// appliance client in package client.
//
// The backend serves several REST API revisions side by side (2, 2.1 and
// 2.2). A client negotiates which of them the backend offers, then runs
// every logical volume operation on the newest revision implementing it.
// Sessions, overload retries, tenant scoping and waiting for asynchronous
// provisioning are handled inside the client.
//
// # Connecting
//
//	cfg := fabric.DefaultConfig()
//	cfg.Endpoint = "10.0.0.5"
//	cfg.Username = "admin"
//	cfg.Password = os.Getenv("FABRIC_PASSWORD")
//	cfg.TenantMode = "owner"
//	cli, err := fabric.NewClient(cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cli.Close()
//
// Config.Validate fills defaults (port 7717, https when client certificates
// are configured) and rejects inconsistent settings. ClientOptions exposes
// the translated client.Option list for callers that build clients
// themselves.
//
// # Telemetry
//
// The client records OpenTelemetry spans and metrics through the global
// providers. SetupTelemetry installs an OTLP trace exporter and a Prometheus
// metrics endpoint:
//
//	tel, err := fabric.SetupTelemetry(ctx, fabric.TelemetryConfig{
//		OTLPEndpoint:  "grpc://otel-collector:4317",
//		MetricsListen: ":9464",
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Command line
//
// cmd/fabricctl drives the same operations from a shell. Flags may also be
// given as FABRIC_* environment variables or in $HOME/.fabric/config.yaml;
// `fabricctl config gen` writes a commented starting point.
package fabric
