package fabric

import (
	"fmt"

	"pkt.systems/fabric/client"
	"pkt.systems/pslog"
)

// NewClient validates cfg and builds a client for the backend it names.
// extra options are applied after the ones derived from cfg.
func NewClient(cfg Config, logger pslog.Logger, extra ...client.Option) (*client.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	opts = append(opts, client.WithLogger(logger))
	opts = append(opts, extra...)
	cli, err := client.New(cfg.EndpointURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("fabric: connect %s: %w", cfg.Endpoint, err)
	}
	return cli, nil
}
