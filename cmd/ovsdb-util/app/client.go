package app

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/ovn-org/ovsdbclient/client"
	"github.com/ovn-org/ovsdbclient/config"
)

// requestTimeout is the configured bound for individual OVSDB requests.
func requestTimeout() time.Duration {
	return time.Duration(config.Default.Timeout) * time.Second
}

// newClient builds a client for the given database from the global config
// and connects it.
func newClient(ctx context.Context, database string, reconnect bool) (client.Client, error) {
	var opts []client.Option
	for _, endpoint := range config.Default.Endpoints() {
		opts = append(opts, client.WithEndpoint(endpoint))
	}
	if config.SSL.PrivateKey != "" {
		tlsConfig, err := client.NewTLSConfig(config.SSL.Certificate,
			config.SSL.PrivateKey, config.SSL.CACert, config.SSL.ServerName)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load the client certificates")
		}
		opts = append(opts, client.WithTLSConfig(tlsConfig))
	}
	if config.Default.InactivityProbe > 0 {
		opts = append(opts,
			client.WithInactivityCheck(time.Duration(config.Default.InactivityProbe)*time.Second))
	}
	if config.Default.PoolSize > 0 {
		opts = append(opts, client.WithHandlerPool(config.Default.PoolSize))
	}
	if reconnect {
		opts = append(opts, client.WithReconnect(requestTimeout(), backoff.NewExponentialBackOff()))
	}

	c, err := client.NewClient(database, opts...)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, requestTimeout())
	defer cancel()
	if err := c.Connect(connectCtx); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", config.Default.Address)
	}
	return c, nil
}
