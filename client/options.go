package client

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

const defaultUnixEndpoint = "unix:/var/run/openvswitch/ovsdb.sock"

// defaultTimeout bounds the RPCs the client issues on its own behalf,
// reconnection handshakes and inactivity probes among them
const defaultTimeout = 10 * time.Second

type options struct {
	endpoints         []string
	tlsConfig         *tls.Config
	reconnect         bool
	timeout           time.Duration
	backoff           backoff.BackOff
	inactivityTimeout time.Duration
	handlerPoolSize   int
	logger            *logr.Logger
}

func newOptions(opts ...Option) (*options, error) {
	o := &options{
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	// if no endpoints are supplied, use the default unix socket
	if len(o.endpoints) == 0 {
		o.endpoints = []string{defaultUnixEndpoint}
	}
	return o, nil
}

// Option is a function that configures the client at creation time
type Option func(o *options) error

// WithTLSConfig sets the tls.Config used when connecting to ssl endpoints
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) error {
		o.tlsConfig = cfg
		return nil
	}
}

// WithEndpoint adds an endpoint in "scheme:address" format to the list the
// client tries to connect to, in order. Supported schemes are tcp, ssl and
// unix
func WithEndpoint(endpoint string) Option {
	return func(o *options) error {
		ep, err := url.Parse(endpoint)
		if err != nil {
			return err
		}
		switch ep.Scheme {
		case UNIX, TCP, SSL:
			o.endpoints = append(o.endpoints, endpoint)
		default:
			return fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
		}
		return nil
	}
}

// WithReconnect causes the client to reconnect and re-establish its
// monitors when the connection to the server is lost. Individual
// reconnection attempts are given up after timeout and retried under the
// provided backoff policy. The same timeout also bounds the RPCs the
// client issues on its own behalf, such as inactivity probes
func WithReconnect(timeout time.Duration, backoff backoff.BackOff) Option {
	return func(o *options) error {
		o.reconnect = true
		o.timeout = timeout
		o.backoff = backoff
		return nil
	}
}

// WithInactivityCheck makes the client probe the server with an echo
// whenever no traffic has been seen for the given interval. A failed probe
// closes the connection, triggering a reconnect when one is configured
func WithInactivityCheck(interval time.Duration) Option {
	return func(o *options) error {
		if interval <= 0 {
			return fmt.Errorf("inactivity check interval must be positive")
		}
		o.inactivityTimeout = interval
		return nil
	}
}

// WithHandlerPool bounds the number of goroutines delivering row change
// events to registered watchers
func WithHandlerPool(size int) Option {
	return func(o *options) error {
		if size <= 0 {
			return fmt.Errorf("handler pool size must be positive")
		}
		o.handlerPoolSize = size
		return nil
	}
}

// WithLogger sets a logger for the client to use, a stderr logger
// otherwise
func WithLogger(l *logr.Logger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}
