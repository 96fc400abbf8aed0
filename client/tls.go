package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"reflect"

	"github.com/go-logr/logr"
	"gopkg.in/fsnotify/fsnotify.v1"
)

// NewTLSConfig builds a tls.Config from PEM encoded certificate, private
// key and CA bundle files, verifying the server as serverName
func NewTLSConfig(certFile, privKeyFile, caCertFile, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, privKeyFile)
	if err != nil {
		return nil, fmt.Errorf("error generating x509 certs: %v", err)
	}
	caCert, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, fmt.Errorf("error reading ca cert %s: %v", caCertFile, err)
	}
	caCertPool := x509.NewCertPool()
	if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
		return nil, fmt.Errorf("no ca certs parsed from %s", caCertFile)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		ServerName:   serverName,
	}
	return tlsConfig, nil
}

// NewKeyPairWatcherFunc watches the TLS key and cert files and swaps the
// certificate in tlsConfig when they are rewritten. The returned function
// runs until stopCh is closed. On a change it disconnects the client
// without calling Connect, so a client configured with WithReconnect
// comes back with the new identity
func NewKeyPairWatcherFunc(certFile, privKeyFile string, tlsConfig *tls.Config, logger logr.Logger) (func(Client, <-chan struct{}), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(certFile); err != nil {
		return nil, err
	}
	if err := watcher.Add(privKeyFile); err != nil {
		return nil, err
	}
	fn := func(c Client, stopCh <-chan struct{}) {
		for {
			select {
			case event, ok := <-watcher.Events:
				if ok && event.Op&(fsnotify.Write|fsnotify.Remove) != 0 {
					cert, err := tls.LoadX509KeyPair(certFile, privKeyFile)
					if err != nil {
						logger.Info("cannot load new cert", "cert", certFile, "key", privKeyFile, "error", err)
						continue
					}
					if reflect.DeepEqual(tlsConfig.Certificates, []tls.Certificate{cert}) {
						continue
					}
					tlsConfig.Certificates = []tls.Certificate{cert}
					c.Disconnect()
					logger.Info("connection reset to pick up the new TLS key pair", "endpoint", c.CurrentEndpoint())
				}
			case err, ok := <-watcher.Errors:
				if ok {
					logger.Error(err, "error watching TLS key pair")
				}
			case <-stopCh:
				if err := watcher.Close(); err != nil {
					logger.Error(err, "error closing TLS key pair watcher")
				}
				return
			}
		}
	}
	return fn, nil
}
