package metrics

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const (
	MetricNamespace       = "ovsdb"
	MetricSubsystemClient = "client"
)

// Labels used by MetricTransactionFailures
const (
	ReasonValidation   = "validation"
	ReasonCommand      = "command"
	ReasonConflict     = "conflict"
	ReasonTimeout      = "timeout"
	ReasonConnectivity = "connectivity"
)

var MetricTransactionCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemClient,
	Name:      "transactions_total",
	Help:      "The total number of committed transactions, including retries of conflicted ones",
})

var MetricTransactionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemClient,
	Name:      "transaction_failures_total",
	Help:      "The total number of transactions that surfaced an error to the caller, by failure reason"},
	[]string{
		"reason",
	},
)

var MetricTransactionRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemClient,
	Name:      "transaction_retries_total",
	Help:      "The total number of transaction retries after the server reported a conflict",
})

var MetricTransactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemClient,
	Name:      "transaction_duration_seconds",
	Help:      "The duration of a transaction commit, including its conflict retries",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
})

var MetricMonitorUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemClient,
	Name:      "monitor_updates_total",
	Help:      "The total number of row updates received over monitors, by table"},
	[]string{
		"table",
	},
)

var MetricCacheRows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemClient,
	Name:      "cache_rows",
	Help:      "The number of rows the local mirror holds, by table"},
	[]string{
		"table",
	},
)

var MetricHandlerFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemClient,
	Name:      "event_handler_failures_total",
	Help:      "The total number of event handler runs that ended in a panic",
})

var MetricConnected = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemClient,
	Name:      "connected",
	Help:      "1 if the client currently holds a connection to the server, 0 otherwise",
})

var registerClientMetricsOnce sync.Once

// RegisterClientMetrics registers the client metrics with the Prometheus
// registry
func RegisterClientMetrics() {
	registerClientMetricsOnce.Do(func() {
		prometheus.MustRegister(MetricTransactionCount)
		prometheus.MustRegister(MetricTransactionFailures)
		prometheus.MustRegister(MetricTransactionRetries)
		prometheus.MustRegister(MetricTransactionDuration)
		prometheus.MustRegister(MetricMonitorUpdates)
		prometheus.MustRegister(MetricCacheRows)
		prometheus.MustRegister(MetricHandlerFailures)
		prometheus.MustRegister(MetricConnected)
	})
}

// RegisterEventHandlersRunning registers a gauge reporting the number of
// event handlers currently running on the dispatch pool
func RegisterEventHandlersRunning(f func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: MetricNamespace,
			Subsystem: MetricSubsystemClient,
			Name:      "event_handlers_running",
			Help:      "The number of event handlers currently running on the dispatch pool",
		}, f))
}

// newMetricsServer returns the http server for the handler. With a cert
// and key the listener serves TLS, resolving the key pair on every
// handshake so rotated certificates are picked up without a restart
func newMetricsServer(addr, certFile, keyFile string, handler http.Handler) *http.Server {
	server := &http.Server{Addr: addr, Handler: handler}
	if certFile == "" || keyFile == "" {
		return server
	}
	server.TLSConfig = &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load the metrics key pair: %v", err)
			}
			return &cert, nil
		},
	}
	return server
}

// logLevelHandler changes the klog verbosity at runtime, the request
// body carries the new level
func logLevelHandler(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		plainText(w, http.StatusBadRequest, "error reading request body: "+err.Error())
		return
	}
	val := strings.TrimSpace(string(body))
	var level klog.Level
	if err := level.Set(val); err != nil {
		plainText(w, http.StatusBadRequest, fmt.Sprintf("failed to set klog.logging.verbosity to %s: %v", val, err))
		return
	}
	plainText(w, http.StatusOK, "klog.logging.verbosity set to "+val)
}

func plainText(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	fmt.Fprintln(w, text)
}

// StartMetricsServer serves /metrics on bindAddress until stopChan is
// closed, over TLS when certFile and keyFile are both given. enablePprof
// adds the pprof endpoints and a PUT /debug/flags/v handler changing the
// klog verbosity at runtime. The serving goroutine joins wg and brings
// the listener back up after serve failures
func StartMetricsServer(bindAddress string, enablePprof bool, certFile string, keyFile string,
	stopChan <-chan struct{}, wg *sync.WaitGroup) {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(http.NotFound)
	router.Handle("/metrics", promhttp.Handler())

	if enablePprof {
		router.HandleFunc("/debug/pprof/", pprof.Index)
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
		router.HandleFunc("/debug/flags/v", logLevelHandler).Methods("PUT")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			server := newMetricsServer(bindAddress, certFile, keyFile, router)
			served := make(chan error, 1)
			go func() {
				klog.Infof("Metrics server listening on %q", bindAddress)
				if server.TLSConfig != nil {
					served <- server.ListenAndServeTLS("", "")
				} else {
					served <- server.ListenAndServe()
				}
			}()
			select {
			case err := <-served:
				klog.Errorf("Metrics server on %q failed: %v", bindAddress, err)
			case <-stopChan:
				klog.Infof("Shutting down the metrics server on %q", bindAddress)
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := server.Shutdown(ctx)
				cancel()
				if err != nil {
					klog.Errorf("Failed to shut down the metrics server on %q: %v", bindAddress, err)
				}
				return
			}
			select {
			case <-stopChan:
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}
