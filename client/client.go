package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cenkalti/rpc2"
	"github.com/cenkalti/rpc2/jsonrpc"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"

	"github.com/ovn-org/ovsdbclient/cache"
	"github.com/ovn-org/ovsdbclient/event"
	"github.com/ovn-org/ovsdbclient/metrics"
	"github.com/ovn-org/ovsdbclient/ovsdb"
)

// Endpoint schemes understood by Connect
const (
	SSL  = "ssl"
	TCP  = "tcp"
	UNIX = "unix"
)

// ErrNotConnected is an error returned when the client is not connected
var ErrNotConnected = errors.New("not connected")

// Client represents an OVSDB client connection. It provides all the
// necessary functionality to connect to a server, perform transactions,
// and build a local replica of the database with Monitor or MonitorAll,
// kept current by update notifications. Row change events can be
// subscribed to through Watch or WatchEvent
type Client interface {
	Connect(context.Context) error
	Disconnect()
	Close()
	Schema() ovsdb.DatabaseSchema
	Cache() *cache.TableCache
	SetOption(Option) error
	Connected() bool
	CurrentEndpoint() string
	DisconnectNotify() chan struct{}
	Echo(context.Context) error
	ListDbs(context.Context) ([]string, error)
	Transact(context.Context, ...ovsdb.Operation) ([]ovsdb.OperationResult, error)
	Monitor(context.Context, *Monitor) (MonitorCookie, error)
	MonitorAll(context.Context) (MonitorCookie, error)
	MonitorCancel(context.Context, MonitorCookie) error
	Watch(table string, kinds []event.Kind, predicate func(event.Kind, ovsdb.Row, ovsdb.Row) bool, handler func(event.Kind, ovsdb.Row, ovsdb.Row)) *event.WatchHandle
	Unwatch(*event.WatchHandle)
	WatchEvent(event.RowEvent)
	UnwatchEvent(event.RowEvent)
}

type bufferedUpdate struct {
	updates  *ovsdb.TableUpdates
	updates2 *ovsdb.TableUpdates2
}

// ovsdbClient is an OVSDB client
type ovsdbClient struct {
	options        *options
	dbName         string
	rpcClient      *rpc2.Client
	rpcMutex       sync.RWMutex
	activeEndpoint string

	schema      ovsdb.DatabaseSchema
	schemaMutex sync.RWMutex

	// cache is the replica of the monitored tables. cacheMutex also guards
	// the buffering of updates that arrive while a monitor reply is still
	// being processed
	cache           *cache.TableCache
	cacheMutex      sync.RWMutex
	deferUpdates    bool
	deferredUpdates []*bufferedUpdate

	events *event.RowEventHandler

	// any ongoing monitors, so they can be re-established on reconnect
	monitors      map[string]*Monitor
	monitorsMutex sync.Mutex

	stopCh      chan struct{}
	trafficSeen chan struct{}
	disconnect  chan struct{}

	shutdown      bool
	shutdownMutex sync.Mutex

	handlerShutdown *sync.WaitGroup

	logger *logr.Logger
}

// NewClient creates a client for the given database. The client can be
// configured using one or more Option(s), like WithTLSConfig. If no
// WithEndpoint option is supplied, the default of
// unix:/var/run/openvswitch/ovsdb.sock is used
func NewClient(dbName string, opts ...Option) (Client, error) {
	return newOVSDBClient(dbName, opts...)
}

func newOVSDBClient(dbName string, opts ...Option) (*ovsdbClient, error) {
	if dbName == "" {
		return nil, fmt.Errorf("database name is required")
	}
	ovs := &ovsdbClient{
		dbName:          dbName,
		monitors:        make(map[string]*Monitor),
		deferUpdates:    true,
		disconnect:      make(chan struct{}),
		handlerShutdown: &sync.WaitGroup{},
	}
	var err error
	ovs.options, err = newOptions(opts...)
	if err != nil {
		return nil, err
	}
	if ovs.options.logger == nil {
		l := stdr.NewWithOptions(log.New(os.Stderr, "", log.LstdFlags), stdr.Options{LogCaller: stdr.All}).WithName("ovsdb").WithValues("database", dbName)
		ovs.options.logger = &l
	}
	ovs.logger = ovs.options.logger
	ovs.events, err = event.NewRowEventHandler(ovs.logger, ovs.options.handlerPoolSize)
	if err != nil {
		return nil, err
	}
	return ovs, nil
}

// Connect opens a connection to an OVSDB server using the endpoints
// provided when the client was created. The ctx passed in bounds dialing
// and the initial RPC handshake only, not the lifetime of the connection
func (o *ovsdbClient) Connect(ctx context.Context) error {
	if err := o.connect(ctx, false); err != nil {
		return err
	}
	if o.options.backoff != nil {
		o.options.backoff.Reset()
	}
	return nil
}

func (o *ovsdbClient) connect(ctx context.Context, reconnecting bool) error {
	o.rpcMutex.Lock()
	defer o.rpcMutex.Unlock()
	if o.rpcClient != nil {
		return nil
	}

	connected := false
	connectErrors := []error{}
	for _, endpoint := range o.options.endpoints {
		u, err := url.Parse(endpoint)
		if err != nil {
			return err
		}
		if err := o.tryEndpoint(ctx, u); err != nil {
			o.resetRPCClient()
			connectErrors = append(connectErrors, fmt.Errorf("failed to connect to %s: %w", endpoint, err))
			continue
		}
		o.logger.V(3).Info("successfully connected", "endpoint", endpoint)
		o.activeEndpoint = endpoint
		connected = true
		break
	}

	if !connected {
		if len(connectErrors) == 1 {
			return connectErrors[0]
		}
		combined := make([]string, 0, len(connectErrors))
		for _, e := range connectErrors {
			combined = append(combined, e.Error())
		}
		return fmt.Errorf("unable to connect to any endpoints: %s", strings.Join(combined, ". "))
	}

	// re-establish any prior monitors on the fresh connection. The cache
	// was purged when the endpoint was validated, so the initial monitor
	// replies rebuild it from scratch
	if reconnecting {
		o.monitorsMutex.Lock()
		defer o.monitorsMutex.Unlock()
		for id, monitor := range o.monitors {
			err := o.monitor(ctx, MonitorCookie{DatabaseName: o.dbName, ID: id}, true, monitor)
			if err != nil {
				o.resetRPCClient()
				return err
			}
		}
	}

	go o.handleDisconnectNotification()
	if o.options.inactivityTimeout > 0 {
		o.handlerShutdown.Add(1)
		go o.handleInactivityProbes()
	}
	o.handlerShutdown.Add(1)
	go func() {
		defer o.handlerShutdown.Done()
		o.cache.Run(o.stopCh)
	}()

	metrics.MetricConnected.Set(1)
	return nil
}

// tryEndpoint opens a connection to a single endpoint, verifies the
// target database exists there and primes the schema and cache from it.
// The rpc client is left in place on success and must be reset by the
// caller on failure
func (o *ovsdbClient) tryEndpoint(ctx context.Context, u *url.URL) error {
	var c net.Conn
	var dialer net.Dialer
	var err error
	switch u.Scheme {
	case UNIX:
		c, err = dialer.DialContext(ctx, u.Scheme, u.Path)
	case TCP:
		c, err = dialer.DialContext(ctx, u.Scheme, u.Opaque)
	case SSL:
		dialer := tls.Dialer{
			Config: o.options.tlsConfig,
		}
		c, err = dialer.DialContext(ctx, "tcp", u.Opaque)
	default:
		err = fmt.Errorf("unknown network protocol %s", u.Scheme)
	}
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}

	o.createRPC2Client(c)

	dbs, err := o.listDbs(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, db := range dbs {
		if db == o.dbName {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("target database %s not found", o.dbName)
	}

	schema, err := o.getSchema(ctx)
	if err != nil {
		return err
	}
	o.schemaMutex.Lock()
	o.schema = schema
	o.schemaMutex.Unlock()

	o.cacheMutex.Lock()
	defer o.cacheMutex.Unlock()
	if o.cache == nil {
		o.cache, err = cache.NewTableCache(schema, o.logger)
		if err != nil {
			return err
		}
		o.cache.AddEventHandler(o.events)
	} else {
		o.cache.Purge(schema)
	}
	return nil
}

// createRPC2Client sets up the rpcClient using the provided connection and
// registers the notification handlers. The rpc client runs with blocking
// dispatch so notifications are processed in the order the server sent
// them
func (o *ovsdbClient) createRPC2Client(conn net.Conn) {
	o.stopCh = make(chan struct{})
	if o.options.inactivityTimeout > 0 {
		o.trafficSeen = make(chan struct{})
	}
	o.rpcClient = rpc2.NewClientWithCodec(jsonrpc.NewJSONCodec(conn))
	o.rpcClient.SetBlocking(true)
	o.rpcClient.Handle("echo", func(_ *rpc2.Client, args []interface{}, reply *[]interface{}) error {
		return o.echo(args, reply)
	})
	o.rpcClient.Handle("update", func(_ *rpc2.Client, args []json.RawMessage, reply *[]interface{}) error {
		return o.update(args, reply)
	})
	o.rpcClient.Handle("update2", func(_ *rpc2.Client, args []json.RawMessage, reply *[]interface{}) error {
		return o.update2(args, reply)
	})
	o.rpcClient.Handle("monitor_canceled", func(_ *rpc2.Client, args []json.RawMessage, reply *[]interface{}) error {
		return o.monitorCanceled(args, reply)
	})
	go o.rpcClient.Run()
}

func (o *ovsdbClient) resetRPCClient() {
	if o.rpcClient != nil {
		o.rpcClient.Close()
		o.rpcClient = nil
	}
}

// Schema returns the database schema in use by the client. It will be the
// zero value until a connection has been established
func (o *ovsdbClient) Schema() ovsdb.DatabaseSchema {
	o.schemaMutex.RLock()
	defer o.schemaMutex.RUnlock()
	return o.schema
}

// Cache returns the local replica of the monitored tables. It will be nil
// until a connection has been established, and empty unless a monitor has
// been requested
func (o *ovsdbClient) Cache() *cache.TableCache {
	o.cacheMutex.RLock()
	defer o.cacheMutex.RUnlock()
	return o.cache
}

// SetOption sets a new value for an option. It may only be called when
// the client is not connected
func (o *ovsdbClient) SetOption(opt Option) error {
	o.rpcMutex.RLock()
	defer o.rpcMutex.RUnlock()
	if o.rpcClient != nil {
		return fmt.Errorf("cannot set option when client is connected")
	}
	return opt(o.options)
}

// Connected returns whether or not the client is currently connected to
// the server
func (o *ovsdbClient) Connected() bool {
	o.rpcMutex.RLock()
	defer o.rpcMutex.RUnlock()
	return o.rpcClient != nil
}

// CurrentEndpoint returns the endpoint the client last connected to
func (o *ovsdbClient) CurrentEndpoint() string {
	o.rpcMutex.RLock()
	defer o.rpcMutex.RUnlock()
	return o.activeEndpoint
}

// DisconnectNotify returns a channel which will notify the caller when
// the server has disconnected and reconnection, if configured, has given
// up
func (o *ovsdbClient) DisconnectNotify() chan struct{} {
	return o.disconnect
}

// Watch registers a handler to be run whenever a change of one of the
// given kinds to a row of the given table satisfies the predicate. A nil
// predicate matches every change
func (o *ovsdbClient) Watch(table string, kinds []event.Kind, predicate func(event.Kind, ovsdb.Row, ovsdb.Row) bool, handler func(event.Kind, ovsdb.Row, ovsdb.Row)) *event.WatchHandle {
	return o.events.Watch(table, kinds, predicate, handler)
}

// Unwatch removes a handle registered with Watch
func (o *ovsdbClient) Unwatch(handle *event.WatchHandle) {
	o.events.Unwatch(handle)
}

// WatchEvent registers a row event for delivery
func (o *ovsdbClient) WatchEvent(e event.RowEvent) {
	o.events.WatchEvent(e)
}

// UnwatchEvent removes a row event registered with WatchEvent
func (o *ovsdbClient) UnwatchEvent(e event.RowEvent) {
	o.events.UnwatchEvent(e)
}

// RFC 7047 section 4.1.11: the server echoes the supplied params back
func (o *ovsdbClient) echo(args []interface{}, reply *[]interface{}) error {
	*reply = args
	o.markTraffic()
	return nil
}

// RFC 7047 section 4.1.6: update notification for a monitor request
func (o *ovsdbClient) update(params []json.RawMessage, reply *[]interface{}) error {
	cookie := MonitorCookie{}
	*reply = []interface{}{}
	if len(params) > 2 {
		return fmt.Errorf("update requires exactly 2 args")
	}
	if err := json.Unmarshal(params[0], &cookie); err != nil {
		return err
	}
	var updates ovsdb.TableUpdates
	if err := json.Unmarshal(params[1], &updates); err != nil {
		return err
	}
	if cookie.DatabaseName != o.dbName {
		return fmt.Errorf("update: invalid database name: %s unknown", cookie.DatabaseName)
	}
	o.markTraffic()
	tables := make([]string, 0, len(updates))
	for table := range updates {
		tables = append(tables, table)
		metrics.MetricMonitorUpdates.WithLabelValues(table).Inc()
	}

	o.cacheMutex.Lock()
	if o.deferUpdates {
		o.deferredUpdates = append(o.deferredUpdates, &bufferedUpdate{updates: &updates})
		o.cacheMutex.Unlock()
		return nil
	}
	o.cacheMutex.Unlock()

	o.cacheMutex.RLock()
	defer o.cacheMutex.RUnlock()
	if err := o.cache.Populate(updates); err != nil {
		o.logger.Error(err, "failed to apply update notification")
		return err
	}
	o.updateCacheMetrics(tables)
	return nil
}

// ovsdb-server extension: update2 notification for a monitor_cond request
func (o *ovsdbClient) update2(params []json.RawMessage, reply *[]interface{}) error {
	cookie := MonitorCookie{}
	*reply = []interface{}{}
	if len(params) > 2 {
		return fmt.Errorf("update2 requires exactly 2 args")
	}
	if err := json.Unmarshal(params[0], &cookie); err != nil {
		return err
	}
	var updates ovsdb.TableUpdates2
	if err := json.Unmarshal(params[1], &updates); err != nil {
		return err
	}
	if cookie.DatabaseName != o.dbName {
		return fmt.Errorf("update2: invalid database name: %s unknown", cookie.DatabaseName)
	}
	o.markTraffic()
	tables := make([]string, 0, len(updates))
	for table := range updates {
		tables = append(tables, table)
		metrics.MetricMonitorUpdates.WithLabelValues(table).Inc()
	}

	o.cacheMutex.Lock()
	if o.deferUpdates {
		o.deferredUpdates = append(o.deferredUpdates, &bufferedUpdate{updates2: &updates})
		o.cacheMutex.Unlock()
		return nil
	}
	o.cacheMutex.Unlock()

	o.cacheMutex.RLock()
	defer o.cacheMutex.RUnlock()
	if err := o.cache.Populate2(updates); err != nil {
		o.logger.Error(err, "failed to apply update2 notification")
		return err
	}
	o.updateCacheMetrics(tables)
	return nil
}

// updateCacheMetrics refreshes the per table row count gauges. Tables
// outside the schema have no row cache and are skipped
func (o *ovsdbClient) updateCacheMetrics(tables []string) {
	for _, table := range tables {
		rows := o.cache.Table(table)
		if rows == nil {
			continue
		}
		metrics.MetricCacheRows.WithLabelValues(table).Set(float64(rows.Len()))
	}
}

// monitor_canceled notification: the server will no longer send updates
// for this monitor
func (o *ovsdbClient) monitorCanceled(params []json.RawMessage, reply *[]interface{}) error {
	*reply = []interface{}{}
	if len(params) < 1 {
		return fmt.Errorf("monitor_canceled requires the monitor id")
	}
	var cookie MonitorCookie
	if err := json.Unmarshal(params[0], &cookie); err != nil {
		return err
	}
	o.monitorsMutex.Lock()
	delete(o.monitors, cookie.ID)
	o.monitorsMutex.Unlock()
	o.logger.V(3).Info("monitor canceled by the server", "id", cookie.ID)
	return nil
}

func (o *ovsdbClient) markTraffic() {
	if o.trafficSeen == nil {
		return
	}
	select {
	case o.trafficSeen <- struct{}{}:
	default:
	}
}

// getSchema returns the schema of the database the client was created for
// RFC 7047 section 4.1.2: get_schema
func (o *ovsdbClient) getSchema(ctx context.Context) (ovsdb.DatabaseSchema, error) {
	args := ovsdb.NewGetSchemaArgs(o.dbName)
	var reply ovsdb.DatabaseSchema
	err := o.rpcClient.CallWithContext(ctx, "get_schema", args, &reply)
	if err != nil {
		if err == rpc2.ErrShutdown {
			return ovsdb.DatabaseSchema{}, ErrNotConnected
		}
		return ovsdb.DatabaseSchema{}, err
	}
	return reply, nil
}

// listDbs returns the list of databases on the server
// RFC 7047 section 4.1.1: list_dbs
func (o *ovsdbClient) listDbs(ctx context.Context) ([]string, error) {
	var dbs []string
	err := o.rpcClient.CallWithContext(ctx, "list_dbs", nil, &dbs)
	if err != nil {
		if err == rpc2.ErrShutdown {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("list_dbs failure: %w", err)
	}
	return dbs, nil
}

// ListDbs returns the list of databases on the server
func (o *ovsdbClient) ListDbs(ctx context.Context) ([]string, error) {
	o.rpcMutex.RLock()
	defer o.rpcMutex.RUnlock()
	if o.rpcClient == nil {
		return nil, ErrNotConnected
	}
	return o.listDbs(ctx)
}

// Transact performs the provided operations on the database as a single
// atomic transaction
// RFC 7047 section 4.1.3: transact
func (o *ovsdbClient) Transact(ctx context.Context, operations ...ovsdb.Operation) ([]ovsdb.OperationResult, error) {
	o.rpcMutex.RLock()
	defer o.rpcMutex.RUnlock()
	if o.rpcClient == nil {
		return nil, ErrNotConnected
	}
	if ok := o.Schema().ValidateOperations(operations...); !ok {
		return nil, fmt.Errorf("validation failed for the operation")
	}
	args := ovsdb.NewTransactArgs(o.dbName, operations...)
	var reply []ovsdb.OperationResult
	err := o.rpcClient.CallWithContext(ctx, "transact", args, &reply)
	if err != nil {
		if err == rpc2.ErrShutdown {
			return nil, ErrNotConnected
		}
		return nil, err
	}
	return reply, nil
}

// MonitorAll monitors every table and column in the database
func (o *ovsdbClient) MonitorAll(ctx context.Context) (MonitorCookie, error) {
	m := NewMonitor()
	for name := range o.Schema().Tables {
		m.Tables = append(m.Tables, TableMonitor{Table: name})
	}
	return o.Monitor(ctx, m)
}

// Monitor issues the provided monitor request and primes the cache with
// the initial contents of the monitored tables. Subsequent changes arrive
// through update notifications. The returned cookie can be used to cancel
// the monitor
// RFC 7047 section 4.1.5: monitor
func (o *ovsdbClient) Monitor(ctx context.Context, monitor *Monitor) (MonitorCookie, error) {
	cookie := newMonitorCookie(o.dbName)
	o.monitorsMutex.Lock()
	defer o.monitorsMutex.Unlock()
	return cookie, o.monitor(ctx, cookie, false, monitor)
}

// monitor must be called with the monitorsMutex held, and with the
// rpcMutex held as well when reconnecting
func (o *ovsdbClient) monitor(ctx context.Context, cookie MonitorCookie, reconnecting bool, monitor *Monitor) error {
	if len(monitor.Tables) == 0 {
		return fmt.Errorf("at least one table should be monitored")
	}
	if !reconnecting {
		o.rpcMutex.RLock()
		defer o.rpcMutex.RUnlock()
	}
	if o.rpcClient == nil {
		return ErrNotConnected
	}

	schema := o.Schema()
	requests := make(map[string]ovsdb.MonitorRequest)
	for _, tm := range monitor.Tables {
		tableSchema := schema.Table(tm.Table)
		if tableSchema == nil {
			return fmt.Errorf("monitor: table %s not in schema", tm.Table)
		}
		columns := tm.Columns
		if len(columns) == 0 {
			columns = make([]string, 0, len(tableSchema.Columns))
			for column := range tableSchema.Columns {
				columns = append(columns, column)
			}
		}
		request := ovsdb.MonitorRequest{Columns: columns}
		if len(tm.Conditions) > 0 {
			if monitor.Method != ovsdb.ConditionalMonitorRPC {
				return fmt.Errorf("monitor: conditions require the %s method", ovsdb.ConditionalMonitorRPC)
			}
			request.Where = tm.Conditions
		}
		requests[tm.Table] = request
	}

	var err error
	var tableUpdates interface{}
	switch monitor.Method {
	case ovsdb.MonitorRPC:
		args := ovsdb.NewMonitorArgs(o.dbName, cookie, requests)
		var reply ovsdb.TableUpdates
		err = o.rpcClient.CallWithContext(ctx, monitor.Method, args, &reply)
		tableUpdates = reply
	case ovsdb.ConditionalMonitorRPC:
		args := ovsdb.NewMonitorCondArgs(o.dbName, cookie, requests)
		var reply ovsdb.TableUpdates2
		err = o.rpcClient.CallWithContext(ctx, monitor.Method, args, &reply)
		tableUpdates = reply
	default:
		return fmt.Errorf("unsupported monitor method: %v", monitor.Method)
	}
	if err != nil {
		if err == rpc2.ErrShutdown {
			return ErrNotConnected
		}
		return err
	}

	if !reconnecting {
		o.monitors[cookie.ID] = monitor
	}

	o.cacheMutex.Lock()
	defer o.cacheMutex.Unlock()

	switch u := tableUpdates.(type) {
	case ovsdb.TableUpdates:
		err = o.cache.Populate(u)
	case ovsdb.TableUpdates2:
		err = o.cache.Populate2(u)
	}
	if err != nil {
		return err
	}

	// apply any updates that arrived while the initial contents were being
	// processed
	for _, u := range o.deferredUpdates {
		if u.updates != nil {
			if err = o.cache.Populate(*u.updates); err != nil {
				return err
			}
		}
		if u.updates2 != nil {
			if err = o.cache.Populate2(*u.updates2); err != nil {
				return err
			}
		}
	}
	o.deferredUpdates = nil
	o.deferUpdates = false

	tables := make([]string, 0, len(monitor.Tables))
	for _, tm := range monitor.Tables {
		tables = append(tables, tm.Table)
	}
	o.updateCacheMetrics(tables)

	return nil
}

// MonitorCancel requests that the server no longer sends updates for the
// given monitor
// RFC 7047 section 4.1.7: monitor_cancel
func (o *ovsdbClient) MonitorCancel(ctx context.Context, cookie MonitorCookie) error {
	var reply ovsdb.OperationResult
	o.rpcMutex.RLock()
	defer o.rpcMutex.RUnlock()
	if o.rpcClient == nil {
		return ErrNotConnected
	}
	args := ovsdb.NewMonitorCancelArgs(cookie)
	err := o.rpcClient.CallWithContext(ctx, "monitor_cancel", args, &reply)
	if err != nil {
		if err == rpc2.ErrShutdown {
			return ErrNotConnected
		}
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("error while canceling monitor: %s", reply.Error)
	}
	o.monitorsMutex.Lock()
	delete(o.monitors, cookie.ID)
	o.monitorsMutex.Unlock()
	return nil
}

// Echo tests the liveness of the connection
// RFC 7047 section 4.1.11: echo
func (o *ovsdbClient) Echo(ctx context.Context) error {
	args := ovsdb.NewEchoArgs()
	var reply []interface{}
	o.rpcMutex.RLock()
	defer o.rpcMutex.RUnlock()
	if o.rpcClient == nil {
		return ErrNotConnected
	}
	err := o.rpcClient.CallWithContext(ctx, "echo", args, &reply)
	if err != nil {
		if err == rpc2.ErrShutdown {
			return ErrNotConnected
		}
		return err
	}
	if !reflect.DeepEqual(args, reply) {
		return fmt.Errorf("incorrect server response: %v, %v", args, reply)
	}
	return nil
}

// handleInactivityProbes issues an echo whenever no traffic has been seen
// from the server for the configured interval. A failed probe closes the
// connection, which triggers a reconnect when one is configured
func (o *ovsdbClient) handleInactivityProbes() {
	defer o.handlerShutdown.Done()
	stopCh := o.stopCh
	trafficSeen := o.trafficSeen
	timer := time.NewTimer(o.options.inactivityTimeout)
	defer timer.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-trafficSeen:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(o.options.inactivityTimeout)
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.options.timeout)
			err := o.Echo(ctx)
			cancel()
			if err != nil {
				o.logger.V(2).Error(err, "inactivity probe failed, disconnecting")
				o.Disconnect()
				return
			}
			timer.Reset(o.options.inactivityTimeout)
		}
	}
}

func (o *ovsdbClient) handleDisconnectNotification() {
	<-o.rpcClient.DisconnectNotify()
	// stop the cache event dispatch and the inactivity probes for the old
	// connection before anything else can happen on a new one
	close(o.stopCh)
	metrics.MetricConnected.Set(0)
	o.handlerShutdown.Wait()
	o.rpcMutex.Lock()
	if o.options.reconnect && !o.isShutdown() {
		o.rpcClient = nil
		o.rpcMutex.Unlock()
		connect := func() error {
			// buffer updates from the new connection until its monitors
			// have been primed
			o.cacheMutex.Lock()
			o.deferUpdates = true
			o.deferredUpdates = nil
			o.cacheMutex.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), o.options.timeout)
			defer cancel()
			err := o.connect(ctx, true)
			if err != nil {
				o.logger.V(2).Error(err, "failed to reconnect", "endpoints", strings.Join(o.options.endpoints, ","))
			}
			return err
		}
		o.logger.V(3).Info("connection lost, reconnecting", "endpoint", o.activeEndpoint)
		if err := backoff.Retry(connect, o.options.backoff); err == nil {
			return
		}
		o.rpcMutex.Lock()
	}

	// clear the connection state and tell the client we are gone for good
	o.rpcClient = nil
	o.rpcMutex.Unlock()
	o.cacheMutex.Lock()
	o.deferUpdates = true
	o.deferredUpdates = nil
	o.cacheMutex.Unlock()

	select {
	case o.disconnect <- struct{}{}:
		// sent disconnect notification to client
	default:
		// client is not listening to the channel
	}
}

func (o *ovsdbClient) isShutdown() bool {
	o.shutdownMutex.Lock()
	defer o.shutdownMutex.Unlock()
	return o.shutdown
}

// Disconnect closes the connection to the server. If the client was
// configured with WithReconnect it will reconnect afterwards
func (o *ovsdbClient) Disconnect() {
	o.rpcMutex.Lock()
	defer o.rpcMutex.Unlock()
	if o.rpcClient == nil {
		return
	}
	o.rpcClient.Close()
}

// Close closes the connection to the server and releases the event
// delivery pool. The client cannot be reused afterwards
func (o *ovsdbClient) Close() {
	o.shutdownMutex.Lock()
	o.shutdown = true
	o.shutdownMutex.Unlock()
	o.rpcMutex.Lock()
	if o.rpcClient != nil {
		o.rpcClient.Close()
	}
	o.rpcMutex.Unlock()
	o.events.Shutdown()
}
