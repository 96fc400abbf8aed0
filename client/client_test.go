package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cenkalti/rpc2"
	"github.com/cenkalti/rpc2/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovn-org/ovsdbclient/event"
	"github.com/ovn-org/ovsdbclient/ovsdb"
)

const testSchemaJSON = `{
  "name": "Open_vSwitch",
  "version": "8.3.0",
  "tables": {
    "Bridge": {
      "columns": {
        "name": {"type": "string", "mutable": false},
        "datapath_id": {"type": {"key": "string", "min": 0, "max": 1}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      },
      "indexes": [["name"]]
    },
    "Open_vSwitch": {
      "columns": {
        "bridges": {"type": {"key": {"type": "uuid", "refTable": "Bridge"}, "min": 0, "max": "unlimited"}}
      }
    }
  }
}`

const (
	aUUID0 = "2f77b348-9768-4866-b761-89d5177ecda0"
	aUUID1 = "2f77b348-9768-4866-b761-89d5177ecda1"
	aUUID2 = "2f77b348-9768-4866-b761-89d5177ecda2"
)

// testOvsdbServer is a canned-reply ovsdb server good enough to exercise
// the client handshake, monitors and update notifications
type testOvsdbServer struct {
	t        *testing.T
	srv      *rpc2.Server
	listener net.Listener

	mu            sync.Mutex
	conns         []*rpc2.Client
	monitorConn   *rpc2.Client
	monitorCookie json.RawMessage
	monitorCalls  int
	initial       ovsdb.TableUpdates
	transactReply []ovsdb.OperationResult
	transacts     [][]ovsdb.Operation
	dropEcho      bool
}

func newTestOvsdbServer(t *testing.T) *testOvsdbServer {
	t.Helper()
	s := &testOvsdbServer{t: t, srv: rpc2.NewServer()}
	s.srv.Handle("list_dbs", func(_ *rpc2.Client, _ []interface{}, reply *[]string) error {
		*reply = []string{"Open_vSwitch"}
		return nil
	})
	s.srv.Handle("get_schema", func(_ *rpc2.Client, args []interface{}, reply *json.RawMessage) error {
		if db, ok := args[0].(string); !ok || db != "Open_vSwitch" {
			return fmt.Errorf("database %v does not exist", args[0])
		}
		*reply = json.RawMessage(testSchemaJSON)
		return nil
	})
	s.srv.Handle("echo", func(_ *rpc2.Client, args []interface{}, reply *[]interface{}) error {
		s.mu.Lock()
		drop := s.dropEcho
		s.mu.Unlock()
		if drop {
			return fmt.Errorf("no echo reply")
		}
		echoReply := make([]interface{}, len(args))
		copy(echoReply, args)
		*reply = echoReply
		return nil
	})
	s.srv.Handle("monitor", func(client *rpc2.Client, args []json.RawMessage, reply *ovsdb.TableUpdates) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.monitorConn = client
		s.monitorCookie = args[1]
		s.monitorCalls++
		if s.initial != nil {
			*reply = s.initial
		} else {
			*reply = ovsdb.TableUpdates{}
		}
		return nil
	})
	s.srv.Handle("monitor_cancel", func(_ *rpc2.Client, _ []interface{}, reply *ovsdb.OperationResult) error {
		*reply = ovsdb.OperationResult{}
		return nil
	})
	s.srv.Handle("transact", func(_ *rpc2.Client, args []json.RawMessage, reply *[]ovsdb.OperationResult) error {
		if len(args) < 1 {
			return fmt.Errorf("not enough args")
		}
		ops := make([]ovsdb.Operation, 0, len(args)-1)
		for i := 1; i < len(args); i++ {
			var op ovsdb.Operation
			if err := json.Unmarshal(args[i], &op); err != nil {
				return err
			}
			ops = append(ops, op)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.transacts = append(s.transacts, ops)
		*reply = s.transactReply
		return nil
	})
	s.srv.OnConnect(func(c *rpc2.Client) {
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = l
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.srv.ServeCodec(jsonrpc.NewJSONCodec(conn))
		}
	}()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *testOvsdbServer) endpoint() string {
	return "tcp:" + s.listener.Addr().String()
}

func (s *testOvsdbServer) setInitial(updates ovsdb.TableUpdates) {
	s.mu.Lock()
	s.initial = updates
	s.mu.Unlock()
}

func (s *testOvsdbServer) setDropEcho(drop bool) {
	s.mu.Lock()
	s.dropEcho = drop
	s.mu.Unlock()
}

func (s *testOvsdbServer) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// notifyUpdate pushes an update notification for the last requested
// monitor. It is sent as a call, so by the time it returns the client has
// applied the update to its cache
func (s *testOvsdbServer) notifyUpdate(t *testing.T, updates ovsdb.TableUpdates) {
	t.Helper()
	s.mu.Lock()
	conn := s.monitorConn
	cookie := s.monitorCookie
	s.mu.Unlock()
	require.NotNil(t, conn, "no monitor has been requested")
	var reply []interface{}
	err := conn.Call("update", []interface{}{cookie, updates}, &reply)
	require.NoError(t, err)
}

func testConnectedClient(t *testing.T, s *testOvsdbServer, opts ...Option) Client {
	t.Helper()
	opts = append([]Option{WithEndpoint(s.endpoint())}, opts...)
	c, err := NewClient("Open_vSwitch", opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Close)
	return c
}

func TestClientConnect(t *testing.T) {
	s := newTestOvsdbServer(t)
	c := testConnectedClient(t, s)

	assert.True(t, c.Connected())
	assert.Equal(t, s.endpoint(), c.CurrentEndpoint())
	assert.Equal(t, "Open_vSwitch", c.Schema().Name)
	assert.NotNil(t, c.Cache())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Echo(ctx))

	dbs, err := c.ListDbs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Open_vSwitch"}, dbs)
}

func TestClientConnectUnknownDatabase(t *testing.T) {
	s := newTestOvsdbServer(t)
	c, err := NewClient("OVN_Northbound", WithEndpoint(s.endpoint()))
	require.NoError(t, err)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target database OVN_Northbound not found")
	assert.False(t, c.Connected())
}

func TestClientTransact(t *testing.T) {
	s := newTestOvsdbServer(t)
	s.transactReply = []ovsdb.OperationResult{{UUID: ovsdb.UUID{GoUUID: aUUID0}}}
	c := testConnectedClient(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ops := []ovsdb.Operation{{
		Op:       ovsdb.OperationInsert,
		Table:    "Bridge",
		Row:      ovsdb.Row{"name": "br0"},
		UUIDName: "u0000000001",
	}}
	results, err := c.Transact(ctx, ops...)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, aUUID0, results[0].UUID.GoUUID)

	// the server saw the operations as sent
	s.mu.Lock()
	require.Len(t, s.transacts, 1)
	got := s.transacts[0]
	s.mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, ovsdb.OperationInsert, got[0].Op)
	assert.Equal(t, "Bridge", got[0].Table)
	assert.Equal(t, "u0000000001", got[0].UUIDName)
}

func TestClientTransactValidation(t *testing.T) {
	s := newTestOvsdbServer(t)
	c := testConnectedClient(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Transact(ctx, ovsdb.Operation{Op: ovsdb.OperationInsert, Table: "NoSuchTable"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	// nothing reached the server
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.transacts)
}

func TestClientTransactNotConnected(t *testing.T) {
	c, err := NewClient("Open_vSwitch", WithEndpoint("tcp:127.0.0.1:6640"))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Transact(context.Background(), ovsdb.Operation{Op: ovsdb.OperationInsert, Table: "Bridge"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientMonitorAll(t *testing.T) {
	s := newTestOvsdbServer(t)
	s.setInitial(ovsdb.TableUpdates{
		"Bridge": ovsdb.TableUpdate{
			aUUID0: &ovsdb.RowUpdate{
				New: &ovsdb.Row{"name": "br0", "external_ids": ovsdb.OvsMap{GoMap: map[interface{}]interface{}{"purpose": "test"}}},
			},
		},
	})
	c := testConnectedClient(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cookie, err := c.MonitorAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Open_vSwitch", cookie.DatabaseName)
	assert.NotEmpty(t, cookie.ID)

	// the initial contents primed the cache
	require.Equal(t, 1, c.Cache().Table("Bridge").Len())
	row := c.Cache().Row("Bridge", aUUID0)
	require.NotNil(t, row)
	assert.Equal(t, "br0", row["name"])

	// watchers see subsequent changes
	created := make(chan ovsdb.Row, 1)
	handle := c.Watch("Bridge", []event.Kind{event.RowCreate}, nil, func(_ event.Kind, row, _ ovsdb.Row) {
		created <- row
	})
	defer c.Unwatch(handle)

	s.notifyUpdate(t, ovsdb.TableUpdates{
		"Bridge": ovsdb.TableUpdate{
			aUUID1: &ovsdb.RowUpdate{New: &ovsdb.Row{"name": "br1"}},
		},
	})
	assert.Equal(t, 2, c.Cache().Table("Bridge").Len())
	select {
	case row := <-created:
		assert.Equal(t, "br1", row["name"])
	case <-time.After(2 * time.Second):
		t.Fatal("watch handler was not run for the new row")
	}
}

func TestClientMonitorCancel(t *testing.T) {
	s := newTestOvsdbServer(t)
	c := testConnectedClient(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cookie, err := c.Monitor(ctx, NewMonitor(TableMonitor{Table: "Bridge"}))
	require.NoError(t, err)
	require.NoError(t, c.MonitorCancel(ctx, cookie))
}

func TestClientDisconnectNotify(t *testing.T) {
	s := newTestOvsdbServer(t)
	c := testConnectedClient(t, s)

	notified := make(chan struct{})
	go func() {
		<-c.DisconnectNotify()
		close(notified)
	}()

	s.closeConns()
	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a disconnect notification")
	}
	assert.False(t, c.Connected())
}

func TestClientReconnect(t *testing.T) {
	s := newTestOvsdbServer(t)
	s.setInitial(ovsdb.TableUpdates{
		"Bridge": ovsdb.TableUpdate{
			aUUID0: &ovsdb.RowUpdate{New: &ovsdb.Row{"name": "br0"}},
		},
	})
	c := testConnectedClient(t, s, WithReconnect(2*time.Second, &backoff.ZeroBackOff{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.MonitorAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Cache().Table("Bridge").Len())

	// on reconnect the client re-establishes its monitor and rebuilds the
	// replica from the server's current contents
	s.setInitial(ovsdb.TableUpdates{
		"Bridge": ovsdb.TableUpdate{
			aUUID0: &ovsdb.RowUpdate{New: &ovsdb.Row{"name": "br0"}},
			aUUID1: &ovsdb.RowUpdate{New: &ovsdb.Row{"name": "br1"}},
		},
	})
	s.closeConns()

	require.Eventually(t, func() bool {
		return c.Connected() && c.Cache().Table("Bridge").Len() == 2
	}, 5*time.Second, 20*time.Millisecond)

	s.mu.Lock()
	monitorCalls := s.monitorCalls
	s.mu.Unlock()
	assert.Equal(t, 2, monitorCalls)
}

func TestClientInactivityProbe(t *testing.T) {
	s := newTestOvsdbServer(t)
	c := testConnectedClient(t, s, WithInactivityCheck(50*time.Millisecond))

	notified := make(chan struct{})
	go func() {
		<-c.DisconnectNotify()
		close(notified)
	}()

	// once the server stops answering echos the probe tears the
	// connection down
	s.setDropEcho(true)
	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the failed probe to disconnect the client")
	}
	assert.False(t, c.Connected())
}
