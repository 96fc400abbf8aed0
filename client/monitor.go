package client

import (
	"github.com/google/uuid"

	"github.com/ovn-org/ovsdbclient/ovsdb"
)

// Monitor describes a set of table monitor requests issued to the server
// as a single monitor or monitor_cond call
type Monitor struct {
	Method string
	Tables []TableMonitor
}

// TableMonitor names one table to monitor
type TableMonitor struct {
	Table string
	// Columns to monitor, every column when empty
	Columns []string
	// Conditions restrict the rows monitored, understood by the
	// monitor_cond method only
	Conditions []ovsdb.Condition
}

// NewMonitor returns a Monitor for the given tables using the plain
// monitor method
func NewMonitor(tables ...TableMonitor) *Monitor {
	return &Monitor{
		Method: ovsdb.MonitorRPC,
		Tables: tables,
	}
}

// NewConditionalMonitor returns a Monitor for the given tables using the
// monitor_cond method
func NewConditionalMonitor(tables ...TableMonitor) *Monitor {
	return &Monitor{
		Method: ovsdb.ConditionalMonitorRPC,
		Tables: tables,
	}
}

// MonitorCookie is the json-value sent with a monitor request and echoed
// back by the server on every update, correlating the update with the
// monitor that requested it
type MonitorCookie struct {
	DatabaseName string `json:"databaseName"`
	ID           string `json:"id"`
}

func newMonitorCookie(dbName string) MonitorCookie {
	return MonitorCookie{DatabaseName: dbName, ID: uuid.NewString()}
}
