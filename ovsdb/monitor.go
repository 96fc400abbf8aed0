package ovsdb

// MonitorRequest represents a monitor request according to RFC7047
type MonitorRequest struct {
	// Columns is the list of columns to monitor, every column when empty
	Columns []string `json:"columns,omitempty"`
	// Where is the list of conditions rows must match to be monitored,
	// understood by monitor_cond only
	Where []Condition `json:"where,omitempty"`
	// Select describes the kinds of changes to report
	Select *MonitorSelect `json:"select,omitempty"`
}

// MonitorSelect represents a monitor select according to RFC7047.
// A nil field means the RFC default, which is true
type MonitorSelect struct {
	Initial *bool `json:"initial,omitempty"`
	Insert  *bool `json:"insert,omitempty"`
	Delete  *bool `json:"delete,omitempty"`
	Modify  *bool `json:"modify,omitempty"`
}
