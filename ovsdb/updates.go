package ovsdb

// TableUpdates carries the changed rows of an update notification,
// keyed by table then by row uuid
type TableUpdates map[string]TableUpdate

// TableUpdate holds the updates of one table, keyed by row uuid
type TableUpdate map[string]*RowUpdate

// RowUpdate describes one changed row the RFC 7047 way, by its full
// contents: New only for an insert, Old only for a delete, both for a
// modification
type RowUpdate struct {
	New *Row `json:"new,omitempty"`
	Old *Row `json:"old,omitempty"`
}

// TableUpdates2 carries the changed rows of an update2 notification,
// keyed by table then by row uuid
type TableUpdates2 map[string]TableUpdate2

// TableUpdate2 holds the updates of one table, keyed by row uuid
type TableUpdate2 map[string]*RowUpdate2

// RowUpdate2 describes one changed row the way conditional monitors
// report it, see ovsdb-server(7). Initial and Insert carry full rows,
// Modify carries just the columns that changed, holding their deltas
// for set and map columns, and Delete is left empty by servers that
// announce it.
type RowUpdate2 struct {
	Initial *Row `json:"initial,omitempty"`
	Insert  *Row `json:"insert,omitempty"`
	Modify  *Row `json:"modify,omitempty"`
	Delete  *Row `json:"delete,omitempty"`
}
