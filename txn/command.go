package txn

import (
	"fmt"
	"reflect"

	"github.com/ovn-org/ovsdbclient/cache"
	"github.com/ovn-org/ovsdbclient/ovsdb"
)

// Command is one unit of work inside a Transaction: a build step run
// while the transaction assembles its wire request and an extraction
// step run once the server has applied the whole transaction. Commands
// carry their own result slot and belong to at most one transaction.
type Command interface {
	// Build produces the command's wire operations. It may consult the
	// schema, a read-only view of the cache and the provisional
	// identifiers assigned to row-creating commands added earlier in the
	// same transaction, and nothing else. Read-only commands return no
	// operations.
	Build(bctx *BuildContext) ([]ovsdb.Operation, error)
	// ExtractResult populates the command's result slot from its share
	// of the transaction reply, one result per built operation.
	ExtractResult(results []ovsdb.OperationResult) error
	// Result returns whatever the command's result slot holds, nil until
	// the owning transaction commits.
	Result() interface{}
}

// rowCreator is implemented by commands that insert a row and get a
// provisional identifier assigned while the transaction builds
type rowCreator interface {
	NamedUUID() string
}

// binder is implemented by commands that track the transaction they
// belong to
type binder interface {
	bind(t *Transaction) error
}

// resettable commands clear their result slot when a later command of
// the same transaction fails extraction, results are all or nothing
type resettable interface {
	resetResult()
}

// BuildContext is what commands may consult while building their wire
// operations: the database schema, a read-only view of the table cache
// and the named-uuids assigned to row-creating commands built earlier in
// the same transaction.
type BuildContext struct {
	schema   ovsdb.DatabaseSchema
	cache    *cache.TableCache
	assigned map[Command]string
}

func newBuildContext(schema ovsdb.DatabaseSchema, tc *cache.TableCache) *BuildContext {
	return &BuildContext{
		schema:   schema,
		cache:    tc,
		assigned: make(map[Command]string),
	}
}

// Schema returns the database schema operations are validated against
func (b *BuildContext) Schema() ovsdb.DatabaseSchema {
	return b.schema
}

// Cache returns the table cache, nil when the client has no replica
func (b *BuildContext) Cache() *cache.TableCache {
	return b.cache
}

// AssignedUUID returns the named-uuid assigned to a row-creating command
// built earlier in the same transaction
func (b *BuildContext) AssignedUUID(cmd Command) (string, bool) {
	id, ok := b.assigned[cmd]
	return id, ok
}

func (b *BuildContext) assign(cmd Command, namedUUID string) {
	b.assigned[cmd] = namedUUID
}

func (b *BuildContext) tableSchema(table string) (*ovsdb.TableSchema, error) {
	ts := b.schema.Table(table)
	if ts == nil {
		return nil, newValidationError("table %s is not in schema %s", table, b.schema.Name)
	}
	return ts, nil
}

func (b *BuildContext) columnSchema(table, column string) (*ovsdb.ColumnSchema, error) {
	ts, err := b.tableSchema(table)
	if err != nil {
		return nil, err
	}
	cs := ts.Column(column)
	if cs == nil {
		return nil, newValidationError("column %s is not in table %s", column, table)
	}
	return cs, nil
}

// cachedRow returns a copy of the row as the cache knows it, nil when
// the row, or the cache itself, is unknown
func (b *BuildContext) cachedRow(table, uuid string) ovsdb.Row {
	if b.cache == nil {
		return nil
	}
	rc := b.cache.Table(table)
	if rc == nil {
		return nil
	}
	return rc.Row(uuid)
}

// ResolveRecord resolves a record reference to a row identifier. A
// record may be an ovsdb.UUID, a UUID string, a row-creating command
// built earlier in the same transaction, or a value of the table's
// single-column schema index, looked up in the cache the way ovs-vsctl
// resolves records by name.
func (b *BuildContext) ResolveRecord(table string, record interface{}) (ovsdb.UUID, error) {
	if _, err := b.tableSchema(table); err != nil {
		return ovsdb.UUID{}, err
	}
	switch r := record.(type) {
	case ovsdb.UUID:
		return r, nil
	case Command:
		id, err := b.resolveCommand(r)
		if err != nil {
			return ovsdb.UUID{}, err
		}
		return ovsdb.UUID{GoUUID: id}, nil
	case string:
		if ovsdb.IsValidUUID(r) {
			return ovsdb.UUID{GoUUID: r}, nil
		}
		return b.resolveIndex(table, r)
	default:
		return ovsdb.UUID{}, newValidationError("record %v (%T) in table %s is not a uuid, a command or an index value", record, record, table)
	}
}

// resolveCommand turns a command reference into a row identifier: the
// named-uuid when the command creates its row earlier in the same
// transaction, the concrete uuid when it was committed by a previous
// transaction
func (b *BuildContext) resolveCommand(cmd Command) (string, error) {
	if id, ok := b.assigned[cmd]; ok {
		return id, nil
	}
	if id, ok := cmd.Result().(string); ok && ovsdb.IsValidUUID(id) {
		return id, nil
	}
	return "", newValidationError("command %T does not create a row earlier in the same transaction", cmd)
}

func (b *BuildContext) resolveIndex(table string, value interface{}) (ovsdb.UUID, error) {
	ts, err := b.tableSchema(table)
	if err != nil {
		return ovsdb.UUID{}, err
	}
	idx := singleColumnIndex(ts)
	if idx == "" {
		return ovsdb.UUID{}, newValidationError("table %s has no single-column index to look up %v by", table, value)
	}
	if b.cache == nil || b.cache.Table(table) == nil {
		return ovsdb.UUID{}, newValidationError("table %s is not replicated, cannot look up %v by %s", table, value, idx)
	}
	uuid, _, ok := b.cache.Table(table).RowByIndex([]string{idx}, value)
	if !ok {
		return ovsdb.UUID{}, newValidationError("no row with %s %v in table %s", idx, value, table)
	}
	return ovsdb.UUID{GoUUID: uuid}, nil
}

// singleColumnIndex returns the only column of the table's only schema
// index, "" when the table is not indexed that way. Such an index is
// what lets ovs-vsctl address records by name instead of uuid
func singleColumnIndex(ts *ovsdb.TableSchema) string {
	if len(ts.Indexes) == 1 && len(ts.Indexes[0]) == 1 {
		return ts.Indexes[0][0]
	}
	return ""
}

// replaceRecords normalizes a column value for wire conversion,
// replacing command references with the identifier of the row they
// resolve to and unwrapping ovsdb.UUID values, descending into slices
// and map values
func (b *BuildContext) replaceRecords(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case Command:
		return b.resolveCommand(v)
	case ovsdb.UUID:
		return v.GoUUID, nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			nv, err := b.replaceRecords(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case reflect.Map:
		out := make(map[interface{}]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			nv, err := b.replaceRecords(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().Interface()] = nv
		}
		return out, nil
	default:
		return value, nil
	}
}

// wireValue converts a native column value to its wire form, resolving
// command references first
func (b *BuildContext) wireValue(table, column string, value interface{}) (interface{}, error) {
	cs, err := b.columnSchema(table, column)
	if err != nil {
		return nil, err
	}
	replaced, err := b.replaceRecords(value)
	if err != nil {
		return nil, err
	}
	wire, err := ovsdb.NativeToOvs(cs, replaced)
	if err != nil {
		return nil, newValidationError("column %s in table %s: %v", column, table, err)
	}
	return wire, nil
}

// wireRow converts a native row to its wire form
func (b *BuildContext) wireRow(table string, row ovsdb.Row) (ovsdb.Row, error) {
	if _, err := b.tableSchema(table); err != nil {
		return nil, err
	}
	wire := ovsdb.NewRow()
	for column, value := range row {
		wv, err := b.wireValue(table, column, value)
		if err != nil {
			return nil, err
		}
		wire[column] = wv
	}
	return wire, nil
}

// wireMutation converts a mutation's native value to its wire form. For
// the arithmetic mutators the value stays an atom, applied to every
// element of a set column, and for map columns a non-map value names the
// keys to delete. Everything else follows the column type.
func (b *BuildContext) wireMutation(table string, m ovsdb.Mutation) (ovsdb.Mutation, error) {
	cs, err := b.columnSchema(table, m.Column)
	if err != nil {
		return ovsdb.Mutation{}, err
	}
	value, err := b.replaceRecords(m.Value)
	if err != nil {
		return ovsdb.Mutation{}, err
	}
	var wire interface{}
	switch {
	case m.Mutator != ovsdb.MutateOperationInsert && m.Mutator != ovsdb.MutateOperationDelete:
		if cs.Type == ovsdb.TypeMap {
			return ovsdb.Mutation{}, newValidationError("mutating column %s in table %s: %s does not apply to a map column", m.Column, table, m.Mutator)
		}
		wire, err = ovsdb.NativeToOvsAtom(atomicType(cs), value)
	case cs.Type == ovsdb.TypeMap && reflect.ValueOf(value).Kind() != reflect.Map:
		wire, err = keySet(cs, value)
	default:
		wire, err = ovsdb.NativeToOvs(cs, value)
	}
	if err != nil {
		return ovsdb.Mutation{}, newValidationError("mutating column %s in table %s: %v", m.Column, table, err)
	}
	return ovsdb.Mutation{Column: m.Column, Mutator: m.Mutator, Value: wire}, nil
}

// wireConditions converts the native values of a condition list to
// their wire form per the column each condition names
func (b *BuildContext) wireConditions(table string, conditions []ovsdb.Condition) ([]ovsdb.Condition, error) {
	out := make([]ovsdb.Condition, 0, len(conditions))
	for _, c := range conditions {
		cs, err := b.columnSchema(table, c.Column)
		if err != nil {
			return nil, err
		}
		value, err := b.replaceRecords(c.Value)
		if err != nil {
			return nil, err
		}
		wire, err := ovsdb.NativeToOvs(cs, value)
		if err != nil {
			return nil, newValidationError("condition on column %s in table %s: %v", c.Column, table, err)
		}
		out = append(out, ovsdb.Condition{Column: c.Column, Function: c.Function, Value: wire})
	}
	return out, nil
}

// nativeConditions normalizes condition values for evaluation against
// cached rows, which hold native values
func (b *BuildContext) nativeConditions(table string, conditions []ovsdb.Condition) ([]ovsdb.Condition, error) {
	out := make([]ovsdb.Condition, 0, len(conditions))
	for _, c := range conditions {
		if _, err := b.columnSchema(table, c.Column); err != nil {
			return nil, err
		}
		value, err := b.replaceRecords(c.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, ovsdb.Condition{Column: c.Column, Function: c.Function, Value: value})
	}
	return out, nil
}

func atomicType(cs *ovsdb.ColumnSchema) string {
	switch cs.Type {
	case ovsdb.TypeSet, ovsdb.TypeEnum:
		return cs.TypeObj.Key.Type
	default:
		return cs.Type
	}
}

// keySet builds the set of map keys named by value, a single key or a
// sequence of keys
func keySet(cs *ovsdb.ColumnSchema, value interface{}) (interface{}, error) {
	keyType := cs.TypeObj.Key.Type
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		k, err := ovsdb.NativeToOvsAtom(keyType, value)
		if err != nil {
			return nil, err
		}
		return ovsdb.OvsSet{GoSet: []interface{}{k}}, nil
	}
	set := ovsdb.OvsSet{GoSet: make([]interface{}, 0, rv.Len())}
	for i := 0; i < rv.Len(); i++ {
		k, err := ovsdb.NativeToOvsAtom(keyType, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		set.GoSet = append(set.GoSet, k)
	}
	return set, nil
}

// whereUUID is the condition list addressing one row by identifier
func whereUUID(uuid ovsdb.UUID) []ovsdb.Condition {
	return []ovsdb.Condition{ovsdb.NewCondition("_uuid", ovsdb.ConditionEqual, uuid)}
}

// baseCommand carries the result slot and transaction membership every
// concrete command shares
type baseCommand struct {
	owner  *Transaction
	result interface{}
}

// Result returns the command's result slot, nil until the owning
// transaction commits
func (b *baseCommand) Result() interface{} {
	return b.result
}

func (b *baseCommand) resetResult() {
	b.result = nil
}

func (b *baseCommand) bind(t *Transaction) error {
	if b.owner != nil && b.owner != t {
		return fmt.Errorf("command already belongs to another transaction")
	}
	b.owner = t
	return nil
}

// countCommand is the base of commands whose result is the number of
// rows the server changed
type countCommand struct {
	baseCommand
}

// ExtractResult sums the affected row counts of the command's share of
// the reply
func (c *countCommand) ExtractResult(results []ovsdb.OperationResult) error {
	count := 0
	for _, r := range results {
		if r.Error != "" {
			return fmt.Errorf("unexpected operation error: %s (%s)", r.Error, r.Details)
		}
		count += r.Count
	}
	c.result = count
	return nil
}

// Count returns the number of rows the command changed, 0 until the
// owning transaction commits
func (c *countCommand) Count() int {
	n, _ := c.result.(int)
	return n
}

// readCommand is the base of commands that run against the cache while
// the transaction builds. The snapshot is promoted to the result slot
// only once the whole transaction commits.
type readCommand struct {
	baseCommand
	staged interface{}
}

func (c *readCommand) ExtractResult([]ovsdb.OperationResult) error {
	c.result = c.staged
	return nil
}
