package txn

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/ovn-org/ovsdbclient/ovsdb"
)

// CreateCommand inserts a new row. While the transaction builds, the row
// is known by a provisional named-uuid that later commands of the same
// transaction can reference, by using the command itself as a record or
// as a column value. Its result is the concrete uuid the server assigned
// to the row.
type CreateCommand struct {
	baseCommand
	table string
	row   ovsdb.Row
	uuid  string
}

// NewCreate returns a command that inserts a row with the given column
// values into table
func NewCreate(table string, row ovsdb.Row) *CreateCommand {
	return &CreateCommand{table: table, row: row}
}

func (c *CreateCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	wire, err := bctx.wireRow(c.table, c.row)
	if err != nil {
		return nil, err
	}
	// a fresh provisional identifier per attempt, conflicted
	// transactions rebuild from scratch
	c.uuid = BuildNamedUUID()
	return []ovsdb.Operation{{
		Op:       ovsdb.OperationInsert,
		Table:    c.table,
		Row:      wire,
		UUIDName: c.uuid,
	}}, nil
}

func (c *CreateCommand) ExtractResult(results []ovsdb.OperationResult) error {
	if len(results) != 1 || results[0].UUID.GoUUID == "" {
		return fmt.Errorf("insert into %s returned no uuid", c.table)
	}
	c.result = results[0].UUID.GoUUID
	return nil
}

// NamedUUID returns the provisional identifier of the row, assigned
// while the owning transaction builds and reassigned on every attempt
func (c *CreateCommand) NamedUUID() string {
	return c.uuid
}

// UUID returns the uuid the server assigned to the created row, ""
// until the owning transaction commits
func (c *CreateCommand) UUID() string {
	id, _ := c.result.(string)
	return id
}

// DestroyCommand deletes one row
type DestroyCommand struct {
	countCommand
	table  string
	record interface{}
}

// NewDestroy returns a command that deletes the row record resolves to
func NewDestroy(table string, record interface{}) *DestroyCommand {
	return &DestroyCommand{table: table, record: record}
}

func (c *DestroyCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	uuid, err := bctx.ResolveRecord(c.table, c.record)
	if err != nil {
		return nil, err
	}
	return []ovsdb.Operation{{
		Op:    ovsdb.OperationDelete,
		Table: c.table,
		Where: whereUUID(uuid),
	}}, nil
}

// UpdateCommand overwrites columns of one row. Map columns are merged
// instead of replaced: the written keys take their new values, keys not
// written keep theirs. The merge happens server side, in one mutate
// operation deleting the written keys and inserting the written pairs,
// so no concurrent change is ever clobbered.
type UpdateCommand struct {
	countCommand
	table  string
	record interface{}
	row    ovsdb.Row
}

// NewUpdate returns a command that writes the given column values to
// the row record resolves to
func NewUpdate(table string, record interface{}, row ovsdb.Row) *UpdateCommand {
	return &UpdateCommand{table: table, record: record, row: row}
}

func (c *UpdateCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	uuid, err := bctx.ResolveRecord(c.table, c.record)
	if err != nil {
		return nil, err
	}
	row := ovsdb.NewRow()
	var mutations []ovsdb.Mutation
	for _, column := range sortedColumns(c.row) {
		value := c.row[column]
		cs, err := bctx.columnSchema(c.table, column)
		if err != nil {
			return nil, err
		}
		if cs.Type == ovsdb.TypeMap {
			replaced, err := bctx.replaceRecords(value)
			if err != nil {
				return nil, err
			}
			if reflect.ValueOf(replaced).Kind() != reflect.Map {
				return nil, newValidationError("column %s in table %s takes a map, not %T", column, c.table, value)
			}
			if reflect.ValueOf(replaced).Len() == 0 {
				continue
			}
			del, err := bctx.wireMutation(c.table, ovsdb.Mutation{Column: column, Mutator: ovsdb.MutateOperationDelete, Value: mapKeys(replaced)})
			if err != nil {
				return nil, err
			}
			ins, err := bctx.wireMutation(c.table, ovsdb.Mutation{Column: column, Mutator: ovsdb.MutateOperationInsert, Value: replaced})
			if err != nil {
				return nil, err
			}
			mutations = append(mutations, del, ins)
			continue
		}
		wv, err := bctx.wireValue(c.table, column, value)
		if err != nil {
			return nil, err
		}
		row[column] = wv
	}
	var ops []ovsdb.Operation
	if len(row) > 0 {
		ops = append(ops, ovsdb.Operation{
			Op:    ovsdb.OperationUpdate,
			Table: c.table,
			Row:   row,
			Where: whereUUID(uuid),
		})
	}
	if len(mutations) > 0 {
		ops = append(ops, ovsdb.Operation{
			Op:        ovsdb.OperationMutate,
			Table:     c.table,
			Mutations: mutations,
			Where:     whereUUID(uuid),
		})
	}
	return ops, nil
}

// MutateCommand applies raw column mutations to one row. Mutation
// values are native, they are converted per the column the mutation
// names.
type MutateCommand struct {
	countCommand
	table     string
	record    interface{}
	mutations []ovsdb.Mutation
}

// NewMutate returns a command that applies the given mutations, in
// order, to the row record resolves to
func NewMutate(table string, record interface{}, mutations ...ovsdb.Mutation) *MutateCommand {
	return &MutateCommand{table: table, record: record, mutations: mutations}
}

func (c *MutateCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	uuid, err := bctx.ResolveRecord(c.table, c.record)
	if err != nil {
		return nil, err
	}
	mutations := make([]ovsdb.Mutation, 0, len(c.mutations))
	for _, m := range c.mutations {
		wm, err := bctx.wireMutation(c.table, m)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, wm)
	}
	return []ovsdb.Operation{{
		Op:        ovsdb.OperationMutate,
		Table:     c.table,
		Mutations: mutations,
		Where:     whereUUID(uuid),
	}}, nil
}

// AddCommand adds values to a set column or key-value pairs to a map
// column of one row. Per RFC 7047 the insert mutator leaves present map
// keys untouched, only missing keys are added.
type AddCommand struct {
	countCommand
	table  string
	record interface{}
	column string
	values []interface{}
}

// NewAdd returns a command that adds the given values, set elements or
// maps of key-value pairs per the column type, to a column of the row
// record resolves to
func NewAdd(table string, record interface{}, column string, values ...interface{}) *AddCommand {
	return &AddCommand{table: table, record: record, column: column, values: values}
}

func (c *AddCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	uuid, err := bctx.ResolveRecord(c.table, c.record)
	if err != nil {
		return nil, err
	}
	cs, err := bctx.columnSchema(c.table, c.column)
	if err != nil {
		return nil, err
	}
	var value interface{}
	switch cs.Type {
	case ovsdb.TypeMap:
		folded, err := foldMaps(c.values)
		if err != nil {
			return nil, newValidationError("column %s in table %s: %v", c.column, c.table, err)
		}
		if len(folded) == 0 {
			return nil, nil
		}
		value = folded
	case ovsdb.TypeSet:
		values := flatten(c.values)
		if len(values) == 0 {
			return nil, nil
		}
		value = values
	default:
		return nil, newValidationError("column %s in table %s is not a set or a map", c.column, c.table)
	}
	m, err := bctx.wireMutation(c.table, ovsdb.Mutation{Column: c.column, Mutator: ovsdb.MutateOperationInsert, Value: value})
	if err != nil {
		return nil, err
	}
	return []ovsdb.Operation{{
		Op:        ovsdb.OperationMutate,
		Table:     c.table,
		Mutations: []ovsdb.Mutation{m},
		Where:     whereUUID(uuid),
	}}, nil
}

// RemoveCommand removes values from a set column or entries from a map
// column of one row. For map columns a bare value names a key to drop
// whatever it holds, a map names key-value pairs dropped only when both
// match. A scalar column is reset to its default.
type RemoveCommand struct {
	countCommand
	table  string
	record interface{}
	column string
	values []interface{}
}

// NewRemove returns a command that removes the given values from a
// column of the row record resolves to
func NewRemove(table string, record interface{}, column string, values ...interface{}) *RemoveCommand {
	return &RemoveCommand{table: table, record: record, column: column, values: values}
}

func (c *RemoveCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	uuid, err := bctx.ResolveRecord(c.table, c.record)
	if err != nil {
		return nil, err
	}
	cs, err := bctx.columnSchema(c.table, c.column)
	if err != nil {
		return nil, err
	}
	var mutations []ovsdb.Mutation
	switch cs.Type {
	case ovsdb.TypeMap:
		var keys, maps []interface{}
		for _, v := range flatten(c.values) {
			if v != nil && reflect.ValueOf(v).Kind() == reflect.Map {
				maps = append(maps, v)
				continue
			}
			keys = append(keys, v)
		}
		if len(keys) > 0 {
			m, err := bctx.wireMutation(c.table, ovsdb.Mutation{Column: c.column, Mutator: ovsdb.MutateOperationDelete, Value: keys})
			if err != nil {
				return nil, err
			}
			mutations = append(mutations, m)
		}
		if len(maps) > 0 {
			folded, err := foldMaps(maps)
			if err != nil {
				return nil, newValidationError("column %s in table %s: %v", c.column, c.table, err)
			}
			m, err := bctx.wireMutation(c.table, ovsdb.Mutation{Column: c.column, Mutator: ovsdb.MutateOperationDelete, Value: folded})
			if err != nil {
				return nil, err
			}
			mutations = append(mutations, m)
		}
		if len(mutations) == 0 {
			return nil, nil
		}
	case ovsdb.TypeSet:
		values := flatten(c.values)
		if len(values) == 0 {
			return nil, nil
		}
		m, err := bctx.wireMutation(c.table, ovsdb.Mutation{Column: c.column, Mutator: ovsdb.MutateOperationDelete, Value: values})
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	default:
		// nothing partial to remove from an atom, reset it
		return clearColumn(bctx, c.table, uuid, c.column)
	}
	return []ovsdb.Operation{{
		Op:        ovsdb.OperationMutate,
		Table:     c.table,
		Mutations: mutations,
		Where:     whereUUID(uuid),
	}}, nil
}

// ClearCommand empties one column of one row: sets and maps become
// empty, atoms take their zero value
type ClearCommand struct {
	countCommand
	table  string
	record interface{}
	column string
}

// NewClear returns a command that empties a column of the row record
// resolves to
func NewClear(table string, record interface{}, column string) *ClearCommand {
	return &ClearCommand{table: table, record: record, column: column}
}

func (c *ClearCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	uuid, err := bctx.ResolveRecord(c.table, c.record)
	if err != nil {
		return nil, err
	}
	return clearColumn(bctx, c.table, uuid, c.column)
}

func clearColumn(bctx *BuildContext, table string, uuid ovsdb.UUID, column string) ([]ovsdb.Operation, error) {
	cs, err := bctx.columnSchema(table, column)
	if err != nil {
		return nil, err
	}
	wire, err := ovsdb.NativeToOvs(cs, ovsdb.DefaultNative(cs))
	if err != nil {
		return nil, newValidationError("column %s in table %s: %v", column, table, err)
	}
	return []ovsdb.Operation{{
		Op:    ovsdb.OperationUpdate,
		Table: table,
		Row:   ovsdb.Row{column: wire},
		Where: whereUUID(uuid),
	}}, nil
}

// WaitCommand asserts that the rows matching the conditions hold, or do
// not hold, the given column values. With a zero timeout a mismatch
// fails the transaction immediately with a try-again conflict, which is
// how a transaction guards its preconditions against concurrent
// changes.
type WaitCommand struct {
	baseCommand
	table      string
	until      ovsdb.WaitCondition
	timeout    *int
	row        ovsdb.Row
	conditions []ovsdb.Condition
}

// NewWait returns a command that makes the transaction wait, up to
// timeout milliseconds or indefinitely when nil, until the rows matching
// the conditions compare to row per until. The columns checked are the
// ones row names.
func NewWait(table string, until ovsdb.WaitCondition, timeout *int, row ovsdb.Row, conditions ...ovsdb.Condition) *WaitCommand {
	return &WaitCommand{table: table, until: until, timeout: timeout, row: row, conditions: conditions}
}

func (c *WaitCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	if c.until != ovsdb.WaitConditionEqual && c.until != ovsdb.WaitConditionNotEqual {
		return nil, newValidationError("%q is not a wait condition", c.until)
	}
	wire, err := bctx.wireRow(c.table, c.row)
	if err != nil {
		return nil, err
	}
	conditions, err := bctx.wireConditions(c.table, c.conditions)
	if err != nil {
		return nil, err
	}
	return []ovsdb.Operation{{
		Op:      ovsdb.OperationWait,
		Table:   c.table,
		Timeout: c.timeout,
		Where:   conditions,
		Columns: sortedColumns(c.row),
		Until:   string(c.until),
		Rows:    []ovsdb.Row{wire},
	}}, nil
}

func (c *WaitCommand) ExtractResult(results []ovsdb.OperationResult) error {
	for _, r := range results {
		if r.Error != "" {
			return fmt.Errorf("unexpected operation error: %s (%s)", r.Error, r.Details)
		}
	}
	c.result = true
	return nil
}

// GetCommand reads one column of one row from the cache while the
// transaction builds. Single element set values unwrap to the bare
// element, the way ovs-vsctl get prints them.
type GetCommand struct {
	readCommand
	table  string
	record interface{}
	column string
}

// NewGet returns a command that reads a column of the row record
// resolves to
func NewGet(table string, record interface{}, column string) *GetCommand {
	return &GetCommand{table: table, record: record, column: column}
}

func (c *GetCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	uuid, err := bctx.ResolveRecord(c.table, c.record)
	if err != nil {
		return nil, err
	}
	if _, err := bctx.columnSchema(c.table, c.column); err != nil {
		return nil, err
	}
	row := bctx.cachedRow(c.table, uuid.GoUUID)
	if row == nil {
		return nil, newValidationError("no row %s in table %s", uuid.GoUUID, c.table)
	}
	value := row[c.column]
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Slice && rv.Len() == 1 {
		value = rv.Index(0).Interface()
	}
	c.staged = value
	return nil, nil
}

// Value returns the column value, nil until the owning transaction
// commits
func (c *GetCommand) Value() interface{} {
	return c.result
}

// ListCommand reads rows from the cache while the transaction builds:
// the named records, or the whole table when none are named, ordered by
// row identifier
type ListCommand struct {
	readCommand
	table   string
	columns []string
	records []interface{}
}

// NewList returns a command that lists the given records of table, all
// of its rows when none are given. A nil columns keeps every column,
// _uuid included.
func NewList(table string, columns []string, records ...interface{}) *ListCommand {
	return &ListCommand{table: table, columns: columns, records: records}
}

func (c *ListCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	if _, err := bctx.tableSchema(c.table); err != nil {
		return nil, err
	}
	for _, column := range c.columns {
		if _, err := bctx.columnSchema(c.table, column); err != nil {
			return nil, err
		}
	}
	if bctx.cache == nil || bctx.cache.Table(c.table) == nil {
		return nil, newValidationError("table %s is not replicated", c.table)
	}
	rc := bctx.cache.Table(c.table)
	var rows map[string]ovsdb.Row
	if len(c.records) == 0 {
		rows = rc.Rows()
	} else {
		rows = make(map[string]ovsdb.Row, len(c.records))
		for _, record := range c.records {
			uuid, err := bctx.ResolveRecord(c.table, record)
			if err != nil {
				return nil, err
			}
			row := rc.Row(uuid.GoUUID)
			if row == nil {
				return nil, newValidationError("no row %s in table %s", uuid.GoUUID, c.table)
			}
			rows[uuid.GoUUID] = row
		}
	}
	c.staged = selectRows(rows, c.columns)
	return nil, nil
}

// Rows returns the listed rows, nil until the owning transaction
// commits
func (c *ListCommand) Rows() []ovsdb.Row {
	rows, _ := c.result.([]ovsdb.Row)
	return rows
}

// FindCommand reads the rows matching every condition from the cache
// while the transaction builds, ordered by row identifier
type FindCommand struct {
	readCommand
	table      string
	columns    []string
	conditions []ovsdb.Condition
}

// NewFind returns a command that finds the rows of table matching every
// condition. A nil columns keeps every column, _uuid included.
func NewFind(table string, columns []string, conditions ...ovsdb.Condition) *FindCommand {
	return &FindCommand{table: table, columns: columns, conditions: conditions}
}

func (c *FindCommand) Build(bctx *BuildContext) ([]ovsdb.Operation, error) {
	for _, column := range c.columns {
		if _, err := bctx.columnSchema(c.table, column); err != nil {
			return nil, err
		}
	}
	conditions, err := bctx.nativeConditions(c.table, c.conditions)
	if err != nil {
		return nil, err
	}
	if bctx.cache == nil || bctx.cache.Table(c.table) == nil {
		return nil, newValidationError("table %s is not replicated", c.table)
	}
	rows, err := bctx.cache.Table(c.table).RowsByCondition(conditions)
	if err != nil {
		return nil, newValidationError("finding rows in table %s: %v", c.table, err)
	}
	c.staged = selectRows(rows, c.columns)
	return nil, nil
}

// Rows returns the matching rows, nil until the owning transaction
// commits
func (c *FindCommand) Rows() []ovsdb.Row {
	rows, _ := c.result.([]ovsdb.Row)
	return rows
}

// flatten folds the given values into one slice, expanding values that
// are themselves sequences
func flatten(values []interface{}) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		rv := reflect.ValueOf(v)
		if v != nil && rv.Kind() == reflect.Slice {
			for i := 0; i < rv.Len(); i++ {
				out = append(out, rv.Index(i).Interface())
			}
			continue
		}
		out = append(out, v)
	}
	return out
}

// foldMaps folds map values into one map, the first value of a key wins
func foldMaps(values []interface{}) (map[interface{}]interface{}, error) {
	out := make(map[interface{}]interface{})
	for _, v := range values {
		rv := reflect.ValueOf(v)
		if v == nil || rv.Kind() != reflect.Map {
			return nil, fmt.Errorf("%T is not a map", v)
		}
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().Interface()
			if _, ok := out[k]; ok {
				continue
			}
			out[k] = iter.Value().Interface()
		}
	}
	return out, nil
}

func mapKeys(value interface{}) []interface{} {
	rv := reflect.ValueOf(value)
	keys := make([]interface{}, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		keys = append(keys, iter.Key().Interface())
	}
	return keys
}

func sortedColumns(row ovsdb.Row) []string {
	columns := make([]string, 0, len(row))
	for column := range row {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

// selectRows orders rows by identifier and keeps the selected columns,
// all of them when none are named
func selectRows(rows map[string]ovsdb.Row, columns []string) []ovsdb.Row {
	uuids := make([]string, 0, len(rows))
	for uuid := range rows {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	out := make([]ovsdb.Row, 0, len(rows))
	for _, uuid := range uuids {
		row := rows[uuid]
		if len(columns) == 0 {
			out = append(out, row)
			continue
		}
		selected := ovsdb.NewRow()
		for _, column := range columns {
			selected[column] = row[column]
		}
		out = append(out, selected)
	}
	return out
}
