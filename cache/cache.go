package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/mitchellh/copystructure"

	"github.com/ovn-org/ovsdbclient/ovsdb"
)

const (
	uuidColumn     = "_uuid"
	indexSeparator = ","
	// eventQueueSize bounds the dispatch queue. Updates applied while
	// the queue is full still land in the cache, their events are
	// dropped from dispatch
	eventQueueSize = 65536
)

// ErrCacheInconsistent reports an update that does not fit the cache
// contents, a modify or delete of a row it never saw
type ErrCacheInconsistent struct {
	details string
}

func (e *ErrCacheInconsistent) Error() string {
	return fmt.Sprintf("cache inconsistent: %s", e.details)
}

func newErrCacheInconsistent(details string) *ErrCacheInconsistent {
	return &ErrCacheInconsistent{details: details}
}

// ErrIndexExists reports a row whose schema index values collide with
// a row already in the cache
type ErrIndexExists struct {
	Table    string
	Value    interface{}
	Index    string
	New      string
	Existing string
}

func (e *ErrIndexExists) Error() string {
	return fmt.Sprintf("cannot insert %s in table %s, row %s already holds %v in index %s",
		e.New, e.Table, e.Existing, e.Value, e.Index)
}

// index identifies one schema index of a table, its columns joined by
// indexSeparator
type index string

func (i index) columns() []string {
	return strings.Split(string(i), indexSeparator)
}

func newIndex(columns ...string) index {
	return index(strings.Join(columns, indexSeparator))
}

// RowCache is a collection of rows hashed by UUID. All rows store their
// own UUID under the _uuid column, holding native values per the table
// schema: plain atoms, typed slices for sets and typed maps for maps
type RowCache struct {
	name    string
	schema  ovsdb.TableSchema
	cache   map[string]ovsdb.Row
	indexes map[index]map[interface{}]string
	mutex   sync.RWMutex
}

func newRowCache(name string, schema ovsdb.TableSchema) *RowCache {
	r := &RowCache{
		name:    name,
		schema:  schema,
		cache:   make(map[string]ovsdb.Row),
		indexes: make(map[index]map[interface{}]string),
	}
	for _, columns := range schema.Indexes {
		r.indexes[newIndex(columns...)] = make(map[interface{}]string)
	}
	return r
}

// Row returns one row from the cache by uuid. The returned row is a deep
// copy, callers own it
func (r *RowCache) Row(uuid string) ovsdb.Row {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if row, ok := r.cache[uuid]; ok {
		return copyRow(row)
	}
	return nil
}

// RowByIndex returns the uuid and a copy of the row whose values under
// the given schema index columns match the given values, in column order.
// The bool reports whether such a row, and the index itself, exist
func (r *RowCache) RowByIndex(columns []string, values ...interface{}) (string, ovsdb.Row, bool) {
	idx := newIndex(columns...)
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	valueToUUID, ok := r.indexes[idx]
	if !ok {
		return "", nil, false
	}
	key, err := indexKey(values...)
	if err != nil {
		return "", nil, false
	}
	uuid, ok := valueToUUID[key]
	if !ok {
		return "", nil, false
	}
	return uuid, copyRow(r.cache[uuid]), true
}

// Rows returns a copy of all the rows in the cache, by uuid
func (r *RowCache) Rows() map[string]ovsdb.Row {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	result := make(map[string]ovsdb.Row, len(r.cache))
	for uuid, row := range r.cache {
		result[uuid] = copyRow(row)
	}
	return result
}

// RowsByCondition returns a copy of the rows that match every condition,
// by uuid
func (r *RowCache) RowsByCondition(conditions []ovsdb.Condition) (map[string]ovsdb.Row, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	result := make(map[string]ovsdb.Row)
	for uuid, row := range r.cache {
		match := true
		for _, condition := range conditions {
			ok, err := condition.Function.Evaluate(row[condition.Column], condition.Value)
			if err != nil {
				return nil, err
			}
			if !ok {
				match = false
				break
			}
		}
		if match {
			result[uuid] = copyRow(row)
		}
	}
	return result, nil
}

// Len returns the number of rows in the cache
func (r *RowCache) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.cache)
}

// Create writes the provided row to the cache under uuid. With
// checkIndexes set, schema indexes are verified against duplicates first
func (r *RowCache) Create(uuid string, row ovsdb.Row, checkIndexes bool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.cache[uuid]; ok {
		return newErrCacheInconsistent(fmt.Sprintf("cannot create row %s in table %s as it already exists", uuid, r.name))
	}
	keys, err := r.indexKeysForRow(row)
	if err != nil {
		return err
	}
	if checkIndexes {
		for idx, key := range keys {
			if existing, ok := r.indexes[idx][key]; ok && existing != uuid {
				return &ErrIndexExists{Table: r.name, Value: key, Index: string(idx), New: uuid, Existing: existing}
			}
		}
	}
	for idx, key := range keys {
		r.indexes[idx][key] = uuid
	}
	r.cache[uuid] = row
	return nil
}

// Update replaces the row under uuid, maintaining the indexes, and
// returns the replaced row
func (r *RowCache) Update(uuid string, row ovsdb.Row, checkIndexes bool) (ovsdb.Row, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	old, ok := r.cache[uuid]
	if !ok {
		return nil, newErrCacheInconsistent(fmt.Sprintf("cannot update row %s in table %s as it does not exist", uuid, r.name))
	}
	oldKeys, err := r.indexKeysForRow(old)
	if err != nil {
		return nil, err
	}
	newKeys, err := r.indexKeysForRow(row)
	if err != nil {
		return nil, err
	}
	if checkIndexes {
		for idx, key := range newKeys {
			if existing, ok := r.indexes[idx][key]; ok && existing != uuid {
				return nil, &ErrIndexExists{Table: r.name, Value: key, Index: string(idx), New: uuid, Existing: existing}
			}
		}
	}
	for idx, key := range oldKeys {
		delete(r.indexes[idx], key)
	}
	for idx, key := range newKeys {
		r.indexes[idx][key] = uuid
	}
	r.cache[uuid] = row
	return old, nil
}

// Delete removes the row under uuid from the cache and its indexes
func (r *RowCache) Delete(uuid string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	old, ok := r.cache[uuid]
	if !ok {
		return newErrCacheInconsistent(fmt.Sprintf("cannot delete row %s in table %s as it does not exist", uuid, r.name))
	}
	oldKeys, err := r.indexKeysForRow(old)
	if err != nil {
		return err
	}
	for idx, key := range oldKeys {
		delete(r.indexes[idx], key)
	}
	delete(r.cache, uuid)
	return nil
}

func (r *RowCache) indexKeysForRow(row ovsdb.Row) (map[index]interface{}, error) {
	keys := make(map[index]interface{}, len(r.indexes))
	for idx := range r.indexes {
		columns := idx.columns()
		values := make([]interface{}, 0, len(columns))
		for _, column := range columns {
			values = append(values, row[column])
		}
		key, err := indexKey(values...)
		if err != nil {
			return nil, err
		}
		keys[idx] = key
	}
	return keys, nil
}

// indexKey builds the comparable key an index stores for the given values.
// Single scalar values index as themselves, everything else through its
// json encoding
func indexKey(values ...interface{}) (interface{}, error) {
	if len(values) == 1 && values[0] != nil {
		switch reflect.TypeOf(values[0]).Kind() {
		case reflect.Slice, reflect.Map:
		default:
			return values[0], nil
		}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func copyRow(row ovsdb.Row) ovsdb.Row {
	return copystructure.Must(copystructure.Copy(row)).(ovsdb.Row)
}

// EventHandler is notified of every row the cache adds, replaces or
// drops. Handlers run on the cache's dispatch goroutine and must hand
// off long running work
type EventHandler interface {
	OnAdd(table string, row ovsdb.Row)
	OnUpdate(table string, old, new ovsdb.Row)
	OnDelete(table string, row ovsdb.Row)
}

// EventHandlerFuncs implements EventHandler with any subset of its
// callbacks, nil funcs are skipped
type EventHandlerFuncs struct {
	AddFunc    func(table string, row ovsdb.Row)
	UpdateFunc func(table string, old, new ovsdb.Row)
	DeleteFunc func(table string, row ovsdb.Row)
}

func (e *EventHandlerFuncs) OnAdd(table string, row ovsdb.Row) {
	if e.AddFunc != nil {
		e.AddFunc(table, row)
	}
}

func (e *EventHandlerFuncs) OnUpdate(table string, old, new ovsdb.Row) {
	if e.UpdateFunc != nil {
		e.UpdateFunc(table, old, new)
	}
}

func (e *EventHandlerFuncs) OnDelete(table string, row ovsdb.Row) {
	if e.DeleteFunc != nil {
		e.DeleteFunc(table, row)
	}
}

// TableCache contains a collection of RowCaches, hashed by table name, and
// a dispatcher that fans out the deltas it applies to its handlers
type TableCache struct {
	cache    map[string]*RowCache
	schema   ovsdb.DatabaseSchema
	dispatch *dispatcher
	mutex    sync.RWMutex
	logger   *logr.Logger
}

// NewTableCache creates a new TableCache with a RowCache per table in the
// schema
func NewTableCache(schema ovsdb.DatabaseSchema, logger *logr.Logger) (*TableCache, error) {
	if schema.Tables == nil {
		return nil, fmt.Errorf("tables are not in the schema")
	}
	if logger == nil {
		l := stdr.NewWithOptions(log.New(os.Stderr, "", log.LstdFlags), stdr.Options{LogCaller: stdr.All})
		logger = &l
	}
	l := logger.WithName("cache")
	logger = &l
	cache := make(map[string]*RowCache, len(schema.Tables))
	for name, tableSchema := range schema.Tables {
		cache[name] = newRowCache(name, tableSchema)
	}
	return &TableCache{
		cache:    cache,
		schema:   schema,
		dispatch: newDispatcher(eventQueueSize, logger),
		logger:   logger,
	}, nil
}

// Schema returns the schema the cache mirrors
func (t *TableCache) Schema() ovsdb.DatabaseSchema {
	return t.schema
}

// Tables returns a list of table names that are in the cache
func (t *TableCache) Tables() []string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	result := make([]string, 0, len(t.cache))
	for k := range t.cache {
		result = append(result, k)
	}
	return result
}

// Table returns the RowCache for the named table, nil when the table is
// not part of the schema
func (t *TableCache) Table(name string) *RowCache {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if table, ok := t.cache[name]; ok {
		return table
	}
	return nil
}

// Row is a helper to lookup one row in one table of the cache
func (t *TableCache) Row(table, uuid string) ovsdb.Row {
	rc := t.Table(table)
	if rc == nil {
		return nil
	}
	return rc.Row(uuid)
}

// Populate adds data to the cache and places an event on the channel.
// update notifications hold the full row contents, so rows are replaced
// wholesale
func (t *TableCache) Populate(tableUpdates ovsdb.TableUpdates) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for table, updates := range tableUpdates {
		tCache, ok := t.cache[table]
		if !ok {
			t.logger.V(5).Info("table not found in schema, ignoring update", "table", table)
			continue
		}
		for uuid, row := range updates {
			if row.New != nil {
				newRow, err := t.nativeRow(table, *row.New, uuid)
				if err != nil {
					return err
				}
				existing := tCache.Row(uuid)
				if existing != nil {
					if !reflect.DeepEqual(newRow, existing) {
						if _, err := tCache.Update(uuid, newRow, false); err != nil {
							return err
						}
						t.dispatch.enqueue(eventUpdate, table, existing, copyRow(newRow))
					}
					// no diff, no event
					continue
				}
				if err := tCache.Create(uuid, newRow, false); err != nil {
					return err
				}
				t.dispatch.enqueue(eventAdd, table, nil, copyRow(newRow))
			} else {
				oldRow := tCache.Row(uuid)
				if oldRow != nil {
					if err := tCache.Delete(uuid); err != nil {
						return err
					}
					t.dispatch.enqueue(eventDelete, table, oldRow, nil)
				}
			}
		}
	}
	return nil
}

// Populate2 adds data to the cache and places an event on the channel,
// decoding the update2 style of notification where modifications arrive
// as deltas against the current row
func (t *TableCache) Populate2(tableUpdates ovsdb.TableUpdates2) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for table, updates := range tableUpdates {
		tCache, ok := t.cache[table]
		if !ok {
			t.logger.V(5).Info("table not found in schema, ignoring update", "table", table)
			continue
		}
		for uuid, row := range updates {
			switch {
			case row.Initial != nil, row.Insert != nil:
				wire := row.Initial
				if row.Insert != nil {
					wire = row.Insert
				}
				newRow, err := t.nativeRow(table, *wire, uuid)
				if err != nil {
					return err
				}
				if err := tCache.Create(uuid, newRow, false); err != nil {
					return err
				}
				t.dispatch.enqueue(eventAdd, table, nil, copyRow(newRow))
			case row.Modify != nil:
				existing := tCache.Row(uuid)
				if existing == nil {
					return newErrCacheInconsistent(fmt.Sprintf("row %s in table %s does not exist and cannot be modified", uuid, table))
				}
				modified, err := t.applyModifications(table, existing, *row.Modify)
				if err != nil {
					return err
				}
				if reflect.DeepEqual(modified, existing) {
					// no diff, no event
					continue
				}
				old, err := tCache.Update(uuid, modified, false)
				if err != nil {
					return err
				}
				t.dispatch.enqueue(eventUpdate, table, old, copyRow(modified))
			default:
				// a delete delta, the server may encode the old row or null
				oldRow := tCache.Row(uuid)
				if oldRow == nil {
					return newErrCacheInconsistent(fmt.Sprintf("row %s in table %s does not exist and cannot be deleted", uuid, table))
				}
				if err := tCache.Delete(uuid); err != nil {
					return err
				}
				t.dispatch.enqueue(eventDelete, table, oldRow, nil)
			}
		}
	}
	return nil
}

// Purge drops all data in the cache and reinitializes it using the
// provided schema
func (t *TableCache) Purge(schema ovsdb.DatabaseSchema) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.schema = schema
	t.cache = make(map[string]*RowCache, len(schema.Tables))
	for name, tableSchema := range t.schema.Tables {
		t.cache[name] = newRowCache(name, tableSchema)
	}
}

// AddEventHandler registers the supplied EventHandler to receive cache
// events
func (t *TableCache) AddEventHandler(handler EventHandler) {
	t.dispatch.register(handler)
}

// Run dispatches cache events to the registered handlers. It blocks
// until stopCh is closed
func (t *TableCache) Run(stopCh <-chan struct{}) {
	t.dispatch.run(stopCh)
}

// nativeRow converts a wire row to its native form per the table schema,
// storing the row's own uuid under the _uuid column. Every schema column is
// present in the result, defaulted when the wire row omits it, so lookups
// and deltas never see missing columns. Columns unknown to the schema are
// ignored
func (t *TableCache) nativeRow(table string, wire ovsdb.Row, uuid string) (ovsdb.Row, error) {
	tableSchema := t.schema.Table(table)
	row := ovsdb.NewRow()
	row[uuidColumn] = uuid
	for column, columnSchema := range tableSchema.Columns {
		row[column] = ovsdb.DefaultNative(columnSchema)
	}
	for column, value := range wire {
		if column == uuidColumn {
			continue
		}
		columnSchema := tableSchema.Column(column)
		if columnSchema == nil {
			t.logger.V(5).Info("column not found in schema, ignoring", "table", table, "column", column)
			continue
		}
		native, err := ovsdb.OvsToNative(columnSchema, value)
		if err != nil {
			return nil, fmt.Errorf("unable to convert column %s in table %s: %v", column, table, err)
		}
		row[column] = native
	}
	return row, nil
}

// applyModifications applies the column deltas of an update2 modify to a
// base row and returns the result: scalars are replaced, sets apply their
// symmetric difference and map entries are added, removed when the value
// matches, or updated
func (t *TableCache) applyModifications(table string, base ovsdb.Row, modify ovsdb.Row) (ovsdb.Row, error) {
	tableSchema := t.schema.Table(table)
	result := copyRow(base)
	for column, wire := range modify {
		if column == uuidColumn {
			continue
		}
		columnSchema := tableSchema.Column(column)
		if columnSchema == nil {
			continue
		}
		delta, err := ovsdb.OvsToNative(columnSchema, wire)
		if err != nil {
			return nil, fmt.Errorf("unable to convert column %s in table %s: %v", column, table, err)
		}
		current := result[column]
		switch columnSchema.Type {
		case ovsdb.TypeSet:
			result[column] = symmetricDifference(current, delta)
		case ovsdb.TypeMap:
			result[column] = mergeMapDelta(current, delta)
		default:
			result[column] = delta
		}
	}
	return result, nil
}

// symmetricDifference computes the symmetric difference of two native
// slices, preserving the order of the survivors of the current value
// followed by the additions in delta order
func symmetricDifference(current, delta interface{}) interface{} {
	cv := reflect.ValueOf(current)
	dv := reflect.ValueOf(delta)
	result := reflect.MakeSlice(cv.Type(), 0, cv.Len()+dv.Len())
	for i := 0; i < cv.Len(); i++ {
		e := cv.Index(i)
		if !sliceHas(dv, e.Interface()) {
			result = reflect.Append(result, e)
		}
	}
	for i := 0; i < dv.Len(); i++ {
		e := dv.Index(i)
		if !sliceHas(cv, e.Interface()) {
			result = reflect.Append(result, e)
		}
	}
	return result.Interface()
}

func sliceHas(v reflect.Value, elem interface{}) bool {
	for i := 0; i < v.Len(); i++ {
		if reflect.DeepEqual(v.Index(i).Interface(), elem) {
			return true
		}
	}
	return false
}

// mergeMapDelta applies a map column delta: entries not in current are
// added, entries whose value equals the current one are removed, the
// rest are updated to the delta value
func mergeMapDelta(current, delta interface{}) interface{} {
	cv := reflect.ValueOf(current)
	dv := reflect.ValueOf(delta)
	result := reflect.MakeMapWithSize(cv.Type(), cv.Len())
	iter := cv.MapRange()
	for iter.Next() {
		result.SetMapIndex(iter.Key(), iter.Value())
	}
	iter = dv.MapRange()
	for iter.Next() {
		key := iter.Key()
		value := iter.Value()
		existing := result.MapIndex(key)
		switch {
		case !existing.IsValid():
			result.SetMapIndex(key, value)
		case reflect.DeepEqual(existing.Interface(), value.Interface()):
			result.SetMapIndex(key, reflect.Value{})
		default:
			result.SetMapIndex(key, value)
		}
	}
	return result.Interface()
}

type eventKind int

const (
	eventAdd eventKind = iota
	eventUpdate
	eventDelete
)

// event is one cache delta waiting for dispatch
type event struct {
	kind  eventKind
	table string
	old   ovsdb.Row
	new   ovsdb.Row
}

// dispatcher fans cache deltas out to the registered handlers, in row
// order per table, decoupled from the notification stream that
// produced them
type dispatcher struct {
	queue chan event

	// handlers are registered while the client wires itself up and
	// stay for the life of the cache
	mu       sync.Mutex
	handlers []EventHandler

	logger *logr.Logger
}

func newDispatcher(queueSize int, logger *logr.Logger) *dispatcher {
	return &dispatcher{
		queue:  make(chan event, queueSize),
		logger: logger,
	}
}

func (d *dispatcher) register(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// enqueue queues one delta for dispatch. The cache never blocks on its
// handlers, a full queue drops the event instead
func (d *dispatcher) enqueue(kind eventKind, table string, old, new ovsdb.Row) {
	select {
	case d.queue <- event{kind: kind, table: table, old: old, new: new}:
	default:
		d.logger.V(0).Info("event queue full, dropping event", "table", table)
	}
}

// run delivers queued events to every handler until stopCh closes
func (d *dispatcher) run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case ev := <-d.queue:
			d.mu.Lock()
			for _, handler := range d.handlers {
				switch ev.kind {
				case eventAdd:
					handler.OnAdd(ev.table, ev.new)
				case eventUpdate:
					handler.OnUpdate(ev.table, ev.old, ev.new)
				case eventDelete:
					handler.OnDelete(ev.table, ev.old)
				}
			}
			d.mu.Unlock()
		}
	}
}
