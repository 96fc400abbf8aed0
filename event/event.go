// Package event matches row changes streamed into the cache against a set
// of registered row events and runs their handlers on a worker pool, off
// the loop that ingests updates.
package event

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/panjf2000/ants/v2"

	"github.com/ovn-org/ovsdbclient/metrics"
	"github.com/ovn-org/ovsdbclient/ovsdb"
)

// Kind is the kind of change a row underwent
type Kind string

const (
	// RowCreate is the creation of a row
	RowCreate Kind = "create"
	// RowUpdate is the modification of an existing row
	RowUpdate Kind = "update"
	// RowDelete is the removal of a row
	RowDelete Kind = "delete"
)

const defaultPoolSize = 10

// RowEvent is implemented by observers of row changes. Matches is called
// for every change with the table it happened in, the change kind, the row
// after the change and, for updates, the row before it. Run is called off
// the ingestion loop for every change Matches accepted. Events must be
// registered as pointers so they can be unwatched again
type RowEvent interface {
	Matches(table string, kind Kind, row, old ovsdb.Row) bool
	Run(table string, kind Kind, row, old ovsdb.Row)
}

// oneTime is implemented by events that want to fire at most once
type oneTime interface {
	OneTime() bool
}

// RowEventBase carries the table, change kinds and row conditions shared by
// most events and implements the usual matching over them. Embed it and
// implement Run, overriding Matches when the conditions are not enough
type RowEventBase struct {
	// EventName names the event in logs
	EventName string
	// Table is the table the event observes
	Table string
	// Events are the change kinds the event observes
	Events []Kind
	// Conditions are evaluated against the row after the change. An event
	// with no conditions matches every row
	Conditions []ovsdb.Condition
	// OldConditions are evaluated against the row before the change, so
	// they can only ever match updates
	OldConditions []ovsdb.Condition
}

// NewRowEventBase returns a RowEventBase observing the given change kinds
// on the given table, restricted by the given conditions
func NewRowEventBase(name, table string, events []Kind, conditions ...ovsdb.Condition) RowEventBase {
	return RowEventBase{
		EventName:  name,
		Table:      table,
		Events:     events,
		Conditions: conditions,
	}
}

// String implements fmt.Stringer
func (e *RowEventBase) String() string {
	if e.EventName == "" {
		return fmt.Sprintf("RowEvent(table=%s, events=%v)", e.Table, e.Events)
	}
	return e.EventName
}

// Matches implements RowEvent
func (e *RowEventBase) Matches(table string, kind Kind, row, old ovsdb.Row) bool {
	if table != e.Table {
		return false
	}
	if !kindIn(kind, e.Events) {
		return false
	}
	if !rowMatches(row, e.Conditions) {
		return false
	}
	if len(e.OldConditions) > 0 {
		if old == nil {
			return false
		}
		if !rowMatches(old, e.OldConditions) {
			return false
		}
	}
	return true
}

func kindIn(kind Kind, kinds []Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func rowMatches(row ovsdb.Row, conditions []ovsdb.Condition) bool {
	for _, condition := range conditions {
		ok, err := condition.Function.Evaluate(row[condition.Column], condition.Value)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// WaitEvent blocks a caller until a matching change arrives. It fires at
// most once. Embed it and override Matches, or give it conditions
type WaitEvent struct {
	RowEventBase
	done chan struct{}
	once sync.Once
}

// NewWaitEvent returns a WaitEvent observing the given change kinds on the
// given table, restricted by the given conditions
func NewWaitEvent(table string, events []Kind, conditions ...ovsdb.Condition) *WaitEvent {
	return &WaitEvent{
		RowEventBase: NewRowEventBase("", table, events, conditions...),
		done:         make(chan struct{}),
	}
}

// OneTime marks the event as firing at most once
func (e *WaitEvent) OneTime() bool { return true }

// Run implements RowEvent
func (e *WaitEvent) Run(table string, kind Kind, row, old ovsdb.Row) {
	e.once.Do(func() { close(e.done) })
}

// Done returns a channel that is closed once a matching change arrived
func (e *WaitEvent) Done() <-chan struct{} {
	return e.done
}

// RowEventHandler fans row changes out to the registered events. It plugs
// into the cache as an event handler: the ingestion loop calls the On*
// methods, matching runs inline and accepted events run on a worker pool so
// a slow or panicking handler never stalls ingestion
type RowEventHandler struct {
	mutex  sync.Mutex
	events []RowEvent
	pool   *ants.Pool
	logger *logr.Logger
}

// NewRowEventHandler returns a started RowEventHandler running handlers on
// a pool of poolSize workers, the default size when zero or negative
func NewRowEventHandler(logger *logr.Logger, poolSize int) (*RowEventHandler, error) {
	if logger == nil {
		l := stdr.NewWithOptions(log.New(os.Stderr, "", log.LstdFlags), stdr.Options{LogCaller: stdr.All}).WithName("event")
		logger = &l
	} else {
		l := logger.WithName("event")
		logger = &l
	}
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler pool: %v", err)
	}
	h := &RowEventHandler{
		pool:   pool,
		logger: logger,
	}
	// the registry accepts the gauge once, the first handler's pool is the
	// one reported
	handlersRunningOnce.Do(func() {
		metrics.RegisterEventHandlersRunning(func() float64 {
			return float64(h.pool.Running())
		})
	})
	return h, nil
}

var handlersRunningOnce sync.Once

// WatchEvent registers the event for delivery
func (h *RowEventHandler) WatchEvent(event RowEvent) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.addLocked(event)
}

// WatchEvents registers all the events for delivery
func (h *RowEventHandler) WatchEvents(events []RowEvent) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, event := range events {
		h.addLocked(event)
	}
}

// UnwatchEvent removes the event from delivery. Changes being dispatched
// concurrently may still run it one last time
func (h *RowEventHandler) UnwatchEvent(event RowEvent) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.removeLocked(event)
}

// UnwatchEvents removes all the events from delivery
func (h *RowEventHandler) UnwatchEvents(events []RowEvent) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, event := range events {
		h.removeLocked(event)
	}
}

func (h *RowEventHandler) addLocked(event RowEvent) {
	for _, existing := range h.events {
		if existing == event {
			return
		}
	}
	h.events = append(h.events, event)
}

func (h *RowEventHandler) removeLocked(event RowEvent) {
	for i, existing := range h.events {
		if existing == event {
			h.events = append(h.events[:i], h.events[i+1:]...)
			return
		}
	}
}

// WatchHandle is the registration of a Watch. Pass it to Unwatch to stop
// the deliveries
type WatchHandle struct {
	RowEventBase
	predicate func(kind Kind, row, old ovsdb.Row) bool
	handler   func(kind Kind, row, old ovsdb.Row)
}

// Matches implements RowEvent
func (w *WatchHandle) Matches(table string, kind Kind, row, old ovsdb.Row) bool {
	if !w.RowEventBase.Matches(table, kind, row, old) {
		return false
	}
	if w.predicate == nil {
		return true
	}
	return w.predicate(kind, row, old)
}

// Run implements RowEvent
func (w *WatchHandle) Run(table string, kind Kind, row, old ovsdb.Row) {
	w.handler(kind, row, old)
}

// Watch registers a handler for the given change kinds on the given table,
// filtered by the optional predicate over the change kind, the row after
// the change and, for updates, the row before it
func (h *RowEventHandler) Watch(table string, events []Kind, predicate func(kind Kind, row, old ovsdb.Row) bool, handler func(kind Kind, row, old ovsdb.Row)) *WatchHandle {
	w := &WatchHandle{
		RowEventBase: NewRowEventBase("", table, events),
		predicate:    predicate,
		handler:      handler,
	}
	h.WatchEvent(w)
	return w
}

// Unwatch removes the registration behind the handle
func (h *RowEventHandler) Unwatch(handle *WatchHandle) {
	h.UnwatchEvent(handle)
}

// Running returns the number of handlers currently running on the pool
func (h *RowEventHandler) Running() int {
	return h.pool.Running()
}

// Shutdown releases the worker pool. Pending handlers are abandoned
func (h *RowEventHandler) Shutdown() {
	h.pool.Release()
}

// OnAdd implements the cache event handler interface
func (h *RowEventHandler) OnAdd(table string, row ovsdb.Row) {
	h.notify(table, RowCreate, row, nil)
}

// OnUpdate implements the cache event handler interface
func (h *RowEventHandler) OnUpdate(table string, old, new ovsdb.Row) {
	h.notify(table, RowUpdate, new, old)
}

// OnDelete implements the cache event handler interface
func (h *RowEventHandler) OnDelete(table string, row ovsdb.Row) {
	h.notify(table, RowDelete, row, nil)
}

func (h *RowEventHandler) notify(table string, kind Kind, row, old ovsdb.Row) {
	matching := h.matchingEvents(table, kind, row, old)
	for _, match := range matching {
		match := match
		err := h.pool.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.MetricHandlerFailures.Inc()
					h.logger.Error(fmt.Errorf("%v", r), "event handler panicked",
						"event", eventName(match), "table", table, "kind", kind)
				}
			}()
			match.Run(table, kind, row, old)
		})
		if err != nil {
			h.logger.Error(err, "failed to run event handler",
				"event", eventName(match), "table", table, "kind", kind)
		}
	}
}

// matchingEvents returns the registered events that match the change.
// One-time events are unwatched here, while the matching lock is still
// held, so a second matching change can never fire them again
func (h *RowEventHandler) matchingEvents(table string, kind Kind, row, old ovsdb.Row) []RowEvent {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	var matching []RowEvent
	for _, candidate := range h.events {
		if h.match(candidate, table, kind, row, old) {
			matching = append(matching, candidate)
		}
	}
	for _, match := range matching {
		if ot, ok := match.(oneTime); ok && ot.OneTime() {
			h.removeLocked(match)
		}
	}
	return matching
}

// match isolates a panicking Matches the same way handler panics are
// isolated, treating it as no match
func (h *RowEventHandler) match(candidate RowEvent, table string, kind Kind, row, old ovsdb.Row) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error(fmt.Errorf("%v", r), "event not matched due to panic",
				"event", eventName(candidate), "table", table, "kind", kind)
			matched = false
		}
	}()
	return candidate.Matches(table, kind, row, old)
}

func eventName(event RowEvent) string {
	if s, ok := event.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", event)
}
