package event

import (
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovn-org/ovsdbclient/ovsdb"
)

const (
	aUUID0 = "2f77b348-9768-4866-b761-89d5177ecda0"
	aUUID1 = "2f77b348-9768-4866-b761-89d5177ecda1"
)

type recordingEvent struct {
	RowEventBase
	runs int32
	seen chan ovsdb.Row
}

func newRecordingEvent(table string, events []Kind, conditions ...ovsdb.Condition) *recordingEvent {
	return &recordingEvent{
		RowEventBase: NewRowEventBase("recording", table, events, conditions...),
		seen:         make(chan ovsdb.Row, 16),
	}
}

func (e *recordingEvent) Run(table string, kind Kind, row, old ovsdb.Row) {
	atomic.AddInt32(&e.runs, 1)
	e.seen <- row
}

func (e *recordingEvent) Runs() int {
	return int(atomic.LoadInt32(&e.runs))
}

func testHandler(t *testing.T) *RowEventHandler {
	t.Helper()
	h, err := NewRowEventHandler(nil, 4)
	require.NoError(t, err)
	t.Cleanup(h.Shutdown)
	return h
}

func TestRowEventBaseMatches(t *testing.T) {
	base := NewRowEventBase("test", "Bridge", []Kind{RowCreate, RowUpdate},
		ovsdb.NewCondition("name", ovsdb.ConditionEqual, "br0"))
	row := ovsdb.Row{"name": "br0"}

	tests := []struct {
		desc  string
		table string
		kind  Kind
		row   ovsdb.Row
		old   ovsdb.Row
		want  bool
	}{
		{
			desc:  "matching table, kind and conditions",
			table: "Bridge",
			kind:  RowCreate,
			row:   row,
			want:  true,
		},
		{
			desc:  "wrong table",
			table: "Port",
			kind:  RowCreate,
			row:   row,
			want:  false,
		},
		{
			desc:  "unobserved kind",
			table: "Bridge",
			kind:  RowDelete,
			row:   row,
			want:  false,
		},
		{
			desc:  "failing condition",
			table: "Bridge",
			kind:  RowCreate,
			row:   ovsdb.Row{"name": "br1"},
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Matches(tt.table, tt.kind, tt.row, tt.old))
		})
	}

	old := NewRowEventBase("test", "Bridge", []Kind{RowUpdate},
		ovsdb.NewCondition("name", ovsdb.ConditionEqual, "br0"))
	old.OldConditions = []ovsdb.Condition{ovsdb.NewCondition("name", ovsdb.ConditionEqual, "br0-old")}
	assert.True(t, old.Matches("Bridge", RowUpdate, row, ovsdb.Row{"name": "br0-old"}))
	assert.False(t, old.Matches("Bridge", RowUpdate, row, ovsdb.Row{"name": "other"}))
	assert.False(t, old.Matches("Bridge", RowUpdate, row, nil),
		"old conditions can never match without an old row")
}

func TestDelivery(t *testing.T) {
	h := testHandler(t)
	e := newRecordingEvent("Bridge", []Kind{RowCreate},
		ovsdb.NewCondition("name", ovsdb.ConditionEqual, "br0"))
	h.WatchEvent(e)

	h.OnAdd("Port", ovsdb.Row{"name": "br0"})
	h.OnAdd("Bridge", ovsdb.Row{"name": "br1"})
	h.OnAdd("Bridge", ovsdb.Row{"_uuid": aUUID0, "name": "br0"})

	select {
	case row := <-e.seen:
		assert.Equal(t, aUUID0, row["_uuid"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
	require.Never(t, func() bool { return e.Runs() > 1 }, 100*time.Millisecond, 10*time.Millisecond,
		"non matching changes must not be delivered")

	h.UnwatchEvent(e)
	h.OnAdd("Bridge", ovsdb.Row{"name": "br0"})
	require.Never(t, func() bool { return e.Runs() > 1 }, 100*time.Millisecond, 10*time.Millisecond,
		"unwatched events must not be delivered")
}

func TestOneTimeFiresOnce(t *testing.T) {
	h := testHandler(t)
	w := NewWaitEvent("Bridge", []Kind{RowCreate},
		ovsdb.NewCondition("name", ovsdb.ConditionEqual, "br0"))
	h.WatchEvent(w)

	// two matching changes in a row, before any handler had a chance to run
	h.OnAdd("Bridge", ovsdb.Row{"_uuid": aUUID0, "name": "br0"})
	h.OnAdd("Bridge", ovsdb.Row{"_uuid": aUUID1, "name": "br0"})

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the wait event")
	}

	counting := newRecordingEvent("Bridge", []Kind{RowDelete})
	ot := &oneTimeRecording{recordingEvent: counting}
	h.WatchEvent(ot)
	h.OnDelete("Bridge", ovsdb.Row{"_uuid": aUUID0})
	h.OnDelete("Bridge", ovsdb.Row{"_uuid": aUUID1})
	require.Eventually(t, func() bool { return counting.Runs() == 1 }, time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return counting.Runs() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

type oneTimeRecording struct {
	*recordingEvent
}

func (e *oneTimeRecording) OneTime() bool { return true }

func TestWatchColumnChanged(t *testing.T) {
	h := testHandler(t)

	var fires int32
	handle := h.Watch("Bridge", []Kind{RowUpdate},
		func(kind Kind, row, old ovsdb.Row) bool {
			return !reflect.DeepEqual(row["datapath_id"], old["datapath_id"])
		},
		func(kind Kind, row, old ovsdb.Row) {
			atomic.AddInt32(&fires, 1)
		})

	h.OnUpdate("Bridge",
		ovsdb.Row{"name": "br0", "datapath_id": []string{"00:11"}},
		ovsdb.Row{"name": "br0", "datapath_id": []string{"00:22"}})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fires) == 1 }, time.Second, 10*time.Millisecond)

	// a change to another column leaves the watch silent
	h.OnUpdate("Bridge",
		ovsdb.Row{"name": "br0", "datapath_id": []string{"00:22"}},
		ovsdb.Row{"name": "br0-renamed", "datapath_id": []string{"00:22"}})
	require.Never(t, func() bool { return atomic.LoadInt32(&fires) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	h.Unwatch(handle)
	h.OnUpdate("Bridge",
		ovsdb.Row{"name": "br0", "datapath_id": []string{"00:33"}},
		ovsdb.Row{"name": "br0", "datapath_id": []string{"00:44"}})
	require.Never(t, func() bool { return atomic.LoadInt32(&fires) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

type panickingEvent struct {
	RowEventBase
}

func (e *panickingEvent) Run(table string, kind Kind, row, old ovsdb.Row) {
	panic("handler exploded")
}

type panickingMatcher struct {
	RowEventBase
	runs int32
}

func (e *panickingMatcher) Matches(table string, kind Kind, row, old ovsdb.Row) bool {
	panic("matcher exploded")
}

func (e *panickingMatcher) Run(table string, kind Kind, row, old ovsdb.Row) {
	atomic.AddInt32(&e.runs, 1)
}

func TestPanicIsolation(t *testing.T) {
	h := testHandler(t)
	p := &panickingEvent{RowEventBase: NewRowEventBase("panicking", "Bridge", []Kind{RowCreate})}
	m := &panickingMatcher{RowEventBase: NewRowEventBase("panicking matcher", "Bridge", []Kind{RowCreate})}
	e := newRecordingEvent("Bridge", []Kind{RowCreate})
	h.WatchEvents([]RowEvent{p, m, e})

	h.OnAdd("Bridge", ovsdb.Row{"_uuid": aUUID0, "name": "br0"})
	select {
	case <-e.seen:
	case <-time.After(time.Second):
		t.Fatal("a panicking handler must not break delivery to the others")
	}
	assert.Zero(t, atomic.LoadInt32(&m.runs), "a panicking matcher counts as no match")

	// the handler survives and keeps delivering
	h.OnAdd("Bridge", ovsdb.Row{"_uuid": aUUID1, "name": "br1"})
	select {
	case <-e.seen:
	case <-time.After(time.Second):
		t.Fatal("delivery must survive a previous handler panic")
	}
}
