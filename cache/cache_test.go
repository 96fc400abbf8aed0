package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
        "ports": {"type": {"key": {"type": "uuid", "refTable": "Port"}, "min": 0, "max": "unlimited"}},
        "external_ids": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}}
      },
      "indexes": [["name"]]
    },
    "Port": {
      "columns": {
        "name": {"type": "string", "mutable": false}
      },
      "indexes": [["name"]]
    }
  }
}`

const (
	aUUID0 = "2f77b348-9768-4866-b761-89d5177ecda0"
	aUUID1 = "2f77b348-9768-4866-b761-89d5177ecda1"
	aUUID2 = "2f77b348-9768-4866-b761-89d5177ecda2"
)

func testSchema(t *testing.T) ovsdb.DatabaseSchema {
	t.Helper()
	var schema ovsdb.DatabaseSchema
	err := json.Unmarshal([]byte(testSchemaJSON), &schema)
	require.NoError(t, err)
	return schema
}

func testTableCache(t *testing.T) *TableCache {
	t.Helper()
	tc, err := NewTableCache(testSchema(t), nil)
	require.NoError(t, err)
	return tc
}

func TestPopulate(t *testing.T) {
	tc := testTableCache(t)

	insert := ovsdb.TableUpdates{
		"Bridge": ovsdb.TableUpdate{
			aUUID0: &ovsdb.RowUpdate{
				New: &ovsdb.Row{"name": "br0", "external_ids": ovsdb.OvsMap{GoMap: map[interface{}]interface{}{"purpose": "test"}}},
			},
		},
	}
	require.NoError(t, tc.Populate(insert))

	row := tc.Row("Bridge", aUUID0)
	require.NotNil(t, row)
	assert.Equal(t, "br0", row["name"])
	assert.Equal(t, aUUID0, row["_uuid"])
	assert.Equal(t, map[string]string{"purpose": "test"}, row["external_ids"])

	// update1 carries the full new row, replacing the old contents
	modify := ovsdb.TableUpdates{
		"Bridge": ovsdb.TableUpdate{
			aUUID0: &ovsdb.RowUpdate{
				Old: &ovsdb.Row{"name": "br0"},
				New: &ovsdb.Row{"name": "br0", "external_ids": ovsdb.OvsMap{GoMap: map[interface{}]interface{}{"purpose": "prod"}}},
			},
		},
	}
	require.NoError(t, tc.Populate(modify))
	row = tc.Row("Bridge", aUUID0)
	assert.Equal(t, map[string]string{"purpose": "prod"}, row["external_ids"])

	delete := ovsdb.TableUpdates{
		"Bridge": ovsdb.TableUpdate{
			aUUID0: &ovsdb.RowUpdate{
				Old: &ovsdb.Row{"name": "br0"},
			},
		},
	}
	require.NoError(t, tc.Populate(delete))
	assert.Nil(t, tc.Row("Bridge", aUUID0))
}

func TestPopulate2(t *testing.T) {
	tc := testTableCache(t)

	initial := ovsdb.TableUpdates2{
		"Bridge": ovsdb.TableUpdate2{
			aUUID0: &ovsdb.RowUpdate2{
				Initial: &ovsdb.Row{
					"name":  "br0",
					"ports": ovsdb.OvsSet{GoSet: []interface{}{ovsdb.UUID{GoUUID: aUUID1}}},
				},
			},
		},
	}
	require.NoError(t, tc.Populate2(initial))
	row := tc.Row("Bridge", aUUID0)
	require.NotNil(t, row)
	assert.Equal(t, []string{aUUID1}, row["ports"])

	tests := []struct {
		desc      string
		update    ovsdb.RowUpdate2
		wantPorts []string
	}{
		{
			desc: "set modify applies the symmetric difference, addition",
			update: ovsdb.RowUpdate2{
				Modify: &ovsdb.Row{"ports": ovsdb.OvsSet{GoSet: []interface{}{ovsdb.UUID{GoUUID: aUUID2}}}},
			},
			wantPorts: []string{aUUID1, aUUID2},
		},
		{
			desc: "set modify applies the symmetric difference, removal",
			update: ovsdb.RowUpdate2{
				Modify: &ovsdb.Row{"ports": ovsdb.OvsSet{GoSet: []interface{}{ovsdb.UUID{GoUUID: aUUID1}}}},
			},
			wantPorts: []string{aUUID2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			require.NoError(t, tc.Populate2(ovsdb.TableUpdates2{
				"Bridge": ovsdb.TableUpdate2{aUUID0: &tt.update},
			}))
			row := tc.Row("Bridge", aUUID0)
			assert.Equal(t, tt.wantPorts, row["ports"])
		})
	}

	mapDelta := ovsdb.TableUpdates2{
		"Bridge": ovsdb.TableUpdate2{
			aUUID0: &ovsdb.RowUpdate2{
				Modify: &ovsdb.Row{
					"external_ids": ovsdb.OvsMap{GoMap: map[interface{}]interface{}{"purpose": "test"}},
				},
			},
		},
	}
	require.NoError(t, tc.Populate2(mapDelta))
	assert.Equal(t, map[string]string{"purpose": "test"}, tc.Row("Bridge", aUUID0)["external_ids"])

	// the same pair again means removal
	require.NoError(t, tc.Populate2(mapDelta))
	assert.Equal(t, map[string]string{}, tc.Row("Bridge", aUUID0)["external_ids"])

	del := ovsdb.TableUpdates2{
		"Bridge": ovsdb.TableUpdate2{
			aUUID0: &ovsdb.RowUpdate2{
				Delete: &ovsdb.Row{},
			},
		},
	}
	require.NoError(t, tc.Populate2(del))
	assert.Nil(t, tc.Row("Bridge", aUUID0))

	err := tc.Populate2(ovsdb.TableUpdates2{
		"Bridge": ovsdb.TableUpdate2{
			aUUID0: &ovsdb.RowUpdate2{Modify: &ovsdb.Row{"name": "ghost"}},
		},
	})
	require.Error(t, err, "modifying a row that does not exist is an inconsistency")
	var inconsistent *ErrCacheInconsistent
	assert.ErrorAs(t, err, &inconsistent)
}

func TestRowByIndex(t *testing.T) {
	tc := testTableCache(t)
	require.NoError(t, tc.Populate2(ovsdb.TableUpdates2{
		"Bridge": ovsdb.TableUpdate2{
			aUUID0: &ovsdb.RowUpdate2{Insert: &ovsdb.Row{"name": "br0"}},
			aUUID1: &ovsdb.RowUpdate2{Insert: &ovsdb.Row{"name": "br1"}},
		},
	}))

	uuid, row, found := tc.Table("Bridge").RowByIndex([]string{"name"}, "br1")
	require.True(t, found)
	assert.Equal(t, aUUID1, uuid)
	assert.Equal(t, "br1", row["name"])

	_, _, found = tc.Table("Bridge").RowByIndex([]string{"name"}, "br7")
	assert.False(t, found)

	_, _, found = tc.Table("Bridge").RowByIndex([]string{"datapath_id"}, "x")
	assert.False(t, found, "datapath_id is not a schema index")

	// a modify that changes an indexed column moves the index entry
	require.NoError(t, tc.Populate(ovsdb.TableUpdates{
		"Bridge": ovsdb.TableUpdate{
			aUUID1: &ovsdb.RowUpdate{
				Old: &ovsdb.Row{"name": "br1"},
				New: &ovsdb.Row{"name": "br1-renamed"},
			},
		},
	}))
	_, _, found = tc.Table("Bridge").RowByIndex([]string{"name"}, "br1")
	assert.False(t, found)
	uuid, _, found = tc.Table("Bridge").RowByIndex([]string{"name"}, "br1-renamed")
	require.True(t, found)
	assert.Equal(t, aUUID1, uuid)
}

func TestRowCacheCreateIndexChecks(t *testing.T) {
	tc := testTableCache(t)
	rc := tc.Table("Bridge")
	require.NoError(t, rc.Create(aUUID0, ovsdb.Row{"_uuid": aUUID0, "name": "br0"}, true))

	err := rc.Create(aUUID1, ovsdb.Row{"_uuid": aUUID1, "name": "br0"}, true)
	require.Error(t, err)
	var exists *ErrIndexExists
	assert.ErrorAs(t, err, &exists)
	assert.Equal(t, "Bridge", exists.Table)
	assert.Equal(t, aUUID0, exists.Existing)

	err = rc.Create(aUUID0, ovsdb.Row{"_uuid": aUUID0, "name": "other"}, true)
	require.Error(t, err, "duplicate uuid must be rejected")
}

func TestRowsByCondition(t *testing.T) {
	tc := testTableCache(t)
	require.NoError(t, tc.Populate2(ovsdb.TableUpdates2{
		"Bridge": ovsdb.TableUpdate2{
			aUUID0: &ovsdb.RowUpdate2{Insert: &ovsdb.Row{
				"name":         "br0",
				"external_ids": ovsdb.OvsMap{GoMap: map[interface{}]interface{}{"owner": "ovn"}},
			}},
			aUUID1: &ovsdb.RowUpdate2{Insert: &ovsdb.Row{"name": "br1"}},
		},
	}))

	tests := []struct {
		desc       string
		conditions []ovsdb.Condition
		wantUUIDs  []string
	}{
		{
			desc:       "by uuid",
			conditions: []ovsdb.Condition{ovsdb.NewCondition("_uuid", ovsdb.ConditionEqual, aUUID0)},
			wantUUIDs:  []string{aUUID0},
		},
		{
			desc:       "by name",
			conditions: []ovsdb.Condition{ovsdb.NewCondition("name", ovsdb.ConditionEqual, "br1")},
			wantUUIDs:  []string{aUUID1},
		},
		{
			desc:       "by map inclusion",
			conditions: []ovsdb.Condition{ovsdb.NewCondition("external_ids", ovsdb.ConditionIncludes, map[string]string{"owner": "ovn"})},
			wantUUIDs:  []string{aUUID0},
		},
		{
			desc:       "no conditions match everything",
			conditions: nil,
			wantUUIDs:  []string{aUUID0, aUUID1},
		},
		{
			desc:       "no match",
			conditions: []ovsdb.Condition{ovsdb.NewCondition("name", ovsdb.ConditionEqual, "br9")},
			wantUUIDs:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			rows, err := tc.Table("Bridge").RowsByCondition(tt.conditions)
			require.NoError(t, err)
			got := make([]string, 0, len(rows))
			for uuid := range rows {
				got = append(got, uuid)
			}
			assert.ElementsMatch(t, tt.wantUUIDs, got)
		})
	}
}

func TestRowIsolation(t *testing.T) {
	tc := testTableCache(t)
	require.NoError(t, tc.Populate2(ovsdb.TableUpdates2{
		"Bridge": ovsdb.TableUpdate2{
			aUUID0: &ovsdb.RowUpdate2{Insert: &ovsdb.Row{
				"name":         "br0",
				"external_ids": ovsdb.OvsMap{GoMap: map[interface{}]interface{}{"k": "v"}},
			}},
		},
	}))

	row := tc.Row("Bridge", aUUID0)
	row["name"] = "mutated"
	row["external_ids"].(map[string]string)["k"] = "mutated"

	fresh := tc.Row("Bridge", aUUID0)
	assert.Equal(t, "br0", fresh["name"])
	assert.Equal(t, map[string]string{"k": "v"}, fresh["external_ids"])
}

func TestEventProcessing(t *testing.T) {
	tc := testTableCache(t)

	type received struct {
		kind  string
		table string
		old   ovsdb.Row
		new   ovsdb.Row
	}
	events := make(chan received, 16)
	tc.AddEventHandler(&EventHandlerFuncs{
		AddFunc: func(table string, row ovsdb.Row) {
			events <- received{kind: "add", table: table, new: row}
		},
		UpdateFunc: func(table string, old, new ovsdb.Row) {
			events <- received{kind: "update", table: table, old: old, new: new}
		},
		DeleteFunc: func(table string, row ovsdb.Row) {
			events <- received{kind: "delete", table: table, old: row}
		},
	})

	stopCh := make(chan struct{})
	defer close(stopCh)
	go tc.Run(stopCh)

	require.NoError(t, tc.Populate2(ovsdb.TableUpdates2{
		"Bridge": ovsdb.TableUpdate2{
			aUUID0: &ovsdb.RowUpdate2{Insert: &ovsdb.Row{"name": "br0", "datapath_id": "00:11"}},
		},
	}))
	require.NoError(t, tc.Populate2(ovsdb.TableUpdates2{
		"Bridge": ovsdb.TableUpdate2{
			aUUID0: &ovsdb.RowUpdate2{Modify: &ovsdb.Row{"datapath_id": ovsdb.OvsSet{GoSet: []interface{}{"00:11", "00:22"}}}},
		},
	}))
	require.NoError(t, tc.Populate2(ovsdb.TableUpdates2{
		"Bridge": ovsdb.TableUpdate2{
			aUUID0: &ovsdb.RowUpdate2{Delete: nil},
		},
	}))

	add := <-events
	assert.Equal(t, "add", add.kind)
	assert.Equal(t, "Bridge", add.table)
	assert.Equal(t, []string{"00:11"}, add.new["datapath_id"])

	update := <-events
	assert.Equal(t, "update", update.kind)
	assert.Equal(t, []string{"00:11"}, update.old["datapath_id"])
	assert.Equal(t, []string{"00:22"}, update.new["datapath_id"])

	del := <-events
	assert.Equal(t, "delete", del.kind)
	assert.Equal(t, "br0", del.old["name"])
}
