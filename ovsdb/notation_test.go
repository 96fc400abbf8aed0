package ovsdb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationMarshalJSON(t *testing.T) {
	timeout := 0
	tests := []struct {
		desc string
		op   Operation
		want string
	}{
		{
			desc: "select without where must keep an empty where",
			op: Operation{
				Op:      OperationSelect,
				Table:   "Bridge",
				Columns: []string{"name"},
			},
			want: `{"where":[],"op":"select","table":"Bridge","columns":["name"]}`,
		},
		{
			desc: "insert with a named uuid",
			op: Operation{
				Op:       OperationInsert,
				Table:    "Bridge",
				Row:      Row{"name": "br0"},
				UUIDName: "u0000000001",
			},
			want: `{"op":"insert","table":"Bridge","row":{"name":"br0"},"uuid-name":"u0000000001"}`,
		},
		{
			desc: "wait with a zero timeout keeps the timeout",
			op: Operation{
				Op:      OperationWait,
				Table:   "Bridge",
				Timeout: &timeout,
				Where:   []Condition{NewCondition("name", ConditionEqual, "br0")},
				Columns: []string{"name"},
				Until:   "!=",
				Rows:    []Row{{"name": "br0"}},
			},
			want: `{"op":"wait","table":"Bridge","rows":[{"name":"br0"}],"columns":["name"],"timeout":0,"where":[["name","==","br0"]],"until":"!="}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := json.Marshal(tt.op)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestOvsSetMarshalUnmarshal(t *testing.T) {
	one, err := json.Marshal(OvsSet{GoSet: []interface{}{"single"}})
	require.NoError(t, err)
	assert.Equal(t, `"single"`, string(one), "one element sets collapse to the bare element")

	empty, err := json.Marshal(OvsSet{})
	require.NoError(t, err)
	assert.Equal(t, `["set",[]]`, string(empty))

	var s OvsSet
	require.NoError(t, json.Unmarshal([]byte(`["set",[["uuid","c1d46903-0b44-4a05-a2ff-b27900a1d46e"],["named-uuid","u0000000001"]]]`), &s))
	assert.Equal(t, []interface{}{
		UUID{GoUUID: "c1d46903-0b44-4a05-a2ff-b27900a1d46e"},
		UUID{GoUUID: "u0000000001"},
	}, s.GoSet)

	require.NoError(t, json.Unmarshal([]byte(`"bare"`), &s))
	assert.Equal(t, []interface{}{"bare"}, s.GoSet, "bare atoms decode as one element sets")
}

func TestUUIDMarshal(t *testing.T) {
	real, err := json.Marshal(UUID{GoUUID: "c1d46903-0b44-4a05-a2ff-b27900a1d46e"})
	require.NoError(t, err)
	assert.Equal(t, `["uuid","c1d46903-0b44-4a05-a2ff-b27900a1d46e"]`, string(real))

	named, err := json.Marshal(UUID{GoUUID: "u0000000001"})
	require.NoError(t, err)
	assert.Equal(t, `["named-uuid","u0000000001"]`, string(named), "non RFC4122 values marshal as provisional ids")
}

func TestRowUnmarshal(t *testing.T) {
	var r Row
	err := json.Unmarshal([]byte(`{"name":"br0","ports":["set",[["uuid","c1d46903-0b44-4a05-a2ff-b27900a1d46e"]]],"external_ids":["map",[["purpose","test"]]]}`), &r)
	require.NoError(t, err)
	assert.Equal(t, "br0", r["name"])
	assert.Equal(t, OvsSet{GoSet: []interface{}{UUID{GoUUID: "c1d46903-0b44-4a05-a2ff-b27900a1d46e"}}}, r["ports"])
	assert.Equal(t, OvsMap{GoMap: map[interface{}]interface{}{"purpose": "test"}}, r["external_ids"])
}

func TestTransactResponseUnmarshal(t *testing.T) {
	payload := `{"result":[{"uuid":["uuid","c1d46903-0b44-4a05-a2ff-b27900a1d46e"]},{"count":1},{"error":"timed out","details":"wait timed out"}],"error":""}`
	var resp TransactResponse
	require.NoError(t, json.Unmarshal([]byte(payload), &resp))
	require.Len(t, resp.Result, 3)
	assert.Equal(t, "c1d46903-0b44-4a05-a2ff-b27900a1d46e", resp.Result[0].UUID.GoUUID)
	assert.Equal(t, 1, resp.Result[1].Count)
	assert.Equal(t, "timed out", resp.Result[2].Error)
}
