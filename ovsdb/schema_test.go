package ovsdb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchemaJSON = `{
  "name": "Open_vSwitch",
  "version": "8.3.0",
  "tables": {
    "Bridge": {
      "columns": {
        "name": {
          "type": "string",
          "mutable": false
        },
        "datapath_id": {
          "type": {"key": "string", "min": 0, "max": 1},
          "ephemeral": true
        },
        "fail_mode": {
          "type": {"key": {"type": "string", "enum": ["set", ["standalone", "secure"]]}, "min": 0, "max": 1}
        },
        "flood_vlans": {
          "type": {"key": {"type": "integer", "minInteger": 0, "maxInteger": 4095}, "min": 0, "max": 4096}
        },
        "ports": {
          "type": {"key": {"type": "uuid", "refTable": "Port"}, "min": 0, "max": "unlimited"}
        },
        "external_ids": {
          "type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}
        },
        "stp_enable": {
          "type": "boolean"
        }
      },
      "indexes": [["name"]]
    },
    "Port": {
      "columns": {
        "name": {
          "type": "string",
          "mutable": false
        }
      },
      "indexes": [["name"]]
    }
  }
}`

func testSchema(t *testing.T) DatabaseSchema {
	t.Helper()
	var schema DatabaseSchema
	err := json.Unmarshal([]byte(testSchemaJSON), &schema)
	require.NoError(t, err)
	return schema
}

func TestSchemaUnmarshal(t *testing.T) {
	schema := testSchema(t)
	assert.Equal(t, "Open_vSwitch", schema.Name)
	require.NotNil(t, schema.Table("Bridge"))
	assert.Nil(t, schema.Table("NoSuchTable"))

	bridge := schema.Table("Bridge")
	tests := []struct {
		desc    string
		column  string
		extType ExtendedType
	}{
		{"plain string column", "name", TypeString},
		{"optional scalar is a set", "datapath_id", TypeSet},
		{"optional enum is a set", "fail_mode", TypeSet},
		{"bounded integer set", "flood_vlans", TypeSet},
		{"uuid reference set", "ports", TypeSet},
		{"string string map", "external_ids", TypeMap},
		{"plain boolean column", "stp_enable", TypeBoolean},
		{"_uuid is always known", "_uuid", TypeUUID},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			column := bridge.Column(tt.column)
			require.NotNil(t, column)
			assert.Equal(t, tt.extType, column.Type)
		})
	}

	assert.Nil(t, bridge.Column("no_such_column"))
	assert.False(t, bridge.Column("name").Mutable)
	assert.True(t, bridge.Column("stp_enable").Mutable)
	assert.True(t, bridge.Column("datapath_id").Ephemeral)

	ports := bridge.Column("ports")
	assert.Equal(t, 0, ports.TypeObj.Min())
	assert.Equal(t, Unlimited, ports.TypeObj.Max())
	assert.Equal(t, "Port", ports.TypeObj.Key.RefTable)
	assert.Equal(t, Strong, ports.TypeObj.Key.RefType)

	failMode := bridge.Column("fail_mode")
	assert.ElementsMatch(t, []interface{}{"standalone", "secure"}, failMode.TypeObj.Key.Enum)

	assert.Equal(t, [][]string{{"name"}}, bridge.Indexes)
}

func TestValidateOperations(t *testing.T) {
	schema := testSchema(t)
	tests := []struct {
		desc string
		op   Operation
		want bool
	}{
		{
			desc: "insert with known columns",
			op:   Operation{Op: OperationInsert, Table: "Bridge", Row: Row{"name": "br0"}},
			want: true,
		},
		{
			desc: "unknown table",
			op:   Operation{Op: OperationInsert, Table: "Switch", Row: Row{"name": "br0"}},
			want: false,
		},
		{
			desc: "unknown column in row",
			op:   Operation{Op: OperationInsert, Table: "Bridge", Row: Row{"bad": 1}},
			want: false,
		},
		{
			desc: "unknown column in condition",
			op: Operation{Op: OperationSelect, Table: "Bridge",
				Where: []Condition{NewCondition("bad", ConditionEqual, "x")}},
			want: false,
		},
		{
			desc: "unknown column in mutation",
			op: Operation{Op: OperationMutate, Table: "Bridge",
				Mutations: []Mutation{*NewMutation("bad", MutateOperationInsert, "x")}},
			want: false,
		},
		{
			desc: "comment has no table",
			op:   Operation{Op: OperationComment, Comment: strPtr("for testing")},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			assert.Equal(t, tt.want, schema.ValidateOperations(tt.op))
		})
	}
}

func strPtr(s string) *string {
	return &s
}
