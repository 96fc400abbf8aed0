package ovsdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOvsToNative(t *testing.T) {
	schema := testSchema(t)
	bridge := schema.Table("Bridge")

	tests := []struct {
		desc   string
		column string
		ovs    interface{}
		want   interface{}
	}{
		{
			desc:   "integer atoms arrive as json floats",
			column: "flood_vlans",
			ovs:    OvsSet{GoSet: []interface{}{float64(100), float64(200)}},
			want:   []int{100, 200},
		},
		{
			desc:   "string atom",
			column: "name",
			ovs:    "br0",
			want:   "br0",
		},
		{
			desc:   "uuid set to string slice",
			column: "ports",
			ovs:    OvsSet{GoSet: []interface{}{UUID{GoUUID: "c1d46903-0b44-4a05-a2ff-b27900a1d46e"}}},
			want:   []string{"c1d46903-0b44-4a05-a2ff-b27900a1d46e"},
		},
		{
			desc:   "one element set in bare atom notation",
			column: "datapath_id",
			ovs:    "00:11:22:33:44:55",
			want:   []string{"00:11:22:33:44:55"},
		},
		{
			desc:   "empty optional scalar",
			column: "datapath_id",
			ovs:    OvsSet{GoSet: []interface{}{}},
			want:   []string{},
		},
		{
			desc:   "map to native map",
			column: "external_ids",
			ovs:    OvsMap{GoMap: map[interface{}]interface{}{"purpose": "test"}},
			want:   map[string]string{"purpose": "test"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			column := bridge.Column(tt.column)
			require.NotNil(t, column)
			got, err := OvsToNative(column, tt.ovs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := OvsToNative(bridge.Column("name"), 42)
	assert.Error(t, err, "atom of the wrong type must be rejected")
}

func TestNativeToOvs(t *testing.T) {
	schema := testSchema(t)
	bridge := schema.Table("Bridge")

	got, err := NativeToOvs(bridge.Column("ports"), []string{"c1d46903-0b44-4a05-a2ff-b27900a1d46e"})
	require.NoError(t, err)
	assert.Equal(t, OvsSet{GoSet: []interface{}{UUID{GoUUID: "c1d46903-0b44-4a05-a2ff-b27900a1d46e"}}}, got)

	got, err = NativeToOvs(bridge.Column("external_ids"), map[string]string{"purpose": "test"})
	require.NoError(t, err)
	assert.Equal(t, OvsMap{GoMap: map[interface{}]interface{}{"purpose": "test"}}, got)

	got, err = NativeToOvs(bridge.Column("datapath_id"), "00:11:22:33:44:55")
	require.NoError(t, err)
	assert.Equal(t, OvsSet{GoSet: []interface{}{"00:11:22:33:44:55"}}, got, "bare element becomes a one element set")

	_, err = NativeToOvs(bridge.Column("external_ids"), "not-a-map")
	assert.Error(t, err)
}

func TestIsDefaultValue(t *testing.T) {
	schema := testSchema(t)
	bridge := schema.Table("Bridge")
	assert.True(t, IsDefaultValue(bridge.Column("name"), ""))
	assert.False(t, IsDefaultValue(bridge.Column("name"), "br0"))
	assert.True(t, IsDefaultValue(bridge.Column("ports"), []string{}))
	assert.True(t, IsDefaultValue(bridge.Column("external_ids"), map[string]string{}))
	assert.False(t, IsDefaultValue(bridge.Column("external_ids"), map[string]string{"a": "b"}))
}
