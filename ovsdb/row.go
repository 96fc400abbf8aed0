package ovsdb

import "encoding/json"

// Row holds the column values of one table row, keyed by column name.
// Wire rows hold values in their OVSDB notation, rows kept in a table
// cache hold native Go values.
type Row map[string]interface{}

// NewRow returns an empty row
func NewRow() Row {
	return Row{}
}

// UnmarshalJSON decodes a wire row, mapping composite column values to
// their typed form
func (r *Row) UnmarshalJSON(b []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	row := make(Row, len(raw))
	for column, val := range raw {
		typed, err := typedValue(val)
		if err != nil {
			return err
		}
		row[column] = typed
	}
	*r = row
	return nil
}
