package ovsdb

import (
	"encoding/json"
	"fmt"
)

// Mutator adjusts a column value in place, RFC 7047 section 5.1. The
// arithmetic mutators apply to integer and real columns, insert and
// delete to sets and maps.
type Mutator string

const (
	MutateOperationInsert   Mutator = "insert"
	MutateOperationDelete   Mutator = "delete"
	MutateOperationAdd      Mutator = "+="
	MutateOperationSubtract Mutator = "-="
	MutateOperationMultiply Mutator = "*="
	MutateOperationDivide   Mutator = "/="
	MutateOperationModulo   Mutator = "%="
)

// Mutation is one [column, mutator, value] member of a mutate
// operation
type Mutation struct {
	Column  string
	Mutator Mutator
	Value   interface{}
}

// NewMutation returns a mutation applying mutator with value to column
func NewMutation(column string, mutator Mutator, value interface{}) *Mutation {
	return &Mutation{
		Column:  column,
		Mutator: mutator,
		Value:   value,
	}
}

// MarshalJSON emits the mutation in its 3 element array wire form
func (m Mutation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Column, m.Mutator, m.Value})
}

// UnmarshalJSON decodes the 3 element array wire form of a mutation
func (m *Mutation) UnmarshalJSON(b []byte) error {
	var v []interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if len(v) != 3 {
		return fmt.Errorf("a mutation has 3 elements, got %d", len(v))
	}
	column, ok := v[0].(string)
	if !ok {
		return fmt.Errorf("%v is not a column name", v[0])
	}
	mutatorName, ok := v[1].(string)
	if !ok {
		return fmt.Errorf("%v is not a mutator", v[1])
	}
	switch mutator := Mutator(mutatorName); mutator {
	case MutateOperationInsert,
		MutateOperationDelete,
		MutateOperationAdd,
		MutateOperationSubtract,
		MutateOperationMultiply,
		MutateOperationDivide,
		MutateOperationModulo:
		m.Mutator = mutator
	default:
		return fmt.Errorf("%s is not a valid mutator", mutator)
	}
	m.Column = column
	value, err := typedValue(v[2])
	if err != nil {
		return err
	}
	m.Value = value
	return nil
}
