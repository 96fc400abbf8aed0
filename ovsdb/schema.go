package ovsdb

import (
	"encoding/json"
	"fmt"
)

// ExtendedType includes atomic types as defined in the RFC plus
// Enum, Map and Set
type ExtendedType = string

// RefType is used to define the possible RefTypes
type RefType = string

const (
	// Unlimited is used to express unlimited "Max"
	Unlimited int = -1

	unlimitedString = "unlimited"

	// Strong RefType
	Strong RefType = "strong"
	// Weak RefType
	Weak RefType = "weak"

	// ExtendedType associated with Atomic Types

	// TypeInteger is equivalent to 'int'
	TypeInteger ExtendedType = "integer"
	// TypeReal is equivalent to 'float64'
	TypeReal ExtendedType = "real"
	// TypeBoolean is equivalent to 'bool'
	TypeBoolean ExtendedType = "boolean"
	// TypeString is equivalent to 'string'
	TypeString ExtendedType = "string"
	// TypeUUID is represented by a string holding the UUID
	TypeUUID ExtendedType = "uuid"

	// Extended Types used to summarize the internal type of the field

	// TypeEnum is an enumerator of type defined by Key.Type
	TypeEnum ExtendedType = "enum"
	// TypeMap is a map whose type depend on Key.Type and Value.Type
	TypeMap ExtendedType = "map"
	// TypeSet is a set whose type depend on Key.Type
	TypeSet ExtendedType = "set"
)

// UUIDColumn is a static column that represents the _uuid column, common to all tables
var UUIDColumn = ColumnSchema{
	Type: TypeUUID,
}

// DatabaseSchema is a database schema according to RFC7047
type DatabaseSchema struct {
	Name    string                 `json:"name"`
	Version string                 `json:"version"`
	Tables  map[string]TableSchema `json:"tables"`
}

// Table returns a TableSchema Object for a specific table
func (schema DatabaseSchema) Table(tableName string) *TableSchema {
	if table, ok := schema.Tables[tableName]; ok {
		return &table
	}
	return nil
}

// ValidateOperations performs basic validation of the provided operations
// against the tables and columns the schema describes
func (schema DatabaseSchema) ValidateOperations(operations ...Operation) bool {
	for _, op := range operations {
		switch op.Op {
		case OperationCommit, OperationAbort, OperationComment, OperationAssert:
			continue
		}
		table, ok := schema.Tables[op.Table]
		if !ok {
			return false
		}
		for column := range op.Row {
			if table.Column(column) == nil {
				return false
			}
		}
		for _, row := range op.Rows {
			for column := range row {
				if table.Column(column) == nil {
					return false
				}
			}
		}
		for _, column := range op.Columns {
			if table.Column(column) == nil {
				return false
			}
		}
		for _, mutation := range op.Mutations {
			if table.Column(mutation.Column) == nil {
				return false
			}
		}
		for _, condition := range op.Where {
			if table.Column(condition.Column) == nil {
				return false
			}
		}
	}
	return true
}

// TableSchema is a table schema according to RFC7047
type TableSchema struct {
	Columns map[string]*ColumnSchema `json:"columns"`
	Indexes [][]string               `json:"indexes,omitempty"`
	IsRoot  bool                     `json:"isRoot,omitempty"`
}

// Column returns the Column object for a specific column name
func (t TableSchema) Column(columnName string) *ColumnSchema {
	if columnName == "_uuid" {
		return &UUIDColumn
	}
	if column, ok := t.Columns[columnName]; ok {
		return column
	}
	return nil
}

// BaseType is a base-type structure as per RFC7047
type BaseType struct {
	Type     string
	Enum     []interface{}
	RefTable string
	RefType  RefType
}

// UnmarshalJSON unmarshals a <base-type>, which is either a bare
// <atomic-type> or an object carrying the type plus its constraints
func (b *BaseType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.Type = s
		return nil
	}
	var bt struct {
		Type     string      `json:"type"`
		Enum     interface{} `json:"enum,omitempty"`
		RefTable string      `json:"refTable,omitempty"`
		RefType  RefType     `json:"refType,omitempty"`
	}
	if err := json.Unmarshal(data, &bt); err != nil {
		return err
	}
	if bt.Enum != nil {
		// 'enum' is a set of scalars or a single scalar
		if enum, ok := bt.Enum.([]interface{}); ok {
			if len(enum) != 2 {
				return fmt.Errorf("expected enum to be a set, got %v", bt.Enum)
			}
			innerSet, ok := enum[1].([]interface{})
			if !ok {
				return fmt.Errorf("expected enum to be a set, got %v", bt.Enum)
			}
			b.Enum = append(b.Enum, innerSet...)
		} else {
			b.Enum = []interface{}{bt.Enum}
		}
	}
	b.Type = bt.Type
	b.RefTable = bt.RefTable
	b.RefType = bt.RefType
	if b.RefTable != "" && b.RefType == "" {
		b.RefType = Strong
	}
	return nil
}

// ColumnType is a type object as per RFC7047
type ColumnType struct {
	Key   *BaseType
	Value *BaseType
	min   *int
	max   interface{}
}

// Min returns the minimum number of elements, 1 when unspecified
func (c *ColumnType) Min() int {
	if c.min == nil {
		return 1
	}
	return *c.min
}

// Max returns the maximum number of elements, 1 when unspecified and
// Unlimited for "unlimited"
func (c *ColumnType) Max() int {
	switch v := c.max.(type) {
	case nil:
		return 1
	case string:
		if v == unlimitedString {
			return Unlimited
		}
		return 1
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

// UnmarshalJSON unmarshals a <type>, which is either a bare
// <atomic-type> or an object with key, value, min and max
func (c *ColumnType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Key = &BaseType{Type: s}
		return nil
	}
	var ct struct {
		Key   *BaseType   `json:"key,omitempty"`
		Value *BaseType   `json:"value,omitempty"`
		Min   *int        `json:"min,omitempty"`
		Max   interface{} `json:"max,omitempty"`
	}
	if err := json.Unmarshal(data, &ct); err != nil {
		return err
	}
	c.Key = ct.Key
	c.Value = ct.Value
	c.min = ct.Min
	c.max = ct.Max
	return nil
}

// ColumnSchema is a column schema according to RFC7047
type ColumnSchema struct {
	// According to RFC7047, "type" can be, either an <atomic-type> or a
	// <type> object. The json is parsed manually and Type summarizes the
	// extended type, with the detail in TypeObj. E.g: if Type == TypeEnum,
	// TypeObj.Key.Enum carries the possible values
	Type      ExtendedType
	TypeObj   *ColumnType
	Ephemeral bool
	Mutable   bool
}

// UnmarshalJSON unmarshals a column schema and derives its extended type
func (column *ColumnSchema) UnmarshalJSON(data []byte) error {
	var colJSON struct {
		Type      *ColumnType `json:"type"`
		Ephemeral *bool       `json:"ephemeral,omitempty"`
		Mutable   *bool       `json:"mutable,omitempty"`
	}
	if err := json.Unmarshal(data, &colJSON); err != nil {
		return err
	}
	if colJSON.Type == nil || colJSON.Type.Key == nil {
		return fmt.Errorf("column schema has no type")
	}
	column.TypeObj = colJSON.Type
	column.Ephemeral = colJSON.Ephemeral != nil && *colJSON.Ephemeral
	column.Mutable = colJSON.Mutable == nil || *colJSON.Mutable

	switch {
	case column.TypeObj.Value != nil:
		column.Type = TypeMap
	case column.TypeObj.Min() != 1 || column.TypeObj.Max() != 1:
		column.Type = TypeSet
	case len(column.TypeObj.Key.Enum) > 0:
		column.Type = TypeEnum
	default:
		column.Type = column.TypeObj.Key.Type
	}
	return nil
}
