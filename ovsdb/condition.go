package ovsdb

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ConditionFunction is described in RFC 7047: 5.1
type ConditionFunction string

// WaitCondition is described in RFC 7047: 5.2
type WaitCondition string

const (
	// ConditionLessThan is the less than condition
	ConditionLessThan ConditionFunction = "<"
	// ConditionLessThanOrEqual is the less than or equal condition
	ConditionLessThanOrEqual ConditionFunction = "<="
	// ConditionEqual is the equal condition
	ConditionEqual ConditionFunction = "=="
	// ConditionNotEqual is the not equal condition
	ConditionNotEqual ConditionFunction = "!="
	// ConditionGreaterThan is the greater than condition
	ConditionGreaterThan ConditionFunction = ">"
	// ConditionGreaterThanOrEqual is the greater than or equal condition
	ConditionGreaterThanOrEqual ConditionFunction = ">="
	// ConditionIncludes is the includes condition
	ConditionIncludes ConditionFunction = "includes"
	// ConditionExcludes is the excludes condition
	ConditionExcludes ConditionFunction = "excludes"

	// WaitConditionEqual is the equal condition
	WaitConditionEqual WaitCondition = "=="
	// WaitConditionNotEqual is the not equal condition
	WaitConditionNotEqual WaitCondition = "!="
)

// Condition is described in RFC 7047: 5.1
type Condition struct {
	Column   string
	Function ConditionFunction
	Value    interface{}
}

// NewCondition returns a new condition
func NewCondition(column string, function ConditionFunction, value interface{}) Condition {
	return Condition{
		Column:   column,
		Function: function,
		Value:    value,
	}
}

// MarshalJSON marshals a condition to a 3 element JSON array
func (c Condition) MarshalJSON() ([]byte, error) {
	v := []interface{}{c.Column, c.Function, c.Value}
	return json.Marshal(v)
}

// UnmarshalJSON decodes the 3 element array wire form of a condition
func (c *Condition) UnmarshalJSON(b []byte) error {
	var v []interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if len(v) != 3 {
		return fmt.Errorf("a condition has 3 elements, got %d", len(v))
	}
	column, ok := v[0].(string)
	if !ok {
		return fmt.Errorf("%v is not a column name", v[0])
	}
	functionName, ok := v[1].(string)
	if !ok {
		return fmt.Errorf("%v is not a condition function", v[1])
	}
	switch function := ConditionFunction(functionName); function {
	case ConditionEqual,
		ConditionNotEqual,
		ConditionIncludes,
		ConditionExcludes,
		ConditionGreaterThan,
		ConditionGreaterThanOrEqual,
		ConditionLessThan,
		ConditionLessThanOrEqual:
		c.Function = function
	default:
		return fmt.Errorf("%s is not a valid condition function", function)
	}
	c.Column = column
	value, err := typedValue(v[2])
	if err != nil {
		return err
	}
	c.Value = value
	return nil
}

// bareScalar unwraps single element sets so they compare like the bare
// element, which is how the server evaluates conditions over optional
// scalar columns
func bareScalar(v interface{}) interface{} {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Len() == 1 {
		return rv.Index(0).Interface()
	}
	return v
}

func isEmptySlice(v interface{}) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Slice && rv.Len() == 0
}

// Evaluate will evaluate the condition on the two provided values.
// The conditions operate on native type values
func (c ConditionFunction) Evaluate(a interface{}, b interface{}) (bool, error) {
	x := reflect.ValueOf(a)
	y := reflect.ValueOf(b)
	if x.Kind() != y.Kind() {
		a, b = bareScalar(a), bareScalar(b)
		x, y = reflect.ValueOf(a), reflect.ValueOf(b)
	}
	if x.Kind() != y.Kind() {
		// a bare atom on the condition side of a set membership check
		// acts as a single element set
		if x.Kind() == reflect.Slice && (c == ConditionIncludes || c == ConditionExcludes) {
			found := sliceHasValue(x, b)
			if c == ConditionIncludes {
				return found, nil
			}
			return !found, nil
		}
		// an empty optional column never matches a concrete value
		if isEmptySlice(a) || isEmptySlice(b) {
			switch c {
			case ConditionEqual, ConditionIncludes:
				return false, nil
			case ConditionNotEqual, ConditionExcludes:
				return true, nil
			}
		}
		return false, fmt.Errorf("comparison between %s and %s not supported", x.Kind(), y.Kind())
	}
	switch c {
	case ConditionEqual:
		return reflect.DeepEqual(a, b), nil
	case ConditionNotEqual:
		return !reflect.DeepEqual(a, b), nil
	case ConditionIncludes:
		switch x.Kind() {
		case reflect.Slice:
			return sliceContains(x, y), nil
		case reflect.Map:
			return mapContains(x, y), nil
		case reflect.Int, reflect.Float64, reflect.Bool, reflect.String:
			return reflect.DeepEqual(a, b), nil
		default:
			return false, fmt.Errorf("condition not supported on %s", x.Kind())
		}
	case ConditionExcludes:
		switch x.Kind() {
		case reflect.Slice:
			return !sliceContains(x, y), nil
		case reflect.Map:
			return !mapContains(x, y), nil
		case reflect.Int, reflect.Float64, reflect.Bool, reflect.String:
			return !reflect.DeepEqual(a, b), nil
		default:
			return false, fmt.Errorf("condition not supported on %s", x.Kind())
		}
	case ConditionGreaterThan, ConditionGreaterThanOrEqual, ConditionLessThan, ConditionLessThanOrEqual:
		switch x.Kind() {
		case reflect.Int:
			return c.compareInt(a.(int), b.(int)), nil
		case reflect.Float64:
			return c.compareFloat(a.(float64), b.(float64)), nil
		default:
			return false, fmt.Errorf("condition not supported on %s", x.Kind())
		}
	}
	return false, fmt.Errorf("unsupported condition function %s", c)
}

func (c ConditionFunction) compareInt(x, y int) bool {
	switch c {
	case ConditionGreaterThan:
		return x > y
	case ConditionGreaterThanOrEqual:
		return x >= y
	case ConditionLessThan:
		return x < y
	default:
		return x <= y
	}
}

func (c ConditionFunction) compareFloat(x, y float64) bool {
	switch c {
	case ConditionGreaterThan:
		return x > y
	case ConditionGreaterThanOrEqual:
		return x >= y
	case ConditionLessThan:
		return x < y
	default:
		return x <= y
	}
}

// sliceHasValue reports whether v is present in x
func sliceHasValue(x reflect.Value, v interface{}) bool {
	for i := 0; i < x.Len(); i++ {
		if reflect.DeepEqual(x.Index(i).Interface(), v) {
			return true
		}
	}
	return false
}

// sliceContains reports whether every element of y is present in x
func sliceContains(x, y reflect.Value) bool {
	for i := 0; i < y.Len(); i++ {
		found := false
		vy := y.Index(i).Interface()
		for j := 0; j < x.Len(); j++ {
			if reflect.DeepEqual(vy, x.Index(j).Interface()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// mapContains reports whether every key value pair of y is present in x
func mapContains(x, y reflect.Value) bool {
	iter := y.MapRange()
	for iter.Next() {
		vx := x.MapIndex(iter.Key())
		if !vx.IsValid() {
			return false
		}
		if !reflect.DeepEqual(vx.Interface(), iter.Value().Interface()) {
			return false
		}
	}
	return true
}
