package ovsdb

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// OvsMap is the wire form of a database map. JSON objects only take
// string keys, so RFC 7047 encodes a map as ["map", [[key, value]...]]
type OvsMap struct {
	GoMap map[interface{}]interface{}
}

// NewOvsMap wraps a Go map for the wire
func NewOvsMap(goMap interface{}) (OvsMap, error) {
	v := reflect.ValueOf(goMap)
	if v.Kind() != reflect.Map {
		return OvsMap{}, fmt.Errorf("ovsmap supports only go map types")
	}
	m := make(map[interface{}]interface{}, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		m[iter.Key().Interface()] = iter.Value().Interface()
	}
	return OvsMap{m}, nil
}

// MarshalJSON emits the ["map", [[key, value]...]] wire form
func (o OvsMap) MarshalJSON() ([]byte, error) {
	pairs := make([][]interface{}, 0, len(o.GoMap))
	for key, val := range o.GoMap {
		pairs = append(pairs, []interface{}{key, val})
	}
	return json.Marshal([]interface{}{"map", pairs})
}

// UnmarshalJSON decodes the ["map", [[key, value]...]] wire form,
// mapping uuid values to their typed form. Map values are atoms, a
// nested map is rejected.
func (o *OvsMap) UnmarshalJSON(b []byte) error {
	var wire []interface{}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	o.GoMap = make(map[interface{}]interface{})
	if len(wire) < 2 {
		return nil
	}
	pairs, ok := wire[1].([]interface{})
	if !ok {
		return &json.UnmarshalTypeError{Value: reflect.ValueOf(wire).String(), Type: reflect.TypeOf(*o)}
	}
	for _, p := range pairs {
		pair, ok := p.([]interface{})
		if !ok || len(pair) != 2 {
			return &json.UnmarshalTypeError{Value: reflect.ValueOf(p).String(), Type: reflect.TypeOf(*o)}
		}
		value := pair[1]
		if composite, ok := value.([]interface{}); ok {
			if len(composite) != 2 || composite[0] == "map" {
				return &json.UnmarshalTypeError{Value: reflect.ValueOf(wire).String(), Type: reflect.TypeOf(*o)}
			}
			typed, err := typedValue(composite)
			if err != nil {
				return err
			}
			value = typed
		}
		o.GoMap[pair[0]] = value
	}
	return nil
}
