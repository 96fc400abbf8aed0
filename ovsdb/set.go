package ovsdb

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// OvsSet is the wire form of a database set. RFC 7047 lets a set with
// exactly one element be represented as the bare element instead of
// the ["set", [...]] array, both notations are accepted and single
// element sets are emitted the bare way.
type OvsSet struct {
	GoSet []interface{}
}

// NewOvsSet wraps a slice, a scalar or a uuid, or a pointer to one of
// those, for the wire. A scalar becomes a single element set, a nil
// pointer an empty one.
func NewOvsSet(obj interface{}) (OvsSet, error) {
	elems := make([]interface{}, 0)
	v := reflect.ValueOf(obj)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
		if v.Kind() == reflect.Invalid {
			return OvsSet{elems}, nil
		}
	}
	switch v.Kind() {
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elems = append(elems, v.Index(i).Interface())
		}
	case reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Bool:
		elems = append(elems, v.Interface())
	case reflect.Struct:
		if v.Type() != reflect.TypeOf(UUID{}) {
			return OvsSet{}, fmt.Errorf("ovsset supports only go slice/string/numbers/uuid or pointers to those types")
		}
		elems = append(elems, v.Interface())
	default:
		return OvsSet{}, fmt.Errorf("ovsset supports only go slice/string/numbers/uuid or pointers to those types")
	}
	return OvsSet{elems}, nil
}

// MarshalJSON emits a single element set as the bare element, every
// other size in the ["set", [...]] form
func (o OvsSet) MarshalJSON() ([]byte, error) {
	switch len(o.GoSet) {
	case 1:
		return json.Marshal(o.GoSet[0])
	case 0:
		return []byte(`["set",[]]`), nil
	default:
		return json.Marshal([]interface{}{"set", o.GoSet})
	}
}

// UnmarshalJSON accepts both set notations, mapping uuid elements to
// their typed form
func (o *OvsSet) UnmarshalJSON(b []byte) error {
	o.GoSet = make([]interface{}, 0)
	addToSet := func(v interface{}) error {
		typed, err := typedValue(v)
		if err != nil {
			return err
		}
		o.GoSet = append(o.GoSet, typed)
		return nil
	}

	var wire interface{}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	sl, ok := wire.([]interface{})
	if !ok {
		// a bare atom, the single element of the set
		return addToSet(wire)
	}
	if len(sl) == 2 && (sl[0] == "uuid" || sl[0] == "named-uuid") {
		id, ok := sl[1].(string)
		if !ok {
			return &json.UnmarshalTypeError{Value: reflect.ValueOf(wire).String(), Type: reflect.TypeOf(*o)}
		}
		return addToSet(UUID{GoUUID: id})
	}
	if len(sl) < 2 || sl[0] != "set" {
		return &json.UnmarshalTypeError{Value: reflect.ValueOf(wire).String(), Type: reflect.TypeOf(*o)}
	}
	elems, ok := sl[1].([]interface{})
	if !ok {
		return &json.UnmarshalTypeError{Value: reflect.ValueOf(wire).String(), Type: reflect.TypeOf(*o)}
	}
	for _, e := range elems {
		if err := addToSet(e); err != nil {
			return err
		}
	}
	return nil
}
