package ovsdb

import (
	"fmt"
	"reflect"
)

// ErrWrongType describes the error where the provided value has the wrong type
type ErrWrongType struct {
	from     string
	expected string
	got      interface{}
}

func (e *ErrWrongType) Error() string {
	return fmt.Sprintf("wrong type, object: %s expected %s got %v %s",
		e.from, e.expected, e.got, reflect.TypeOf(e.got))
}

// NewErrWrongType creates a new ErrWrongType
func NewErrWrongType(from, expected string, got interface{}) error {
	return &ErrWrongType{from, expected, got}
}

func nativeTypeFromAtomic(basicType string) reflect.Type {
	switch basicType {
	case TypeInteger:
		return reflect.TypeOf(0)
	case TypeReal:
		return reflect.TypeOf(float64(0))
	case TypeBoolean:
		return reflect.TypeOf(true)
	case TypeString, TypeUUID:
		return reflect.TypeOf("")
	default:
		panic(fmt.Errorf("unknown atomic type %s", basicType))
	}
}

// NativeType returns the native Go type a value of the given column takes
// in a Row: int, float64, bool or string for atoms (uuids are held as
// plain strings), a typed slice for sets, regardless of their min and max,
// and a typed map for maps
func NativeType(column *ColumnSchema) reflect.Type {
	switch column.Type {
	case TypeInteger, TypeReal, TypeBoolean, TypeString, TypeUUID:
		return nativeTypeFromAtomic(column.Type)
	case TypeEnum:
		return nativeTypeFromAtomic(column.TypeObj.Key.Type)
	case TypeSet:
		return reflect.SliceOf(nativeTypeFromAtomic(column.TypeObj.Key.Type))
	case TypeMap:
		return reflect.MapOf(
			nativeTypeFromAtomic(column.TypeObj.Key.Type),
			nativeTypeFromAtomic(column.TypeObj.Value.Type))
	default:
		panic(fmt.Errorf("unknown extended type %s", column.Type))
	}
}

// OvsToNativeAtom converts an ovs atom to its native Go form
func OvsToNativeAtom(basicType string, ovsElem interface{}) (interface{}, error) {
	switch basicType {
	case TypeInteger:
		switch t := ovsElem.(type) {
		case int:
			return t, nil
		case float64:
			// the json package decodes numbers as float64
			return int(t), nil
		}
	case TypeReal:
		if f, ok := ovsElem.(float64); ok {
			return f, nil
		}
	case TypeBoolean:
		if b, ok := ovsElem.(bool); ok {
			return b, nil
		}
	case TypeString:
		if s, ok := ovsElem.(string); ok {
			return s, nil
		}
	case TypeUUID:
		switch t := ovsElem.(type) {
		case UUID:
			return t.GoUUID, nil
		case string:
			return t, nil
		}
	}
	return nil, NewErrWrongType("OvsToNativeAtom", basicType, ovsElem)
}

// OvsToNativeSlice transforms an ovs set, or the bare atom notation of a
// single element set, to a slice of the native type
func OvsToNativeSlice(baseType string, ovsElem interface{}) (interface{}, error) {
	naType := nativeTypeFromAtomic(baseType)
	var nativeSet reflect.Value
	switch ovsSet := ovsElem.(type) {
	case OvsSet:
		nativeSet = reflect.MakeSlice(reflect.SliceOf(naType), 0, len(ovsSet.GoSet))
		for _, v := range ovsSet.GoSet {
			nv, err := OvsToNativeAtom(baseType, v)
			if err != nil {
				return nil, err
			}
			nativeSet = reflect.Append(nativeSet, reflect.ValueOf(nv))
		}
	default:
		nativeSet = reflect.MakeSlice(reflect.SliceOf(naType), 0, 1)
		nv, err := OvsToNativeAtom(baseType, ovsElem)
		if err != nil {
			return nil, err
		}
		nativeSet = reflect.Append(nativeSet, reflect.ValueOf(nv))
	}
	return nativeSet.Interface(), nil
}

// OvsToNative transforms an ovs value to a native Go value based on the
// column type information
func OvsToNative(column *ColumnSchema, ovsElem interface{}) (interface{}, error) {
	switch column.Type {
	case TypeInteger, TypeReal, TypeBoolean, TypeString, TypeUUID:
		return OvsToNativeAtom(column.Type, ovsElem)
	case TypeEnum:
		return OvsToNativeAtom(column.TypeObj.Key.Type, ovsElem)
	case TypeSet:
		return OvsToNativeSlice(column.TypeObj.Key.Type, ovsElem)
	case TypeMap:
		ovsMap, ok := ovsElem.(OvsMap)
		if !ok {
			return nil, NewErrWrongType("OvsToNative", "OvsMap", ovsElem)
		}
		naType := NativeType(column)
		nativeMap := reflect.MakeMapWithSize(naType, len(ovsMap.GoMap))
		for k, v := range ovsMap.GoMap {
			nk, err := OvsToNativeAtom(column.TypeObj.Key.Type, k)
			if err != nil {
				return nil, err
			}
			nv, err := OvsToNativeAtom(column.TypeObj.Value.Type, v)
			if err != nil {
				return nil, err
			}
			nativeMap.SetMapIndex(reflect.ValueOf(nk), reflect.ValueOf(nv))
		}
		return nativeMap.Interface(), nil
	default:
		return nil, NewErrWrongType("OvsToNative", "a valid column type", column.Type)
	}
}

// NativeToOvsAtom converts a native Go value to its ovs form
func NativeToOvsAtom(basicType string, nativeElem interface{}) (interface{}, error) {
	if basicType == TypeUUID {
		s, ok := nativeElem.(string)
		if !ok {
			return nil, NewErrWrongType("NativeToOvsAtom", "string", nativeElem)
		}
		return UUID{GoUUID: s}, nil
	}
	if reflect.TypeOf(nativeElem) != nativeTypeFromAtomic(basicType) {
		return nil, NewErrWrongType("NativeToOvsAtom", basicType, nativeElem)
	}
	return nativeElem, nil
}

// NativeToOvs transforms a native Go value to its ovs form based on the
// column type information
func NativeToOvs(column *ColumnSchema, rawElem interface{}) (interface{}, error) {
	switch column.Type {
	case TypeInteger, TypeReal, TypeBoolean, TypeString, TypeUUID:
		return NativeToOvsAtom(column.Type, rawElem)
	case TypeEnum:
		return NativeToOvsAtom(column.TypeObj.Key.Type, rawElem)
	case TypeSet:
		rv := reflect.ValueOf(rawElem)
		if rv.Kind() != reflect.Slice {
			// accept a bare element for a single element set
			elem, err := NativeToOvsAtom(column.TypeObj.Key.Type, rawElem)
			if err != nil {
				return nil, err
			}
			return OvsSet{GoSet: []interface{}{elem}}, nil
		}
		ovsSet := OvsSet{GoSet: make([]interface{}, 0, rv.Len())}
		for i := 0; i < rv.Len(); i++ {
			elem, err := NativeToOvsAtom(column.TypeObj.Key.Type, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			ovsSet.GoSet = append(ovsSet.GoSet, elem)
		}
		return ovsSet, nil
	case TypeMap:
		rv := reflect.ValueOf(rawElem)
		if rv.Kind() != reflect.Map {
			return nil, NewErrWrongType("NativeToOvs", "a map", rawElem)
		}
		ovsMap := OvsMap{GoMap: make(map[interface{}]interface{}, rv.Len())}
		iter := rv.MapRange()
		for iter.Next() {
			k, err := NativeToOvsAtom(column.TypeObj.Key.Type, iter.Key().Interface())
			if err != nil {
				return nil, err
			}
			v, err := NativeToOvsAtom(column.TypeObj.Value.Type, iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			ovsMap.GoMap[k] = v
		}
		return ovsMap, nil
	default:
		return nil, NewErrWrongType("NativeToOvs", "a valid column type", column.Type)
	}
}

// DefaultNative returns the native default value of the given column, the
// zero atom for scalars, an empty slice for sets and an empty map for maps
func DefaultNative(column *ColumnSchema) interface{} {
	switch column.Type {
	case TypeSet:
		return reflect.MakeSlice(NativeType(column), 0, 0).Interface()
	case TypeMap:
		return reflect.MakeMap(NativeType(column)).Interface()
	default:
		return reflect.Zero(NativeType(column)).Interface()
	}
}

// IsDefaultValue reports whether the native value is the column's default,
// the zero atom for scalars and the empty set or map otherwise
func IsDefaultValue(column *ColumnSchema, nativeElem interface{}) bool {
	if nativeElem == nil {
		return true
	}
	switch column.Type {
	case TypeSet, TypeMap:
		rv := reflect.ValueOf(nativeElem)
		return rv.Len() == 0
	default:
		return reflect.DeepEqual(nativeElem, reflect.Zero(reflect.TypeOf(nativeElem)).Interface())
	}
}
