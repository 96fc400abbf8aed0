package ovsdb

import (
	"encoding/json"
)

// Operations of a transact request, applied atomically in list order.
// RFC 7047 section 5.2 defines their semantics.
const (
	OperationInsert  = "insert"
	OperationSelect  = "select"
	OperationUpdate  = "update"
	OperationMutate  = "mutate"
	OperationDelete  = "delete"
	OperationWait    = "wait"
	OperationCommit  = "commit"
	OperationAbort   = "abort"
	OperationComment = "comment"
	OperationAssert  = "assert"
)

// Operation is one member of the operation list of a transact request.
// Which fields apply depends on Op, the rest stay at their zero value
// and are left off the wire.
type Operation struct {
	Op        string      `json:"op"`
	Table     string      `json:"table,omitempty"`
	Where     []Condition `json:"where,omitempty"`
	Row       Row         `json:"row,omitempty"`
	Rows      []Row       `json:"rows,omitempty"`
	Columns   []string    `json:"columns,omitempty"`
	Mutations []Mutation  `json:"mutations,omitempty"`
	Until     string      `json:"until,omitempty"`
	Timeout   *int        `json:"timeout,omitempty"`
	Durable   *bool       `json:"durable,omitempty"`
	Comment   *string     `json:"comment,omitempty"`
	Lock      *string     `json:"lock,omitempty"`
	UUIDName  string      `json:"uuid-name,omitempty"`
}

// MarshalJSON always emits the where clause of a select operation, a
// select with no conditions means every row of the table
func (o Operation) MarshalJSON() ([]byte, error) {
	type operation Operation
	if o.Op != OperationSelect {
		return json.Marshal(operation(o))
	}
	where := o.Where
	if where == nil {
		where = []Condition{}
	}
	return json.Marshal(struct {
		operation
		Where []Condition `json:"where"`
	}{operation(o), where})
}

// TransactResponse is the reply to a transact request
type TransactResponse struct {
	Result []OperationResult `json:"result"`
	Error  string            `json:"error"`
}

// OperationResult is the per operation element of a transact reply:
// Count for update, mutate and delete, UUID for insert, Rows for
// select. A failed operation carries Error and Details instead.
type OperationResult struct {
	Count   int    `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
	UUID    UUID   `json:"uuid,omitempty"`
	Rows    []Row  `json:"rows,omitempty"`
}

// typedValue maps the wire form of a composite value, a 2-element
// ["uuid"|"named-uuid"|"set"|"map", ...] array, to its typed Go form.
// Every other value passes through untouched.
func typedValue(val interface{}) (interface{}, error) {
	sl, ok := val.([]interface{})
	if !ok || len(sl) == 0 {
		return val, nil
	}
	raw, err := json.Marshal(sl)
	if err != nil {
		return nil, err
	}
	switch sl[0] {
	case "uuid", "named-uuid":
		var uuid UUID
		err = json.Unmarshal(raw, &uuid)
		return uuid, err
	case "set":
		var set OvsSet
		err = json.Unmarshal(raw, &set)
		return set, err
	case "map":
		var m OvsMap
		err = json.Unmarshal(raw, &m)
		return m, err
	}
	return val, nil
}
