package ovsdb

import "fmt"

const (
	referentialIntegrityViolation = "referential integrity violation"
	constraintViolation           = "constraint violation"
	resourcesExhausted            = "resources exhausted"
	ioError                       = "I/O error"
	duplicateUUIDName             = "duplicate uuid name"
	domainError                   = "domain error"
	rangeError                    = "range error"
	timedOut                      = "timed out"
	notSupported                  = "not supported"
	aborted                       = "aborted"
	notOwner                      = "not owner"
	syntaxError                   = "syntax error"
)

// OperationError represents an operation level error
type OperationError interface {
	error
	// OperationErrorDetails returns the details of the error
	OperationErrorDetails() string
}

// ErrorFromResult returns the typed error a failed operation result
// carries, or nil when the result carries no error
func ErrorFromResult(op *Operation, r OperationResult) OperationError {
	if r.Error == "" {
		return nil
	}
	switch r.Error {
	case referentialIntegrityViolation:
		return &ReferentialIntegrityViolation{r.Details, op}
	case constraintViolation:
		return &ConstraintViolation{r.Details, op}
	case resourcesExhausted:
		return &ResourcesExhausted{r.Details, op}
	case ioError:
		return &IOError{r.Details, op}
	case duplicateUUIDName:
		return &DuplicateUUIDName{r.Details, op}
	case domainError:
		return &DomainError{r.Details, op}
	case rangeError:
		return &RangeError{r.Details, op}
	case timedOut:
		return &TimedOut{r.Details, op}
	case notSupported:
		return &NotSupported{r.Details, op}
	case aborted:
		return &Aborted{r.Details, op}
	case notOwner:
		return &NotOwner{r.Details, op}
	case syntaxError:
		return &SyntaxError{r.Details, op}
	default:
		return &Error{r.Error, r.Details, op}
	}
}

// ResultFromError returns an OperationResult describing the given error
func ResultFromError(err error) OperationResult {
	if err == nil {
		panic("program error: passed nil error to ResultFromError")
	}
	switch e := err.(type) {
	case *ReferentialIntegrityViolation:
		return OperationResult{Error: referentialIntegrityViolation, Details: e.details}
	case *ConstraintViolation:
		return OperationResult{Error: constraintViolation, Details: e.details}
	case *ResourcesExhausted:
		return OperationResult{Error: resourcesExhausted, Details: e.details}
	case *IOError:
		return OperationResult{Error: ioError, Details: e.details}
	case *DuplicateUUIDName:
		return OperationResult{Error: duplicateUUIDName, Details: e.details}
	case *DomainError:
		return OperationResult{Error: domainError, Details: e.details}
	case *RangeError:
		return OperationResult{Error: rangeError, Details: e.details}
	case *TimedOut:
		return OperationResult{Error: timedOut, Details: e.details}
	case *NotSupported:
		return OperationResult{Error: notSupported, Details: e.details}
	case *Aborted:
		return OperationResult{Error: aborted, Details: e.details}
	case *NotOwner:
		return OperationResult{Error: notOwner, Details: e.details}
	case *SyntaxError:
		return OperationResult{Error: syntaxError, Details: e.details}
	case *Error:
		return OperationResult{Error: e.name, Details: e.details}
	default:
		return OperationResult{Error: err.Error()}
	}
}

// CheckOperationResults checks whether the provided operations were a
// success. On success it returns nil, nil. On failure it returns the
// failed results along with an error built from them. Per RFC7047
// section 4.1.3 the result array carries one additional error element
// when all operations succeed but the transaction cannot be committed
func CheckOperationResults(result []OperationResult, ops []Operation) ([]OperationResult, error) {
	// this shouldn't happen, but we'll cover the case to be sure
	if len(result) < len(ops) {
		return nil, fmt.Errorf("ovsdb transaction error: %d operations submitted and only %d results received",
			len(ops), len(result))
	}
	var errs []OperationResult
	var firstErr OperationError
	for i, r := range result {
		if r.Error == "" {
			continue
		}
		errs = append(errs, r)
		var opErr OperationError
		if i < len(ops) {
			opErr = ErrorFromResult(&ops[i], r)
		} else {
			opErr = ErrorFromResult(nil, r)
		}
		if firstErr == nil {
			firstErr = opErr
		}
	}
	if firstErr != nil {
		return errs, fmt.Errorf("%d ovsdb operations failed: %w", len(errs), firstErr)
	}
	return nil, nil
}

// Error is a generic OVSDB operation error not described in RFC7047
type Error struct {
	name      string
	details   string
	operation *Operation
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.name
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *Error) OperationErrorDetails() string {
	return e.details
}

// ReferentialIntegrityViolation is described in RFC 7047: 4.1.3
type ReferentialIntegrityViolation struct {
	details   string
	operation *Operation
}

// NewReferentialIntegrityViolation returns a ReferentialIntegrityViolation error
func NewReferentialIntegrityViolation(details string, operation *Operation) *ReferentialIntegrityViolation {
	return &ReferentialIntegrityViolation{details, operation}
}

// Error implements the error interface
func (e *ReferentialIntegrityViolation) Error() string {
	msg := referentialIntegrityViolation
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *ReferentialIntegrityViolation) OperationErrorDetails() string {
	return e.details
}

// ConstraintViolation is described in RFC 7047: 4.1.3
type ConstraintViolation struct {
	details   string
	operation *Operation
}

// NewConstraintViolation returns a ConstraintViolation error
func NewConstraintViolation(details string, operation *Operation) *ConstraintViolation {
	return &ConstraintViolation{details, operation}
}

// Error implements the error interface
func (e *ConstraintViolation) Error() string {
	msg := constraintViolation
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *ConstraintViolation) OperationErrorDetails() string {
	return e.details
}

// ResourcesExhausted is described in RFC 7047: 4.1.3
type ResourcesExhausted struct {
	details   string
	operation *Operation
}

// Error implements the error interface
func (e *ResourcesExhausted) Error() string {
	msg := resourcesExhausted
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *ResourcesExhausted) OperationErrorDetails() string {
	return e.details
}

// IOError is described in RFC7047: 4.1.3
type IOError struct {
	details   string
	operation *Operation
}

// Error implements the error interface
func (e *IOError) Error() string {
	msg := ioError
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *IOError) OperationErrorDetails() string {
	return e.details
}

// DuplicateUUIDName is described in RFC7047: 5.2.1
type DuplicateUUIDName struct {
	details   string
	operation *Operation
}

// Error implements the error interface
func (e *DuplicateUUIDName) Error() string {
	msg := duplicateUUIDName
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *DuplicateUUIDName) OperationErrorDetails() string {
	return e.details
}

// DomainError is described in RFC7047: 5.2.4
type DomainError struct {
	details   string
	operation *Operation
}

// Error implements the error interface
func (e *DomainError) Error() string {
	msg := domainError
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *DomainError) OperationErrorDetails() string {
	return e.details
}

// RangeError is described in RFC7047: 5.2.4
type RangeError struct {
	details   string
	operation *Operation
}

// Error implements the error interface
func (e *RangeError) Error() string {
	msg := rangeError
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *RangeError) OperationErrorDetails() string {
	return e.details
}

// TimedOut is described in RFC7047: 5.2.6. It is what a wait operation
// returns when its until condition did not hold within its timeout
type TimedOut struct {
	details   string
	operation *Operation
}

// NewTimedOut returns a TimedOut error
func NewTimedOut(details string, operation *Operation) *TimedOut {
	return &TimedOut{details, operation}
}

// Error implements the error interface
func (e *TimedOut) Error() string {
	msg := timedOut
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *TimedOut) OperationErrorDetails() string {
	return e.details
}

// NotSupported is described in RFC7047: 5.2.7
type NotSupported struct {
	details   string
	operation *Operation
}

// Error implements the error interface
func (e *NotSupported) Error() string {
	msg := notSupported
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *NotSupported) OperationErrorDetails() string {
	return e.details
}

// Aborted is described in RFC7047: 5.2.8
type Aborted struct {
	details   string
	operation *Operation
}

// Error implements the error interface
func (e *Aborted) Error() string {
	msg := aborted
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *Aborted) OperationErrorDetails() string {
	return e.details
}

// NotOwner is described in RFC7047: 5.2.9
type NotOwner struct {
	details   string
	operation *Operation
}

// Error implements the error interface
func (e *NotOwner) Error() string {
	msg := notOwner
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *NotOwner) OperationErrorDetails() string {
	return e.details
}

// SyntaxError is described in RFC7047: 4.1.3
type SyntaxError struct {
	details   string
	operation *Operation
}

// Error implements the error interface
func (e *SyntaxError) Error() string {
	msg := syntaxError
	if e.details != "" {
		msg += ": " + e.details
	}
	return msg
}

// OperationErrorDetails implements the OperationError interface
func (e *SyntaxError) OperationErrorDetails() string {
	return e.details
}
