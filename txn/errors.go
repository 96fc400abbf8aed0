package txn

import (
	"fmt"

	"github.com/ovn-org/ovsdbclient/ovsdb"
)

// ValidationError reports a command that failed the local pre-flight
// checks: a table or column the schema does not know, a record that
// cannot be resolved, or a reference to a row-creating command that does
// not appear earlier in the same transaction. The transaction aborts
// locally and nothing is sent to the server.
type ValidationError struct {
	details string
}

func newValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{details: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.details
}

// CommandError reports an operation the server rejected: a constraint or
// referential integrity violation, a duplicate index value, a domain
// error. The whole transaction failed with it, nothing was applied, and
// it is never retried.
type CommandError struct {
	// Index is the position of the failing command within its
	// transaction, -1 when the server reported a transaction level
	// failure past the last operation (RFC 7047 section 4.1.3)
	Index int
	// Cmd is the failing command, nil when Index is -1
	Cmd Command
	// Err is the typed operation error the server reported
	Err ovsdb.OperationError
}

func (e *CommandError) Error() string {
	if e.Cmd == nil {
		return fmt.Sprintf("transaction failed: %v", e.Err)
	}
	return fmt.Sprintf("command %d (%T) failed: %v", e.Index, e.Cmd, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ConflictError reports a transaction whose preconditions kept being
// invalidated by concurrent changes, a wait operation timing out on
// every rebuilt attempt until the retry bound was exhausted.
type ConflictError struct {
	// Retries is how many times the transaction was rebuilt and
	// resubmitted after the first conflicted attempt
	Retries int
	// Err is the wait timeout of the last attempt
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction conflicted and did not resolve after %d retries: %v", e.Retries, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a commit whose context expired while the request
// was in flight. The outcome is indeterminate, the server may or may not
// have applied the transaction.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction timed out, outcome unknown: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// ConnectivityError reports a commit attempted while the connection to
// the server was down or lost mid-flight. Watches survive it, pending
// transactions do not.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connection to the server was lost: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}
