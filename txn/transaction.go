// Package txn builds and commits atomic OVSDB transactions. Commands
// are queued on a Transaction in call order, Commit converts them to
// RFC 7047 operations in that order and sends them as one transact
// request: either every operation is applied or none is. Rows created
// earlier in a transaction can be referenced by later commands of the
// same transaction through their provisional named-uuid, the server
// replaces it with the concrete uuid when the transaction commits.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"

	"github.com/ovn-org/ovsdbclient/client"
	"github.com/ovn-org/ovsdbclient/config"
	"github.com/ovn-org/ovsdbclient/metrics"
	"github.com/ovn-org/ovsdbclient/ovsdb"
)

// State is the lifecycle phase of a Transaction
type State string

const (
	// StateBuilding accepts commands
	StateBuilding State = "building"
	// StateSent has operations on the wire
	StateSent State = "sent"
	// StateCommitted applied every command and extracted every result
	StateCommitted State = "committed"
	// StateAborted failed validation before anything reached the server
	StateAborted State = "aborted"
	// StateFailed was rejected by the server, gave up on a conflict or
	// its outcome is unknown
	StateFailed State = "failed"
)

// DefaultRetryInterval paces conflict retries
const DefaultRetryInterval = 200 * time.Millisecond

// Result holds the per operation results of a committed transaction, in
// operation order
type Result []ovsdb.OperationResult

// Option customizes a Transaction
type Option func(*Transaction)

// WithMaxRetries bounds how often a conflicted transaction is rebuilt
// and resent before Commit gives up with a ConflictError. Zero commits
// exactly once.
func WithMaxRetries(n int) Option {
	return func(t *Transaction) {
		if n >= 0 {
			t.maxRetries = n
		}
	}
}

// WithBackOff sets the wait strategy between conflict retries, a
// constant DefaultRetryInterval otherwise
func WithBackOff(b backoff.BackOff) Option {
	return func(t *Transaction) {
		t.backoff = b
	}
}

// WithLogger sets a logger for the transaction to use, a stderr logger
// otherwise
func WithLogger(l *logr.Logger) Option {
	return func(t *Transaction) {
		t.logger = *l
	}
}

// Transaction queues commands and commits them atomically through an
// OVSDB client. A Transaction commits at most once, it cannot be
// reused. Add and Commit are safe for concurrent use, though commands
// added concurrently commit in an unspecified relative order.
type Transaction struct {
	client     client.Client
	logger     logr.Logger
	backoff    backoff.BackOff
	maxRetries int

	mu         sync.Mutex
	state      State
	committing bool
	commands   []Command
	inserted   map[string]string
}

// NewTransaction returns an empty transaction that commits through c.
// The conflict retry bound defaults to config.Default.MaxRetries
func NewTransaction(c client.Client, opts ...Option) *Transaction {
	t := &Transaction{
		client:     c,
		logger:     stdr.NewWithOptions(log.New(os.Stderr, "", log.LstdFlags), stdr.Options{LogCaller: stdr.All}).WithName("ovsdb").WithName("transaction"),
		backoff:    backoff.NewConstantBackOff(DefaultRetryInterval),
		maxRetries: config.Default.MaxRetries,
		state:      StateBuilding,
		inserted:   map[string]string{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State reports where in its lifecycle the transaction is
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

// Add queues cmd behind the commands queued before it and returns it,
// so a call can be passed straight into a later command's arguments.
// Adding to a transaction that is no longer building is a programming
// error and panics.
func (t *Transaction) Add(cmd Command) Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committing {
		panic("ovsdb: cannot add a command to a committing transaction")
	}
	if t.state != StateBuilding {
		panic(fmt.Sprintf("ovsdb: cannot add a command to a transaction that is %s", t.state))
	}
	if b, ok := cmd.(binder); ok {
		if err := b.bind(t); err != nil {
			panic(fmt.Sprintf("ovsdb: %v", err))
		}
	}
	t.commands = append(t.commands, cmd)
	return cmd
}

// InsertedUUID maps the provisional identifier of a row this
// transaction created to the uuid the server assigned to it, known once
// the transaction commits
func (t *Transaction) InsertedUUID(namedUUID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	uuid, ok := t.inserted[namedUUID]
	return uuid, ok
}

// Commit builds the queued commands into one transact request and sends
// it, rebuilding and resending when the server reports a try-again
// conflict, at most maxRetries times over. A transaction with no
// commands commits immediately without touching the wire.
//
// On success every command's result is populated and the per operation
// results are returned in operation order. On failure no command result
// is populated and the returned error is a *ValidationError,
// *CommandError, *ConflictError, *TimeoutError or *ConnectivityError,
// possibly wrapped.
func (t *Transaction) Commit(ctx context.Context) (Result, error) {
	t.mu.Lock()
	if t.committing {
		t.mu.Unlock()
		return nil, newValidationError("transaction is already committing")
	}
	if t.state != StateBuilding {
		state := t.state
		t.mu.Unlock()
		return nil, newValidationError("cannot commit a transaction that is %s", state)
	}
	t.committing = true
	commands := make([]Command, len(t.commands))
	copy(commands, t.commands)
	t.mu.Unlock()

	if len(commands) == 0 {
		t.setState(StateCommitted)
		return Result{}, nil
	}

	metrics.MetricTransactionCount.Inc()
	start := time.Now()
	result, err := t.commit(ctx, commands)
	metrics.MetricTransactionDuration.Observe(time.Since(start).Seconds())
	if err = t.finish(err); err != nil {
		t.logger.V(3).Info("transaction did not commit", "state", t.State(), "error", err)
		return nil, err
	}
	return result, nil
}

func (t *Transaction) commit(ctx context.Context, commands []Command) (Result, error) {
	if t.client.Schema().Name == "" {
		return nil, &ConnectivityError{Err: client.ErrNotConnected}
	}

	var result Result
	t.backoff.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(t.backoff, uint64(t.maxRetries)), ctx)
	err := backoff.Retry(func() error {
		r, err := t.attempt(ctx, commands)
		if err == nil {
			result = r
			return nil
		}
		timedOut := &ovsdb.TimedOut{}
		if errors.As(err, &timedOut) {
			metrics.MetricTransactionRetries.Inc()
			t.logger.V(5).Info("transaction conflicted, will retry", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, bo)
	if err == nil {
		return result, nil
	}
	timedOut := &ovsdb.TimedOut{}
	if errors.As(err, &timedOut) {
		return nil, &ConflictError{Retries: t.maxRetries, Err: err}
	}
	return nil, t.classify(err)
}

// attempt builds the commands from scratch, so provisional identifiers
// and cache reads never leak between attempts, and runs the resulting
// operations as one transact call
func (t *Transaction) attempt(ctx context.Context, commands []Command) (Result, error) {
	ops, counts, err := t.build(commands)
	if err != nil {
		return nil, err
	}
	results := []ovsdb.OperationResult{}
	if len(ops) > 0 {
		t.setState(StateSent)
		results, err = t.client.Transact(ctx, ops...)
		if err != nil {
			return nil, err
		}
		if err := t.check(commands, counts, ops, results); err != nil {
			return nil, err
		}
	}
	if err := t.extract(commands, counts, results); err != nil {
		return nil, err
	}
	t.record(ops, results)
	return Result(results), nil
}

func (t *Transaction) build(commands []Command) ([]ovsdb.Operation, []int, error) {
	bctx := newBuildContext(t.client.Schema(), t.client.Cache())
	var ops []ovsdb.Operation
	counts := make([]int, len(commands))
	for i, cmd := range commands {
		cmdOps, err := cmd.Build(bctx)
		if err != nil {
			return nil, nil, fmt.Errorf("building command %d (%T): %w", i, cmd, err)
		}
		counts[i] = len(cmdOps)
		ops = append(ops, cmdOps...)
		// rows become referenceable only once created, commands queued
		// before this one never see its provisional identifier
		if rc, ok := cmd.(rowCreator); ok {
			bctx.assign(cmd, rc.NamedUUID())
		}
	}
	return ops, counts, nil
}

// check surfaces the first operation error the server reported. A wait
// operation that timed out surfaces as is for the retry loop to see,
// anything else becomes a CommandError attributed to the command whose
// operation failed.
func (t *Transaction) check(commands []Command, counts []int, ops []ovsdb.Operation, results []ovsdb.OperationResult) error {
	if len(results) < len(ops) {
		return fmt.Errorf("transaction returned %d results for %d operations", len(results), len(ops))
	}
	for i, r := range results {
		if r.Error == "" {
			continue
		}
		var op *ovsdb.Operation
		if i < len(ops) {
			op = &ops[i]
		}
		opErr := ovsdb.ErrorFromResult(op, r)
		timedOut := &ovsdb.TimedOut{}
		if errors.As(opErr, &timedOut) {
			return fmt.Errorf("operation %d: %w", i, opErr)
		}
		index, cmd := owningCommand(commands, counts, i)
		return &CommandError{Index: index, Cmd: cmd, Err: opErr}
	}
	return nil
}

// owningCommand maps an operation index back to the command that built
// the operation. A server may append one extra result for errors it
// detects only after running every operation, that one maps to no
// command.
func owningCommand(commands []Command, counts []int, opIndex int) (int, Command) {
	offset := 0
	for i, cmd := range commands {
		offset += counts[i]
		if opIndex < offset {
			return i, cmd
		}
	}
	return -1, nil
}

// extract distributes the per operation results to the commands that
// built the operations. All or nothing: when any extraction fails,
// every command's result is reset before reporting the failure.
func (t *Transaction) extract(commands []Command, counts []int, results []ovsdb.OperationResult) error {
	offset := 0
	for i, cmd := range commands {
		sub := results[offset : offset+counts[i]]
		offset += counts[i]
		if err := cmd.ExtractResult(sub); err != nil {
			for _, c := range commands {
				if r, ok := c.(resettable); ok {
					r.resetResult()
				}
			}
			return fmt.Errorf("extracting result of command %d (%T): %w", i, cmd, err)
		}
	}
	return nil
}

// record remembers which uuid the server assigned to each provisional
// identifier the sent operations carried
func (t *Transaction) record(ops []ovsdb.Operation, results []ovsdb.OperationResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, op := range ops {
		if op.UUIDName == "" || i >= len(results) {
			continue
		}
		t.inserted[op.UUIDName] = results[i].UUID.GoUUID
	}
}

func (t *Transaction) classify(err error) error {
	validation := &ValidationError{}
	command := &CommandError{}
	switch {
	case errors.As(err, &validation), errors.As(err, &command):
		return err
	case errors.Is(err, client.ErrNotConnected):
		return &ConnectivityError{Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &TimeoutError{Err: err}
	default:
		return err
	}
}

// finish moves the transaction to its final state and counts the
// failure reason
func (t *Transaction) finish(err error) error {
	if err == nil {
		t.setState(StateCommitted)
		return nil
	}
	validation := &ValidationError{}
	conflict := &ConflictError{}
	timeout := &TimeoutError{}
	connectivity := &ConnectivityError{}
	switch {
	case errors.As(err, &validation):
		t.setState(StateAborted)
		metrics.MetricTransactionFailures.WithLabelValues(metrics.ReasonValidation).Inc()
	case errors.As(err, &conflict):
		t.setState(StateFailed)
		metrics.MetricTransactionFailures.WithLabelValues(metrics.ReasonConflict).Inc()
	case errors.As(err, &timeout):
		t.setState(StateFailed)
		metrics.MetricTransactionFailures.WithLabelValues(metrics.ReasonTimeout).Inc()
	case errors.As(err, &connectivity):
		t.setState(StateFailed)
		metrics.MetricTransactionFailures.WithLabelValues(metrics.ReasonConnectivity).Inc()
	default:
		t.setState(StateFailed)
		metrics.MetricTransactionFailures.WithLabelValues(metrics.ReasonCommand).Inc()
	}
	return err
}
