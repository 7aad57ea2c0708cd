// Package syncerr defines the error taxonomy shared by the sync engine.
//
// ConnectivityError and ProjectionError are caught at the stream-cycle
// boundary. PersistenceError is fatal only when loading cursors at startup.
// FeedbackError never leaves the feedback loop.
package syncerr

import (
	"errors"
	"fmt"
)

// ConnectivityError reports an unreachable source, graph store or cache
type ConnectivityError struct {
	Slot string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error on %s: %v", e.Slot, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Connectivity wraps err as a ConnectivityError for slot
func Connectivity(slot string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectivityError{Slot: slot, Err: err}
}

// PersistenceError reports a cursor store failure
type PersistenceError struct {
	Op     string // "get", "set" or "reset"
	Stream string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cursor %s %s: %v", e.Op, e.Stream, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError
func Persistence(op, stream string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Stream: stream, Err: err}
}

// ProjectionError reports a record that cannot be mapped into the graph
type ProjectionError struct {
	Stream    string
	RecordKey string
	Err       error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("cannot project %s record %q: %v", e.Stream, e.RecordKey, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

// FeedbackError reports a failed feedback step for one transaction
type FeedbackError struct {
	TxnID string
	Step  string
	Err   error
}

func (e *FeedbackError) Error() string {
	return fmt.Sprintf("feedback %s for txn %s: %v", e.Step, e.TxnID, e.Err)
}

func (e *FeedbackError) Unwrap() error { return e.Err }

func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func IsProjection(err error) bool {
	var pe *ProjectionError
	return errors.As(err, &pe)
}
