// Package agenterr defines the error kinds the agent distinguishes when deciding
// whether a failure belongs to a job (and is reported to the backend) or to the
// agent itself (and is retried locally with backoff).
package agenterr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// Validation means the query was rejected before execution.
	Validation Kind = "validation"
	// Connection means a database session could not be established in time.
	Connection Kind = "connection"
	// Query means the database rejected or timed out the statement.
	Query Kind = "query"
	// Transport means a backend HTTP call failed.
	Transport Kind = "transport"
	// Loop is any other failure during a worker cycle.
	Loop Kind = "loop"
)

// E wraps an error with a kind and a human-readable message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *E) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// KindOf returns the kind of the first *E in err's chain, or Loop when none is found.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return Loop
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
