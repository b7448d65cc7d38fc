package memory

import "fmt"

type storeError struct {
	op          string
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *storeError) Error() string       { return fmt.Sprintf("memory.%s: %s", e.op, e.msg) }
func (e *storeError) IsNotFound() bool    { return e.notFound }
func (e *storeError) IsConflict() bool    { return e.conflict }
func (e *storeError) IsUnavailable() bool { return e.unavailable }

func notFound(op, msg string) error { return &storeError{op: op, msg: msg, notFound: true} }
func conflict(op, msg string) error { return &storeError{op: op, msg: msg, conflict: true} }

// Unavailable builds an error that reports a transient outage; tests use it to simulate store failures.
func Unavailable(op string) error { return &storeError{op: op, msg: "store unavailable", unavailable: true} }
