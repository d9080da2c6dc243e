package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyFinished   = errors.New("already finished")
	ErrUnauthorized      = errors.New("provider rejected credentials")
	ErrNoTargetSucceeded = errors.New("no target succeeded")
	ErrMalformedRecord   = errors.New("malformed record")
)

// ConfigError is fatal and reported before any run begins.
type ConfigError struct {
	Field    string
	Problems []string
	Err      error
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration error")
	if e.Field != "" {
		sb.WriteString(" in ")
		sb.WriteString(e.Field)
	}
	if len(e.Problems) > 0 {
		sb.WriteString(": ")
		sb.WriteString(strings.Join(e.Problems, "; "))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TransientError is retried by the fetcher and then downgraded to a
// per-target failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PersistenceError is fatal to the current run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
