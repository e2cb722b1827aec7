package worldstate

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrReadOnly is returned when a write is attempted inside a transaction
	// started as read-only.
	ErrReadOnly = errors.New("transaction is read-only")

	ErrClosed = errors.New("store closed")
)

type NotFoundError struct {
	Collection string
	ID         string
	Msg        string
}

func notFoundErrf(collection, id string, format string, args ...any) error {
	return &NotFoundError{collection, id, fmt.Sprintf(format, args...)}
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func (e *NotFoundError) Error() string {
	return describeDocErr(e.Collection, e.ID, e.Msg, ErrNotFound)
}

type AlreadyExistsError struct {
	Collection string
	ID         string
	Msg        string
}

func alreadyExistsErrf(collection, id string, format string, args ...any) error {
	return &AlreadyExistsError{collection, id, fmt.Sprintf(format, args...)}
}

func (e *AlreadyExistsError) Is(target error) bool {
	return target == ErrAlreadyExists
}

func (e *AlreadyExistsError) Error() string {
	return describeDocErr(e.Collection, e.ID, e.Msg, ErrAlreadyExists)
}

func describeDocErr(collection, id, msg string, kind error) string {
	var buf strings.Builder
	if collection == "" {
		buf.WriteString("collection")
	} else {
		buf.WriteString(collection)
	}
	if id != "" {
		buf.WriteByte('/')
		buf.WriteString(id)
	}
	buf.WriteString(": ")
	if msg != "" {
		buf.WriteString(msg)
	} else {
		buf.WriteString(kind.Error())
	}
	return buf.String()
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}
