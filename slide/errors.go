package slide

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures so transports can map them to responses.
type ErrorKind uint8

const (
	UnknownError ErrorKind = iota
	RequestIntegrity
	ResourceExistence
	ResourceCreation
	ResourceDeletion
	ResourceMove
	DatabaseQuery
	DatabaseInsertion
	DatabaseDeletion
	Corrupt
	WebSocketParse
	WebSocketSend
)

func (k ErrorKind) String() string {
	switch k {
	case RequestIntegrity:
		return "request integrity"
	case ResourceExistence:
		return "resource existence"
	case ResourceCreation:
		return "resource creation"
	case ResourceDeletion:
		return "resource deletion"
	case ResourceMove:
		return "resource move"
	case DatabaseQuery:
		return "database query"
	case DatabaseInsertion:
		return "database insertion"
	case DatabaseDeletion:
		return "database deletion"
	case Corrupt:
		return "corrupt"
	case WebSocketParse:
		return "websocket parse"
	case WebSocketSend:
		return "websocket send"
	default:
		return "unknown"
	}
}

// ErrNotFound is wrapped by errors describing absent resources.
var ErrNotFound = errors.New("not found")

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError returns a classified error with a formatted message.
func NewError(kind ErrorKind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WrapError classifies err.  A nil err returns nil.
func WrapError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors wrapping ErrNotFound are ResourceExistence.
func KindOf(err error) ErrorKind {
	if err == nil {
		return UnknownError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return ResourceExistence
	}
	return UnknownError
}

// IsKind returns true if err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code returned to HTTP callers.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case RequestIntegrity, WebSocketParse:
		return http.StatusBadRequest
	case ResourceExistence:
		return http.StatusNotFound
	case ResourceMove:
		return http.StatusConflict
	case Corrupt:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the short message safe to hand to a client.  Internal
// paths and wrapped causes are omitted.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Op != "" {
			return fmt.Sprintf("%s failed (%s)", e.Op, e.Kind)
		}
		return fmt.Sprintf("%s error", e.Kind)
	}
	if errors.Is(err, ErrNotFound) {
		return "not found"
	}
	return "internal error"
}
