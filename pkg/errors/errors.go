package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeInvariant           Code = "INVARIANT_VIOLATION"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeStorage             Code = "STORAGE_ERROR"
	CodeRejected            Code = "REJECTED"
	CodeOffline             Code = "OFFLINE"
	CodeInternal            Code = "INTERNAL_ERROR"
	CodeDependency          Code = "DEPENDENCY_ERROR"
)

// Kind groups codes by how the sync layer reacts to them.
type Kind string

const (
	KindInput     Kind = "input"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindStorage   Kind = "storage"
	KindInvariant Kind = "invariant"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
	Kind           Kind
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
		Kind:           KindInput,
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "resource not found",
		Kind:          KindInput,
	},
	CodeConflict: {
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "conflict detected",
		Kind:          KindPermanent,
	},
	CodeInvariant: {
		HTTPStatus:     http.StatusConflict,
		PublicMessage:  "local invariant violated",
		DetailsAllowed: true,
		Kind:           KindInvariant,
	},
	CodeInsufficientBalance: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		PublicMessage:  "insufficient balance",
		DetailsAllowed: true,
		Kind:           KindInvariant,
	},
	CodeStorage: {
		HTTPStatus:    http.StatusInternalServerError,
		PublicMessage: "local storage unavailable",
		Kind:          KindStorage,
	},
	CodeRejected: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		PublicMessage:  "rejected by server",
		DetailsAllowed: true,
		Kind:           KindPermanent,
	},
	CodeOffline: {
		HTTPStatus:    http.StatusServiceUnavailable,
		Retryable:     true,
		PublicMessage: "device is offline",
		Kind:          KindTransient,
	},
	CodeInternal: {
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     true,
		PublicMessage: "internal server error",
		Kind:          KindTransient,
	},
	CodeDependency: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "dependency unavailable",
		DetailsAllowed: true,
		Kind:           KindTransient,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

// Storage wraps a persistence failure. Returns nil for a nil error so callers can
// write `return pkgerrors.Storage(err, "...")` directly.
func Storage(err error, message string) error {
	if err == nil {
		return nil
	}
	if typed := As(err); typed != nil {
		return err
	}
	return Wrap(CodeStorage, err, message)
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}

// KindOf classifies err. Untyped errors are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if typed := As(err); typed != nil {
		return MetadataFor(typed.Code()).Kind
	}
	return KindTransient
}
