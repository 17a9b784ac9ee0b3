package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Validation errors are returned before any mutation.
var (
	ErrUnitMismatch         = eris.New("unit mismatch")
	ErrImmutableSource      = eris.New("immutable source")
	ErrInvalidJustification = eris.New("invalid justification")
	ErrInvalidConfidence    = eris.New("invalid confidence")
	ErrInvalidQuantity      = eris.New("invalid quantity")
	ErrInvalidSource        = eris.New("invalid quantity source")
	ErrInvalidDirection     = eris.New("invalid unbalance direction")
	ErrInvalidLineItem      = eris.New("invalid line item")
)

// Invariant errors reject a well-formed request the current state forbids.
var (
	ErrCannotDeleteGoverning       = eris.New("cannot delete governing record")
	ErrCannotDeleteImmutableSource = eris.New("cannot delete immutable source record")
	ErrNotUnbalanced               = eris.New("line item is not unbalanced")
	ErrDuplicateRecord             = eris.New("quantity record already exists")
)

// ErrNotFound is returned when a line item or record does not exist (or the
// record belongs to a different line item).
var ErrNotFound = eris.New("not found")

// ErrorKind groups domain errors for callers that render guidance.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindInvariant  ErrorKind = "invariant"
	KindInternal   ErrorKind = "internal"
)

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrUnitMismatch, KindValidation},
	{ErrImmutableSource, KindValidation},
	{ErrInvalidJustification, KindValidation},
	{ErrInvalidConfidence, KindValidation},
	{ErrInvalidQuantity, KindValidation},
	{ErrInvalidSource, KindValidation},
	{ErrInvalidDirection, KindValidation},
	{ErrInvalidLineItem, KindValidation},
	{ErrCannotDeleteGoverning, KindInvariant},
	{ErrCannotDeleteImmutableSource, KindInvariant},
	{ErrNotUnbalanced, KindInvariant},
	{ErrDuplicateRecord, KindInvariant},
	{ErrNotFound, KindNotFound},
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Code returns the sentinel name of a domain error ("UNIT_MISMATCH"), or "".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnitMismatch):
		return "UNIT_MISMATCH"
	case errors.Is(err, ErrImmutableSource):
		return "IMMUTABLE_SOURCE"
	case errors.Is(err, ErrInvalidJustification):
		return "INVALID_JUSTIFICATION"
	case errors.Is(err, ErrInvalidConfidence):
		return "INVALID_CONFIDENCE"
	case errors.Is(err, ErrInvalidQuantity):
		return "INVALID_QUANTITY"
	case errors.Is(err, ErrInvalidSource):
		return "INVALID_SOURCE"
	case errors.Is(err, ErrInvalidDirection):
		return "INVALID_DIRECTION"
	case errors.Is(err, ErrInvalidLineItem):
		return "INVALID_LINE_ITEM"
	case errors.Is(err, ErrCannotDeleteGoverning):
		return "CANNOT_DELETE_GOVERNING"
	case errors.Is(err, ErrCannotDeleteImmutableSource):
		return "CANNOT_DELETE_IMMUTABLE_SOURCE"
	case errors.Is(err, ErrNotUnbalanced):
		return "NOT_UNBALANCED"
	case errors.Is(err, ErrDuplicateRecord):
		return "DUPLICATE_RECORD"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	default:
		return ""
	}
}

// wrapKind attaches a formatted detail to a sentinel so errors.Is still matches.
func wrapKind(kind error, format string, args ...any) error {
	return eris.Wrap(kind, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with detail.
func NotFoundf(format string, args ...any) error {
	return wrapKind(ErrNotFound, format, args...)
}

// Errorf wraps a domain sentinel with detail. Exported for the engine packages.
func Errorf(kind error, format string, args ...any) error {
	return wrapKind(kind, format, args...)
}
