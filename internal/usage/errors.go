package usage

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can react without parsing messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindConnectivity
	KindSchema
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnectivity:
		return "connectivity"
	case KindSchema:
		return "schema"
	default:
		return "unknown"
	}
}

var (
	ErrConfiguration = errors.New("configuration error")
	ErrConnectivity  = errors.New("connectivity error")
	ErrSchema        = errors.New("schema error")
)

// Error is the typed result of a failed operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels, so errors.Is(err, ErrSchema) works.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrConnectivity:
		return e.Kind == KindConnectivity
	case ErrSchema:
		return e.Kind == KindSchema
	}
	return false
}

// Wrap returns err as an *Error of the given kind. If err already carries a
// kind, that kind wins and only a missing Op is filled in.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		if ue.Op != "" {
			return err
		}
		inner := ue.Err
		if err != error(ue) {
			// keep context added around the typed error
			inner = err
		}
		return &Error{Kind: ue.Kind, Op: op, Err: inner}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindUnknown
}
