package testrun

import (
	"errors"
	"fmt"
)

// Kind classifies supervisor failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindSpawn
	KindProtocol
	KindControlUnreachable
	KindStopEscalation
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindSpawn:
		return "spawn"
	case KindProtocol:
		return "protocol"
	case KindControlUnreachable:
		return "control_unreachable"
	case KindStopEscalation:
		return "stop_escalation"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

var (
	// ErrConfig matches any error whose kind is KindConfig.
	ErrConfig = &Error{Kind: KindConfig}
	// ErrSpawn matches any error whose kind is KindSpawn.
	ErrSpawn = &Error{Kind: KindSpawn}
	// ErrProtocol matches any error whose kind is KindProtocol.
	ErrProtocol = &Error{Kind: KindProtocol}
	// ErrStopEscalation matches any error whose kind is KindStopEscalation.
	ErrStopEscalation = &Error{Kind: KindStopEscalation}
	// ErrInternal matches any error whose kind is KindInternal.
	ErrInternal = &Error{Kind: KindInternal}
)

// Error is a classified supervisor error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind so callers can test against the sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}
