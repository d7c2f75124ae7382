package faults

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes the pipeline distinguishes.
// Everything the worker or gateway reports is one of these; handling
// logic switches on Kind, never on error strings.
type Kind int

const (
	// KindAuth: bad secret or API key. Reject, no retry.
	KindAuth Kind = iota
	// KindTransient: network/platform/queue unavailability. Retried by the
	// queue with backoff.
	KindTransient
	// KindPermanent: unsupported or corrupt input. Recorded failed, never
	// retried.
	KindPermanent
	// KindCapacity: oversized input, rejected before enqueue.
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

type Fault struct {
	kind Kind
	err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.kind, f.err)
}

func (f *Fault) Unwrap() error { return f.err }

func (f *Fault) Kind() Kind { return f.kind }

func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{kind: kind, err: err}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Fault{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Unclassified errors are treated as transient so
// they go through the queue's retry budget instead of being dropped.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	return KindTransient
}

func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// Reason renders a short user-facing category for a failed file. The raw
// error goes to logs and Sentry, never into the chat summary.
func Reason(err error) string {
	switch KindOf(err) {
	case KindPermanent:
		return "файл не поддерживается или повреждён"
	case KindCapacity:
		return "слишком большой файл"
	case KindAuth:
		return "нет доступа"
	default:
		return "временная ошибка, попытки исчерпаны"
	}
}
