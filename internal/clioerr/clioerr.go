// Package clioerr defines the error taxonomy shared by every component of
// the indexer, per the propagation policy in the design's error handling
// section: handlers return (Response, error) and the RPC engine classifies
// the error into the wire error shape.
package clioerr

import (
	"errors"
	"fmt"
)

// Kind identifies an abstract error category that the RPC engine maps onto
// a JSON error code. A handler never needs to know the wire representation,
// only which Kind its failure belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidParams
	KindNotFound
	KindLgrNotFound
	KindStorageUnavailable
	KindStorageCorruption
	KindAmendmentBlocked
	KindSlowDown
	KindTooBusy
	KindNoPeers
	KindCancelled
	KindInvalidAPIVersion
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParams:
		return "invalidParams"
	case KindNotFound:
		return "objectNotFound"
	case KindLgrNotFound:
		return "lgrNotFound"
	case KindStorageUnavailable:
		return "internalError"
	case KindStorageCorruption:
		return "storageCorruption"
	case KindAmendmentBlocked:
		return "amendmentBlocked"
	case KindSlowDown:
		return "slowDown"
	case KindTooBusy:
		return "tooBusy"
	case KindNoPeers:
		return "noNetwork"
	case KindCancelled:
		return "cancelled"
	case KindInvalidAPIVersion:
		return "invalidAPIVersion"
	default:
		return "unknown"
	}
}

// Error is a tagged error carrying a Kind alongside the usual message chain.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindUnknown when err
// does not carry one (e.g. a raw driver error that escaped classification).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

var (
	ErrNotFound      = New(KindNotFound, "object not found")
	ErrLgrNotFound   = New(KindLgrNotFound, "ledger not found")
	ErrCancelled     = New(KindCancelled, "operation cancelled")
	ErrNoPeers       = New(KindNoPeers, "no forwarding-eligible peer available")
	ErrTooBusy       = New(KindTooBusy, "work queue full")
	ErrSlowDown      = New(KindSlowDown, "rate limited")
	ErrAmendmentBlk  = New(KindAmendmentBlocked, "node is amendment blocked")
	ErrStorageUnavl  = New(KindStorageUnavailable, "storage backend unavailable")
)
