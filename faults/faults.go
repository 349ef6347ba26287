// Package faults defines the error taxonomy shared by the payment engine.
// Every business error carries a kind, a retryable flag, and the HTTP status
// it surfaces as; the coordination layer inspects the flag, the HTTP layer
// renders the status.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a fault for routing and audit.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindBadRequest        Kind = "bad_request"
	KindBadProduct        Kind = "bad_product"
	KindNotFound          Kind = "not_found"
	KindInvalidEnvelope   Kind = "invalid_envelope"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindAmountMismatch    Kind = "amount_mismatch"
	KindAlreadyPaid       Kind = "order_already_paid"
	KindRemote            Kind = "remote_error"
	KindStoreTransient    Kind = "store_transient"
	KindTimeout           Kind = "api_timeout"
	KindUnavailable       Kind = "service_unavailable"
	KindInternal          Kind = "internal"
)

// Fault is a classified error. Business layers return faults; the processor
// loop is the only place that reads Retryable to decide retry versus
// compensation.
type Fault struct {
	Kind      Kind
	Message   string
	Retryable bool
	Status    int
	Err       error
}

func (f *Fault) Error() string {
	if f == nil {
		return "<nil>"
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// New builds a fault of the given kind with the defaults from the taxonomy
// table applied.
func New(kind Kind, message string) *Fault {
	retryable, status := defaults(kind)
	return &Fault{Kind: kind, Message: message, Retryable: retryable, Status: status}
}

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap builds a fault around a cause. The cause stays reachable through
// errors.Is and errors.As.
func Wrap(kind Kind, message string, err error) *Fault {
	f := New(kind, message)
	f.Err = err
	return f
}

func defaults(kind Kind) (retryable bool, status int) {
	switch kind {
	case KindUnauthorized:
		return false, http.StatusUnauthorized
	case KindBadRequest, KindBadProduct:
		return false, http.StatusBadRequest
	case KindNotFound:
		return false, http.StatusNotFound
	case KindInvalidEnvelope, KindSignatureMismatch, KindAmountMismatch:
		return false, http.StatusBadRequest
	case KindAlreadyPaid:
		return false, http.StatusConflict
	case KindRemote:
		return true, http.StatusBadGateway
	case KindStoreTransient, KindUnavailable:
		return true, http.StatusServiceUnavailable
	case KindTimeout:
		return true, http.StatusGatewayTimeout
	default:
		return false, http.StatusInternalServerError
	}
}

// KindOf returns the fault kind of err, or KindInternal when err carries no
// classification.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) && f != nil {
		return f.Kind
	}
	return KindInternal
}

// Retryable reports whether err is worth another attempt. Unclassified errors
// are treated as non-retryable so that bugs do not loop.
func Retryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) && f != nil {
		return f.Retryable
	}
	return false
}

// StatusOf returns the HTTP status err should surface as.
func StatusOf(err error) int {
	var f *Fault
	if errors.As(err, &f) && f != nil && f.Status != 0 {
		return f.Status
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Fault
	return errors.As(err, &f) && f != nil && f.Kind == kind
}
