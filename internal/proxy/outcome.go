package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// OutcomeKind classifies the result of a forwarded call
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeDenied
	OutcomeUnreachable
	OutcomeTimeout
	OutcomeThrottled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeDenied:
		return "denied"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeThrottled:
		return "throttled"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is what Forward hands back to the HTTP layer. Response is set
// only for OutcomeOK and must be closed by the receiver.
type Outcome struct {
	Kind     OutcomeKind
	Response *http.Response
	Err      error
}

// CallError is returned by Client when a call does not reach a backend
// response
type CallError struct {
	Kind       OutcomeKind
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("service proxy %s (%d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("service proxy %s: %s", e.Kind, msg)
}

func (e *CallError) Unwrap() []error {
	errs := make([]error, 0, 2)
	switch e.Kind {
	case OutcomeDenied:
		errs = append(errs, ErrServiceNotPermitted)
	case OutcomeTimeout, OutcomeUnreachable:
		errs = append(errs, ErrServiceUnavailable)
	case OutcomeThrottled:
		errs = append(errs, ErrRateLimited)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the outcome kind carried by err, or OutcomeOK for nil
func KindOf(err error) OutcomeKind {
	if err == nil {
		return OutcomeOK
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind
	}
	return OutcomeUnreachable
}
