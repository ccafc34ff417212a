package broker

import (
	"fmt"
)

// Kind classifies why a flow failed.
type Kind int

const (
	KindFlowAlreadyInProgress Kind = iota + 1
	KindListenerBindFailure
	KindCallbackTimeout
	KindFlowCanceled
	KindStateMismatch
	KindAuthorizationDenied
	KindTokenExchangeFailed
	KindMalformedTokenResponse
)

func (k Kind) String() string {
	switch k {
	case KindFlowAlreadyInProgress:
		return "flow already in progress"
	case KindListenerBindFailure:
		return "listener bind failure"
	case KindCallbackTimeout:
		return "callback timeout"
	case KindFlowCanceled:
		return "flow canceled"
	case KindStateMismatch:
		return "state mismatch"
	case KindAuthorizationDenied:
		return "authorization denied"
	case KindTokenExchangeFailed:
		return "token exchange failed"
	case KindMalformedTokenResponse:
		return "malformed token response"
	default:
		return "unknown failure"
	}
}

// Error is returned for every flow failure. Status and Body are set for
// token endpoint rejections; Status is 0 when the endpoint was unreachable.
type Error struct {
	Kind   Kind
	Status int
	Body   string
	Err    error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrFlowAlreadyInProgress  = &Error{Kind: KindFlowAlreadyInProgress}
	ErrListenerBindFailure    = &Error{Kind: KindListenerBindFailure}
	ErrCallbackTimeout        = &Error{Kind: KindCallbackTimeout}
	ErrFlowCanceled           = &Error{Kind: KindFlowCanceled}
	ErrStateMismatch          = &Error{Kind: KindStateMismatch}
	ErrAuthorizationDenied    = &Error{Kind: KindAuthorizationDenied}
	ErrTokenExchangeFailed    = &Error{Kind: KindTokenExchangeFailed}
	ErrMalformedTokenResponse = &Error{Kind: KindMalformedTokenResponse}
)

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg := "broker: " + e.Kind.String()
	if e.Kind == KindTokenExchangeFailed && e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
		if e.Body != "" {
			msg += ": " + e.Body
		}
		return msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
