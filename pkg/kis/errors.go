package kis

import (
	"errors"
	"fmt"
	"net"
)

// ErrorKind buckets brokerage failures by how the caller should react.
type ErrorKind int

const (
	// KindTransient covers network faults, timeouts and 5xx responses.
	// The operation may succeed if retried.
	KindTransient ErrorKind = iota
	// KindAuth means the token or credentials were rejected. The caller
	// should invalidate the cached token and refresh once before retrying.
	KindAuth
	// KindMalformed means the response arrived but could not be decoded.
	KindMalformed
	// KindRejected is a definitive business refusal from the broker
	// (insufficient balance, market closed, bad order). Retrying with the
	// same request will not help.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// APIError is a failed call against the KIS OpenAPI. Code and Msg carry the
// broker's msg_cd/msg1 fields when the HTTP exchange itself succeeded.
type APIError struct {
	Kind   ErrorKind
	TRID   string
	Status int
	Code   string
	Msg    string
	Err    error
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("kis: %s [%s] %s (%s)", e.TRID, e.Code, e.Msg, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("kis: %s %s: %v", e.TRID, e.Kind, e.Err)
	default:
		return fmt.Sprintf("kis: %s %s (http %d)", e.TRID, e.Kind, e.Status)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// IsAuth reports whether err is a credential or token failure.
func IsAuth(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindAuth
}

// IsTransient reports whether err is worth retrying. Plain network errors
// that were never wrapped also count.
func IsTransient(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind == KindTransient
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsRejected reports whether the broker definitively refused the request.
func IsRejected(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindRejected
}

// authMsgCodes are the gateway codes KIS returns for expired or invalid
// tokens. Anything else with rt_cd != "0" is a business rejection.
var authMsgCodes = map[string]bool{
	"EGW00121": true, // invalid token
	"EGW00123": true, // token expired
	"EGW00133": true, // token issuance throttled
}

func classifyResponse(status int, msgCd string) ErrorKind {
	switch {
	case authMsgCodes[msgCd], status == 401, status == 403:
		return KindAuth
	case status >= 500, status == 429:
		return KindTransient
	default:
		return KindRejected
	}
}
