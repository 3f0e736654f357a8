// Package pace holds the pacing and retry policy shared by the fetch
// collaborator and the enrichment client: a fixed-delay limiter, bounded
// exponential backoff, and the classification that decides what is retried.
package pace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

// Class categorizes a failed outbound call.
type Class string

const (
	ClassTransient Class = "transient"  // 5xx, timeout, connection reset, DNS
	ClassRateLimit Class = "rate_limit" // 429
	ClassAuth      Class = "auth"       // 401, 403
	ClassClient    Class = "client"     // other 4xx
	ClassParse     Class = "parse"      // malformed payload
	ClassCanceled  Class = "canceled"   // caller gave up
	ClassUnknown   Class = "unknown"
)

// StatusError is returned by HTTP callers for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Classify maps err to a Class. A per-call deadline counts as transient; a
// cancelled parent context does not.
func Classify(err error) Class {
	var (
		se  *StatusError
		syn *json.SyntaxError
		typ *json.UnmarshalTypeError
		op  *net.OpError
		dns *net.DNSError
		ne  net.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.As(err, &se):
		return classifyStatus(se.Code)
	case errors.As(err, &syn), errors.As(err, &typ):
		return ClassParse
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return ClassTransient
	case errors.As(err, &op), errors.As(err, &dns):
		return ClassTransient
	case errors.As(err, &ne) && ne.Timeout():
		return ClassTransient
	}
	return ClassUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	c := Classify(err)
	return c == ClassTransient || c == ClassRateLimit
}

func classifyStatus(code int) Class {
	switch {
	case code == 429:
		return ClassRateLimit
	case code == 408 || code == 529 || (code >= 500 && code < 600):
		return ClassTransient
	case code == 401 || code == 403:
		return ClassAuth
	case code >= 400 && code < 500:
		return ClassClient
	}
	return ClassUnknown
}
