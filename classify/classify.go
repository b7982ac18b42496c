// Package classify maps raw failures (network errors, HTTP statuses, parser
// errors) onto a fixed taxonomy of error kinds with a display message and a
// recoverability flag. Classification is total and deterministic.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
)

// Kind is one value of the error taxonomy.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindNetwork           Kind = "network_error"
	KindCORSBlocked       Kind = "cors_blocked"
	KindInvalidDocument   Kind = "invalid_document"
	KindParse             Kind = "parse_error"
	KindRender            Kind = "render_error"
	KindPermissionDenied  Kind = "permission_denied"
	KindPasswordProtected Kind = "password_protected"
	KindUnknown           Kind = "unknown"
)

// Action is the fallback a user interface offers for a failed load.
type Action string

const (
	ActionRetry           Action = "retry"
	ActionOpenDirect      Action = "open_direct"
	ActionContactSupport  Action = "contact_support"
	ActionRequestPassword Action = "request_password"
	ActionDownload        Action = "download"
)

type kindInfo struct {
	message     string
	recoverable bool
}

var kinds = map[Kind]kindInfo{
	KindNotFound:          {"The document could not be found. It may have been moved or deleted.", false},
	KindPermissionDenied:  {"You do not have permission to access this document.", false},
	KindPasswordProtected: {"This document is password protected.", false},
	KindCORSBlocked:       {"Access to this document is restricted by the hosting site. Open it directly instead.", false},
	KindNetwork:           {"There was a network problem loading the document. Check your connection and try again.", true},
	KindInvalidDocument:   {"The file is not a valid document.", false},
	KindParse:             {"The document could not be processed. It may be corrupted.", true},
	KindRender:            {"There was a problem displaying the document.", true},
	KindUnknown:           {"An unknown error occurred while loading the document.", true},
}

// Recoverable reports whether trying again, or from another source, is
// expected to help for this kind.
func (k Kind) Recoverable() bool {
	return kinds[k].recoverable
}

// Error is a classified failure. Err preserves the original low-level error
// for logging; Message is suitable for direct display.
type Error struct {
	Kind        Kind
	Message     string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Action returns the deterministic fallback for this error.
func (e *Error) Action() Action {
	switch e.Kind {
	case KindCORSBlocked:
		return ActionOpenDirect
	case KindNotFound, KindPermissionDenied:
		return ActionContactSupport
	case KindPasswordProtected:
		return ActionRequestPassword
	case KindInvalidDocument:
		return ActionDownload
	}
	if e.Kind.Recoverable() {
		return ActionRetry
	}
	return ActionContactSupport
}

// HTTPStatus returns the status code a server should answer with when
// surfacing this error.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindPasswordProtected, KindInvalidDocument, KindParse:
		return http.StatusUnprocessableEntity
	case KindNetwork:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// New builds an Error of the given kind with the kind's default message.
func New(kind Kind, err error) *Error {
	info, ok := kinds[kind]
	if !ok {
		kind, info = KindUnknown, kinds[KindUnknown]
	}
	return &Error{
		Kind:        kind,
		Message:     info.message,
		Recoverable: kind.Recoverable(),
		Err:         err,
	}
}

// StatusError is an unsuccessful HTTP response from a storage endpoint.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("upstream returned %d %s", e.StatusCode, strings.ToLower(http.StatusText(e.StatusCode)))
	if e.URL != "" {
		msg += " for " + e.URL
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// HTTPStatus implements the status accessor the classifier looks for.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// Classify maps err to exactly one Kind. Structural evidence is checked
// first: a carried HTTP status, then transport and context failures. Message
// rules follow in order and the first match wins; nil and unmatched errors
// map to KindUnknown.
func Classify(err error) *Error {
	if err == nil {
		return New(KindUnknown, errors.New("unknown failure"))
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	status := 0
	var sc statusCoder
	if errors.As(err, &sc) {
		status = sc.HTTPStatus()
	}

	switch {
	case status == http.StatusNotFound:
		return New(KindNotFound, err)
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return New(KindPermissionDenied, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return New(KindNetwork, err)
	case isTransport(err):
		return New(KindNetwork, err)
	}

	msg := message(err)
	switch {
	case strings.Contains(msg, "not found"):
		return New(KindNotFound, err)
	case containsAny(msg, "permission", "forbidden"):
		return New(KindPermissionDenied, err)
	case containsAny(msg, "password", "encrypted"):
		return New(KindPasswordProtected, err)
	case containsAny(msg, "cors", "cross-origin"):
		return New(KindCORSBlocked, err)
	case containsAny(msg, "abort", "timeout", "timed out", "connection refused", "connection reset", "network"):
		return New(KindNetwork, err)
	case containsAny(msg, "invalid", "malformed", "not a pdf", "unexpected response"):
		return New(KindInvalidDocument, err)
	case containsAny(msg, "parse", "syntax"):
		return New(KindParse, err)
	case containsAny(msg, "render", "display"):
		return New(KindRender, err)
	}
	return New(KindUnknown, err)
}

// Located is implemented by errors that concern one stored object. The
// bucket and path are removed from the text the message rules read, along
// with any URLs.
type Located interface {
	Object() (bucket, path string)
}

// urlPattern matches URLs embedded in error text.
var urlPattern = regexp.MustCompile(`https?://[^\s"']+`)

// message returns the lowercased error text with object names and URLs
// removed. Object names are arbitrary, so "reset-password.pdf" must not read
// as a password failure.
func message(err error) string {
	msg := err.Error()
	walk(err, func(e error) {
		l, ok := e.(Located)
		if !ok {
			return
		}
		bucket, path := l.Object()
		for _, name := range []string{bucket + "/" + path, path, bucket} {
			if name != "" && name != "/" {
				msg = strings.ReplaceAll(msg, name, "<object>")
			}
		}
	})
	return strings.ToLower(urlPattern.ReplaceAllString(msg, "<url>"))
}

// walk calls fn for err and every error it wraps.
func walk(err error, fn func(error)) {
	if err == nil {
		return
	}
	fn(err)
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		walk(u.Unwrap(), fn)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			walk(e, fn)
		}
	}
}

// isTransport reports failures of the connection itself, whatever the
// surrounding text says.
func isTransport(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	// A connection dropped before the response surfaces as a bare EOF from
	// the HTTP client.
	var ue *url.Error
	return errors.As(err, &ue) && errors.Is(ue.Err, io.EOF)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
