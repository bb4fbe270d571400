// Package verrors defines the error kinds shared across the monitoring core.
package verrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure for logging, retries, and HTTP mapping.
type Kind string

const (
	KindAuthFailed       Kind = "AUTH_FAILED"
	KindSSHError         Kind = "SSH_ERROR"
	KindTimeout          Kind = "TIMEOUT"
	KindUnreachable      Kind = "UNREACHABLE"
	KindKeyMissing       Kind = "KEY_MISSING"
	KindParseError       Kind = "PARSE_ERROR"
	KindRemoteExecFailed Kind = "REMOTE_EXEC_FAILED"
	KindDependencyMissing Kind = "DEPENDENCY_MISSING"
	KindStoreError       Kind = "STORE_ERROR"
	KindCacheError       Kind = "CACHE_ERROR"
	KindConfigError      Kind = "CONFIG_ERROR"
	KindSendFailed       Kind = "SEND_FAILED"
	KindTLSError         Kind = "TLS_ERROR"
	KindConnectFailed    Kind = "CONNECT_FAILED"
	KindSkipped          Kind = "SKIPPED"
	KindNotFound         Kind = "NOT_FOUND"
	KindForbidden        Kind = "FORBIDDEN"
	KindBadRequest       Kind = "BAD_REQUEST"
	KindInternal         Kind = "INTERNAL"
)

// Error is a structured error carrying the operation and host it occurred on.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "collect", "ssh_exec"
	Host string // host name if applicable
	Err  error  // underlying error
}

func (e *Error) Error() string {
	switch {
	case e.Host != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s failed on %s: %v", e.Kind, e.Op, e.Host, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s failed: %v", e.Kind, e.Op, e.Err)
	case e.Host != "":
		return fmt.Sprintf("%s: %s failed on %s", e.Kind, e.Op, e.Host)
	default:
		return fmt.Sprintf("%s: %s failed", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind so callers can use errors.Is with a sentinel.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds a structured error.
func New(kind Kind, op, host string, err error) *Error {
	return &Error{Kind: kind, Op: op, Host: host, Err: err}
}

// KindOf extracts the kind from err, defaulting to INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest, KindConfigError:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the failure is worth a single retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStoreError, KindTimeout, KindUnreachable, KindConnectFailed:
		return true
	}
	return false
}
