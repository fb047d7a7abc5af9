// Package xerrors defines the error taxonomy shared by every core
// component, per the error handling design: configuration, auth,
// transport, not-found, protocol, and storage failures are distinguished so
// callers can react (retry, surface, degrade) instead of string-matching
// error messages.
package xerrors

import "errors"

var (
	// ErrConfiguration marks a kubeconfig or context configuration problem.
	ErrConfiguration = errors.New("configuration error")
	// ErrAuth marks rejected credentials. Non-retryable.
	ErrAuth = errors.New("authentication rejected")
	// ErrUnreachable marks a transient transport failure: network, TLS,
	// timeout, or a credential that expired mid-stream. Retryable.
	ErrUnreachable = errors.New("cluster unreachable")
	// ErrNotFound marks a missing context, session, GVK, or favorite.
	ErrNotFound = errors.New("not found")
	// ErrProtocol marks a malformed server response or schema document.
	ErrProtocol = errors.New("protocol error")
	// ErrStorage marks a favorites-file read/write failure.
	ErrStorage = errors.New("storage error")
)

// Wrap attaches a taxonomy sentinel to err so callers can classify it
// with errors.Is while still seeing the underlying cause via Unwrap.
func Wrap(sentinel error, context string, cause error) error {
	if cause == nil {
		return nil
	}
	return &wrapped{sentinel: sentinel, msg: context, cause: cause}
}

type wrapped struct {
	sentinel error
	msg      string
	cause    error
}

func (w *wrapped) Error() string {
	if w.msg == "" {
		return w.sentinel.Error() + ": " + w.cause.Error()
	}
	return w.msg + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error {
	return []error{w.sentinel, w.cause}
}

// Is reports whether target classifies this error, e.g.
// errors.Is(err, xerrors.ErrUnreachable).
func (w *wrapped) Is(target error) bool {
	return w.sentinel == target
}
