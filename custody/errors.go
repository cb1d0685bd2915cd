package custody

import "fmt"

// ModuleUnavailable reports a transport failure reaching the security module.
// It is transient: calls retry with backoff while the context allows.
type ModuleUnavailable struct {
	Err error
}

func (e *ModuleUnavailable) Error() string {
	return fmt.Sprintf("custody: security module unavailable: %v", e.Err)
}

func (e *ModuleUnavailable) Unwrap() error { return e.Err }

// HandleInvalid reports an operation against a handle the module does not
// know. Fatal, never retried.
type HandleInvalid struct {
	Handle string
}

func (e *HandleInvalid) Error() string {
	return fmt.Sprintf("custody: invalid key handle %q", e.Handle)
}

// SignatureRejected reports a signing request the module's policy refused.
// Fatal, never retried.
type SignatureRejected struct {
	Reason string
}

func (e *SignatureRejected) Error() string {
	return fmt.Sprintf("custody: signature rejected: %s", e.Reason)
}
