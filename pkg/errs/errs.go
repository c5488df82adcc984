// Package errs defines the error taxonomy of §7: one exported type per
// error kind, each implementing the error interface and usable with
// errors.As. This is deliberately smaller than the teacher's RFC-9457
// ErrorIR machinery (see DESIGN.md) — this substrate has no HTTP surface,
// so there is no caller for status codes or problem-detail URIs; plain
// typed errors carry everything §7 requires.
package errs

import "fmt"

// Validation is a malformed-input error, including a bad observation type.
type Validation struct {
	Field  string
	Reason string
}

func (e *Validation) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

// Provenance is a missing/invalid provenance error.
type Provenance struct {
	Reason string
}

func (e *Provenance) Error() string {
	return fmt.Sprintf("provenance: %s", e.Reason)
}

// NotFound is returned when a canon resource does not exist.
type NotFound struct {
	ResourceType string
	ResourceID   string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
}

// Authorization is returned when a Prism authority check fails.
type Authorization struct {
	Reason string
}

func (e *Authorization) Error() string {
	return fmt.Sprintf("authorization: %s", e.Reason)
}

// Conflict is returned on a unique-key or version conflict. Retryable by
// the caller per §7.
type Conflict struct {
	Reason string
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// PolicyRuntime wraps a policy that threw or timed out during evaluation.
// The policy engine recovers locally: the cycle continues with the next
// policy.
type PolicyRuntime struct {
	PolicyID string
	Cause    error
}

func (e *PolicyRuntime) Error() string {
	return fmt.Sprintf("policy %s runtime error: %v", e.PolicyID, e.Cause)
}

func (e *PolicyRuntime) Unwrap() error { return e.Cause }

// EffectExecution wraps a handler failure. Recorded in the dispatch result;
// the loop continues unless ContinueOnError is false.
type EffectExecution struct {
	Effect string
	Cause  error
}

func (e *EffectExecution) Error() string {
	return fmt.Sprintf("effect %s execution error: %v", e.Effect, e.Cause)
}

func (e *EffectExecution) Unwrap() error { return e.Cause }

// UnknownEffect is returned for an unregistered effect type. Non-fatal if
// the effect is pack-namespaced; fatal otherwise.
type UnknownEffect struct {
	Effect string
}

func (e *UnknownEffect) Error() string {
	return fmt.Sprintf("unknown effect type: %s", e.Effect)
}

// Backend wraps a repository/transport failure. Aborts the operation and
// rolls back any open transaction.
type Backend struct {
	Op    string
	Cause error
}

func (e *Backend) Error() string {
	return fmt.Sprintf("backend error during %s: %v", e.Op, e.Cause)
}

func (e *Backend) Unwrap() error { return e.Cause }
