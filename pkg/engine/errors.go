package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on the next run.
	// Examples: registry timeouts, network failures.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict, such as a dependency cycle.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid declaration, unknown package, failed build script.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorScope describes how far an error reaches in a run.
type ErrorScope string

const (
	// ScopeFatal stops the run. The store is still persisted.
	ScopeFatal ErrorScope = "fatal"

	// ScopePackage downgrades one package and its dependents.
	ScopePackage ErrorScope = "package"

	// ScopeHook records a failed lifecycle hook.
	ScopeHook ErrorScope = "hook"

	// ScopeIO records a failed filesystem operation.
	ScopeIO ErrorScope = "io"

	// ScopeApply records a failed system mutation (package manager, service manager).
	ScopeApply ErrorScope = "apply"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Scope is how far the error reaches in the run.
	Scope ErrorScope `json:"scope,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the package, unit, file or module that caused the error.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates a permanent error that stops the run.
func NewFatalError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithScope(ScopeFatal)
}

// WithScope sets the reach of the error.
func (e *EngineError) WithScope(scope ErrorScope) *EngineError {
	e.Scope = scope
	return e
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsFatal returns true if the error stops the run.
func IsFatal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Scope == ScopeFatal
	}
	return false
}

// CodeOf returns the error code of the first EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProbeFailed      = "PROBE_FAILED"
	ErrCodeResolveFailed    = "RESOLVE_FAILED"
	ErrCodeDependencyCycle  = "DEPENDENCY_CYCLE"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeSourceFailed     = "SOURCE_FAILED"
	ErrCodeSandboxFailed    = "SANDBOX_FAILED"
	ErrCodeBuildFailed      = "BUILD_FAILED"
	ErrCodeCacheFailed      = "CACHE_FAILED"
	ErrCodeCommandFailed    = "COMMAND_FAILED"
	ErrCodeHookFailed       = "HOOK_FAILED"
	ErrCodeFileFailed       = "FILE_FAILED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeStoreFailed      = "STORE_FAILED"
)

// Phase names a step of the run. Phases execute strictly in declaration order.
type Phase string

const (
	PhaseProbe   Phase = "probe"
	PhaseResolve Phase = "resolve"
	PhaseGraph   Phase = "graph"
	PhaseBuild   Phase = "build"
	PhaseGuard   Phase = "guard"
	PhaseApply   Phase = "apply"
	PhaseHooks   Phase = "hooks"
	PhasePersist Phase = "persist"
)

// PhaseErrors accumulates non-fatal errors per phase so that every failed
// action can be reported individually at the end of the run.
type PhaseErrors struct {
	byPhase map[Phase][]error
	order   []Phase
}

// NewPhaseErrors creates an empty accumulator.
func NewPhaseErrors() *PhaseErrors {
	return &PhaseErrors{byPhase: make(map[Phase][]error)}
}

// Add records err under phase. Nil errors are ignored.
func (p *PhaseErrors) Add(phase Phase, err error) {
	if err == nil {
		return
	}
	if _, ok := p.byPhase[phase]; !ok {
		p.order = append(p.order, phase)
	}
	p.byPhase[phase] = append(p.byPhase[phase], err)
}

// Get returns the errors recorded for a phase.
func (p *PhaseErrors) Get(phase Phase) []error {
	return p.byPhase[phase]
}

// Len returns the total number of recorded errors.
func (p *PhaseErrors) Len() int {
	n := 0
	for _, errs := range p.byPhase {
		n += len(errs)
	}
	return n
}

// Phases returns the phases that recorded errors, in the order they were first seen.
func (p *PhaseErrors) Phases() []Phase {
	return append([]Phase(nil), p.order...)
}

// Summary renders one line per error, grouped by phase.
func (p *PhaseErrors) Summary() string {
	var sb strings.Builder
	for _, phase := range p.order {
		errs := p.byPhase[phase]
		lines := make([]string, 0, len(errs))
		for _, err := range errs {
			lines = append(lines, err.Error())
		}
		sort.Strings(lines)
		for _, line := range lines {
			fmt.Fprintf(&sb, "%s: %s\n", phase, line)
		}
	}
	return sb.String()
}
