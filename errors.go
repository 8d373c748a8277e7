package devopsbot

import "fmt"

// ErrKind classifies a failure for retry and logging purposes (spec §7).
type ErrKind string

const (
	ErrTransient       ErrKind = "transient"        // rate_limit, overloaded, 5xx, network
	ErrPermanent       ErrKind = "permanent"        // auth, invalid_request, 4xx (not 429)
	ErrContextOverflow ErrKind = "context_overflow" // provider message contains "too long"/"maximum"
	ErrTruncatedTool   ErrKind = "truncated_tool_call"
	ErrToolExecKind    ErrKind = "tool_execution"
	ErrPlatformSend    ErrKind = "platform_send"
	ErrSandboxKind     ErrKind = "sandbox"
)

// ErrLLM wraps a provider-reported failure.
type ErrLLM struct {
	Provider string
	Kind     ErrKind
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Provider, e.Kind, e.Message)
}

// ErrHTTP is a non-2xx response from an HTTP-based provider or platform
// call. RetryAfter is populated when the server sent a Retry-After header
// (seconds or HTTP-date, already resolved to a duration in seconds).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter int64
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrSandbox wraps a Sandbox create/finalize/cleanup failure.
type ErrSandbox struct {
	TaskID string
	Stage  string // "create" | "finalize" | "cleanup"
	Err    error
}

func (e *ErrSandbox) Error() string {
	return fmt.Sprintf("sandbox %s (task %s): %v", e.Stage, e.TaskID, e.Err)
}

func (e *ErrSandbox) Unwrap() error { return e.Err }

// ErrToolExecution wraps a single tool call's failure; surfaced to the
// model as a tool_result with isError=true.
type ErrToolExecution struct {
	Tool string
	Err  error
}

func (e *ErrToolExecution) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ErrToolExecution) Unwrap() error { return e.Err }

// ErrTaskStopped is returned when stopTask cancels a running task.
var ErrTaskStopped = fmt.Errorf("stopped by user")
