package runicrpc

import (
	"errors"
	"fmt"
	"time"
)

// Error type tags carried by RouteError.Type.
const (
	// ErrorTypeUnavailable marks an endpoint skipped because its circuit
	// is open or its token bucket is empty. Handled locally by trying the
	// next candidate.
	ErrorTypeUnavailable = "EndpointUnavailable"
	// ErrorTypeTransport marks a timeout or connection-level failure.
	// Retried per backoff policy and recorded as a health-affecting failure.
	ErrorTypeTransport = "Transport"
	// ErrorTypeProvider marks a well-formed error response from an
	// otherwise healthy endpoint. Not retried unless classified transient.
	ErrorTypeProvider = "Provider"
	// ErrorTypeExhausted marks a request that failed on every candidate,
	// fallback included.
	ErrorTypeExhausted = "AllEndpointsExhausted"
	// ErrorTypeTimeout marks a request abandoned because its deadline
	// elapsed before any candidate succeeded.
	ErrorTypeTimeout = "Timeout"
	// ErrorTypeRateLimit marks a request denied by the global rate limiter.
	ErrorTypeRateLimit = "RateLimit"
	// ErrorTypeRetryBudgetExceeded marks a retry suppressed by the budget.
	ErrorTypeRetryBudgetExceeded = "RetryBudgetExceeded"
	// ErrorTypeValidation marks invalid client configuration.
	ErrorTypeValidation = "Validation"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when a circuit breaker blocks an endpoint.
	ErrCircuitOpen = errors.New("runicrpc: circuit open")

	// ErrRateLimited is returned when a token bucket denies a request.
	ErrRateLimited = errors.New("runicrpc: rate limited")

	// ErrNoEndpointsAvailable is returned when no allowed candidate exists
	// and no fallback is configured.
	ErrNoEndpointsAvailable = errors.New("runicrpc: no endpoint available")

	// ErrNoEndpointsConfigured is a fatal configuration error surfaced at
	// initialization, never per-request.
	ErrNoEndpointsConfigured = errors.New("runicrpc: no endpoints configured")

	// ErrRetryBudgetExceeded is returned when the retry budget is exhausted.
	ErrRetryBudgetExceeded = errors.New("runicrpc: retry budget exceeded")
)

// AttemptError records the failure of one endpoint attempt for diagnostics.
type AttemptError struct {
	Endpoint string
	Err      error
}

func (a AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", a.Endpoint, a.Err)
}

// Unwrap returns the underlying attempt failure.
func (a AttemptError) Unwrap() error { return a.Err }

// RouteError is the typed error returned by the client. It carries enough
// context (attempted endpoints, last errors) to diagnose without retrying
// blindly.
type RouteError struct {
	Type        string
	Message     string
	Cause       error
	RequestID   string
	Method      string
	Endpoint    string
	Attempt     int
	MaxAttempts int
	Attempts    []AttemptError
	Timestamp   time.Time
	Duration    time.Duration
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RouteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *RouteError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*RouteError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *RouteError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	for _, a := range e.Attempts {
		info += fmt.Sprintf("Attempted: %s\n", a.Error())
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient determines whether an error represents a transient failure
// that might succeed on a different endpoint or a later retry. Transport
// failures, circuit/rate-limit denials and transient provider errors
// qualify; deterministic provider errors and validation errors do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) {
		return true
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Transient()
	}

	var routeErr *RouteError
	if errors.As(err, &routeErr) {
		switch routeErr.Type {
		case ErrorTypeTransport, ErrorTypeTimeout, ErrorTypeUnavailable, ErrorTypeRateLimit:
			return true
		default:
			return false
		}
	}

	// Plain errors from transports (connection resets, timeouts) are
	// treated as retryable.
	return true
}
