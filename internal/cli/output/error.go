package output

// StructuredError is an error with machine-parseable metadata
type StructuredError struct {
	// Code is a machine-readable error identifier (e.g., "SERVER_NOT_FOUND")
	Code string `json:"code" yaml:"code"`

	Message string `json:"message" yaml:"message"`

	// Guidance explains why this error occurred
	Guidance string `json:"guidance,omitempty" yaml:"guidance,omitempty"`

	// RecoveryCommand suggests a command to fix the issue
	RecoveryCommand string `json:"recovery_command,omitempty" yaml:"recovery_command,omitempty"`

	// RequestID correlates the error with the server log
	RequestID string `json:"request_id,omitempty" yaml:"request_id,omitempty"`
}

// Error implements the error interface for StructuredError.
func (e StructuredError) Error() string {
	return e.Message
}

// Common error codes for CLI operations
const (
	ErrCodeServerNotFound   = "SERVER_NOT_FOUND"
	ErrCodeAuthRequired     = "AUTH_REQUIRED"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeOperationFailed  = "OPERATION_FAILED"
)

// NewStructuredError creates a new StructuredError with the given code and message.
func NewStructuredError(code, message string) StructuredError {
	return StructuredError{Code: code, Message: message}
}

// WithGuidance adds guidance to the error.
func (e StructuredError) WithGuidance(guidance string) StructuredError {
	e.Guidance = guidance
	return e
}

// WithRecoveryCommand adds a recovery command suggestion.
func (e StructuredError) WithRecoveryCommand(cmd string) StructuredError {
	e.RecoveryCommand = cmd
	return e
}

// WithRequestID adds a request ID for log correlation.
func (e StructuredError) WithRequestID(requestID string) StructuredError {
	e.RequestID = requestID
	return e
}
