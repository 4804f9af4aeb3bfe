package executor

// Error codes surfaced to tool callers. Each maps to an HTTP status
// hint in the error envelope.
const (
	CodeOperationNotFound = "OPERATION_NOT_FOUND"
	CodeValidation        = "VALIDATION_ERROR"
	CodeSchemaUnavailable = "SCHEMA_UNAVAILABLE"
	CodeWritesDisabled    = "WRITES_DISABLED"
	CodeWriteConfirmation = "WRITE_CONFIRMATION_REQUIRED"
	CodeAuthRequired      = "AUTH_REQUIRED"
	CodeUpstreamError     = "HEROKU_API_ERROR"
	CodeRequestTimeout    = "REQUEST_TIMEOUT"
	CodeRequestFailed     = "REQUEST_FAILED"
)

// Error is the machine-readable failure surfaced by Execute.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(code string, status int, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}
