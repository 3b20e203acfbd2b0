package models

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodePipelineFailed    = "PIPELINE_FAILED"
	ErrCodeMemoryUnavailable = "MEMORY_UNAVAILABLE"
	ErrCodeInferenceFailed   = "INFERENCE_FAILED"
)

// NewErrorResponse builds an ErrorResponse with optional details.
func NewErrorResponse(code, message string, details map[string]string) ErrorResponse {
	return ErrorResponse{Error: message, Code: code, Details: details}
}
