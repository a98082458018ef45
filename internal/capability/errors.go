package capability

import "strings"

// ErrorCode is a stable, machine-readable capability error code.
type ErrorCode string

const (
	ErrorCodeInvalidArgs      ErrorCode = "INVALID_ARGS"
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeCanceled         ErrorCode = "CANCELED"
	ErrorCodeExecution        ErrorCode = "EXECUTION_ERROR"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// Error carries structured capability failure metadata. It is fed back
// to the model as a failed outcome, never surfaced as an engine error.
type Error struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	Retryable      bool      `json:"retryable,omitempty"`
	SuggestedFixes []string  `json:"suggested_fixes,omitempty"`
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e == nil {
		return "capability error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "capability failed"
	}
	if e.Code == "" {
		return msg
	}
	return string(e.Code) + ": " + msg
}

func (e *Error) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Capability failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
	if len(e.SuggestedFixes) > 0 {
		out := make([]string, 0, len(e.SuggestedFixes))
		seen := make(map[string]struct{}, len(e.SuggestedFixes))
		for _, it := range e.SuggestedFixes {
			v := strings.TrimSpace(it)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
		e.SuggestedFixes = out
	}
}
