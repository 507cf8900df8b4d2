package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer. Wrap them with fmt.Errorf("%w: ...")
// so callers can classify failures with errors.Is.
var (
	// ErrConfigIncomplete means the model endpoint or API key is missing;
	// no network call may be attempted in this state.
	ErrConfigIncomplete = fmt.Errorf("model configuration incomplete")
	// ErrTimeout means an outbound model call exceeded its deadline.
	ErrTimeout = fmt.Errorf("operation timed out")
	// ErrUpstream means the model endpoint answered with a non-2xx status.
	ErrUpstream = fmt.Errorf("upstream model error")
	// ErrParse means a structured payload extracted from model output was
	// not usable. Never surfaced to callers; triggers the keyword fallback.
	ErrParse = fmt.Errorf("unparseable model output")

	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	// ErrProtected rejects mutations of built-in registry entries.
	ErrProtected = fmt.Errorf("built-in entry is protected")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Add")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeConfigIncomplete ErrorCode = "CONFIG_INCOMPLETE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeUpstream         ErrorCode = "UPSTREAM_ERROR"
	CodeParse            ErrorCode = "PARSE_ERROR"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeProtected        ErrorCode = "PROTECTED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrConfigIncomplete: CodeConfigIncomplete,
	ErrTimeout:          CodeTimeout,
	ErrUpstream:         CodeUpstream,
	ErrParse:            CodeParse,
	ErrInvalidInput:     CodeInvalidInput,
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrProtected:        CodeProtected,
}

// ErrorCodeOf returns the machine-parseable code for err, walking the error
// chain with errors.Is. Returns CodeUnknown when no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
