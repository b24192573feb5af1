package domain

import (
	"errors"
	"fmt"
	"time"
)

// Code — стабильный код ошибки для API.
// Клиент всегда получает код, никогда — сырой текст внутренней ошибки.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeTenantMismatch      Code = "TENANT_MISMATCH"
	CodeKillSwitchActive    Code = "KILL_SWITCH_ACTIVE"
	CodeApprovalRequired    Code = "APPROVAL_REQUIRED"
	CodeSelfApprovalDenied  Code = "SELF_APPROVAL_DENIED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeCapabilityNotFound  Code = "CAPABILITY_NOT_FOUND"
	CodeAlreadyExecuted     Code = "ALREADY_EXECUTED"
	CodeConnectorReadOnly   Code = "CONNECTOR_READ_ONLY"
	CodeConnectorDown       Code = "CONNECTOR_UNAVAILABLE"
	CodeExecutionFailed     Code = "EXECUTION_FAILED"
	CodeRollbackUnsupported Code = "ROLLBACK_UNSUPPORTED"
	CodeRollbackFailed      Code = "ROLLBACK_FAILED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "INVALID_TRANSITION"
	CodeDegradedMode        Code = "DEGRADED_MODE"
)

var (
	ErrInvalidTransition = errors.New("invalid proposal status transition")
	ErrAlreadyProcessed  = errors.New("proposal already in a terminal status")
	// ErrStalePrecondition — оптимистичный переход не прошел: строка уже
	// в другом статусе (два вызывающих гонятся за одним предложением)
	ErrStalePrecondition = errors.New("status precondition failed")
)

// CodedError несет код наружу и причину внутрь (для логов).
type CodedError struct {
	Code    Code
	Message string
	// RetryAfter заполняется только для RATE_LIMITED
	RetryAfter time.Duration
	cause      error
}

func (e *CodedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.cause }

func NewError(code Code, msg string) *CodedError {
	return &CodedError{Code: code, Message: msg}
}

func Errorf(code Code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError сохраняет причину для errors.Is/As, клиенту уходит только код и сообщение.
func WrapError(code Code, msg string, cause error) *CodedError {
	return &CodedError{Code: code, Message: msg, cause: cause}
}

// CodeOf достает стабильный код из любой ошибки цепочки.
// Если кода нет — это внутренняя ошибка, наружу уйдет EXECUTION_FAILED/500.
func CodeOf(err error) (Code, bool) {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return "", false
}
