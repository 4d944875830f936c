// Package core предоставляет систему типизированных ошибок ядра.
package core

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Коды ошибок координационного ядра
const (
	ErrConcurrencyConflict = "CONCURRENCY_CONFLICT"
	ErrStreamNotFound      = "STREAM_NOT_FOUND"
	ErrStepExecutionFailed = "STEP_EXECUTION_FAILED"
	ErrCircuitOpen         = "CIRCUIT_OPEN"
	ErrCompensationFailed  = "COMPENSATION_FAILED"
	ErrSagaTimeout         = "SAGA_TIMEOUT"
	ErrNotFound            = "NOT_FOUND"
	ErrInvalidConfig       = "INVALID_CONFIG"
)

// CoreError базовый тип ошибки ядра
type CoreError struct {
	Code       string
	Message    string
	Cause      error
	StackTrace string
}

// Error реализует интерфейс error
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is проверяет, соответствует ли ошибка коду
func (e *CoreError) Is(target error) bool {
	if t, ok := target.(*CoreError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext добавляет контекст к ошибке
func (e *CoreError) WithContext(context string) *CoreError {
	return &CoreError{
		Code:       e.Code,
		Message:    fmt.Sprintf("%s: %s", context, e.Message),
		Cause:      e.Cause,
		StackTrace: e.StackTrace,
	}
}

// NewError создает новую ошибку ядра
func NewError(code, message string) *CoreError {
	return &CoreError{
		Code:       code,
		Message:    message,
		StackTrace: captureStackTrace(),
	}
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code, message string) *CoreError {
	if err == nil {
		return nil
	}
	return &CoreError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}

// WrapWithCode оборачивает ошибку с кодом
func WrapWithCode(err error, code string) *CoreError {
	if err == nil {
		return nil
	}
	return &CoreError{
		Code:       code,
		Message:    err.Error(),
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}

// CodeOf возвращает код ошибки ядра или пустую строку
func CodeOf(err error) string {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return ""
}

// HasCode проверяет, содержит ли цепочка ошибок указанный код
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// captureStackTrace захватывает stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// Убираем первые несколько строк (сама функция captureStackTrace)
	lines := strings.Split(stack, "\n")
	if len(lines) > 4 {
		lines = lines[4:]
	}
	return strings.Join(lines, "\n")
}
