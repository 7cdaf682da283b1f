package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeOperationFailed ErrorCode = "OPERATION_FAILED"

	// 外部服务错误
	ErrCodeObjectStore     ErrorCode = "OBJECT_STORE_ERROR"
	ErrCodeEmbeddingFailed ErrorCode = "EMBEDDING_FAILED"
	ErrCodeIndexWrite      ErrorCode = "INDEX_WRITE_FAILED"
	ErrCodeIndexQuery      ErrorCode = "INDEX_QUERY_FAILED"
	ErrCodeSyncFailed      ErrorCode = "KB_SYNC_FAILED"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodeTimeout         ErrorCode = "TIMEOUT"

	// 租户隔离违规：属于程序缺陷，不可恢复
	ErrCodeTenantViolation ErrorCode = "TENANT_FILTER_VIOLATION"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeBusiness
	ErrorTypeValidation
	ErrorTypeExternal
)

// AppError 应用错误结构体
type AppError struct {
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
	Type      ErrorType   `json:"type"`
	Transient bool        `json:"-"`
	Details   interface{} `json:"details,omitempty"`
	Cause     error       `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// NewSystemError 创建系统错误
func NewSystemError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Type:    ErrorTypeSystem,
	}
}

// NewValidationError 创建验证错误（永久性，不重试）
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidInput,
		Message: message,
		Type:    ErrorTypeValidation,
	}
}

// NewNotFoundError 创建资源未找到错误
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Type:    ErrorTypeBusiness,
	}
}

// NewTransientError 创建瞬态外部错误（超时、限流等，可重试）
func NewTransientError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Type:      ErrorTypeExternal,
		Transient: true,
	}
}

// NewExternalError 创建永久性外部错误（不重试）
func NewExternalError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Type:    ErrorTypeExternal,
	}
}

// NewTenantViolationError 创建租户隔离违规错误。
// 该错误意味着调用方绕过了强制的 userId 过滤，属于契约缺陷，
// 不允许静默修正，调用链上必须记录并中止。
func NewTenantViolationError(operation string) *AppError {
	return &AppError{
		Code:    ErrCodeTenantViolation,
		Message: fmt.Sprintf("tenant filter missing in %s", operation),
		Type:    ErrorTypeSystem,
	}
}

// IsTransient 判断错误是否为可重试的瞬态错误
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Transient
	}
	return false
}

// IsNotFound 判断是否为资源未找到错误
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// GetAppError 获取AppError，如果不是则包装为系统错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewSystemError(ErrCodeInternal, "internal error").WithCause(err)
}
