package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured 用户尚未配置 API 密钥（可自助修复的预期状态，不是故障）
var ErrNotConfigured = errors.New("API 密钥未配置")

// AppError 带重试语义的应用错误
type AppError struct {
	Code      string    // 错误分类码（如 UPSTREAM_RATE_LIMIT / VALIDATION_ERROR）
	Message   string    // 可展示的错误描述
	Status    int       // 上游 HTTP 状态码（非 HTTP 来源为 0）
	Retryable bool      // 是否值得重试
	Timestamp time.Time //
	cause     error
}

func (e *AppError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// NewUpstreamError 根据上游 HTTP 状态码构造分类错误
// 429 和 5xx 属于瞬态错误允许重试，其余 4xx 不重试。
func NewUpstreamError(status int, message string) *AppError {
	code := "UPSTREAM_API_ERROR"
	retryable := status >= 500

	switch {
	case status == 401:
		code = "UPSTREAM_AUTH_ERROR"
	case status == 403:
		code = "UPSTREAM_PERMISSION_ERROR"
	case status == 429:
		code = "UPSTREAM_RATE_LIMIT"
		retryable = true
	case status >= 500:
		code = "UPSTREAM_SERVER_ERROR"
	}

	return &AppError{
		Code:      code,
		Message:   message,
		Status:    status,
		Retryable: retryable,
		Timestamp: time.Now(),
	}
}

// NewNetworkError 网络层失败（超时、连接拒绝等），一律视为瞬态
func NewNetworkError(err error) *AppError {
	return &AppError{
		Code:      "NETWORK_ERROR",
		Message:   err.Error(),
		Retryable: true,
		Timestamp: time.Now(),
		cause:     err,
	}
}

// NewValidationError 数据校验失败，不重试
func NewValidationError(field, rule string) *AppError {
	return &AppError{
		Code:      "VALIDATION_ERROR",
		Message:   fmt.Sprintf("字段 %s 校验失败: %s", field, rule),
		Retryable: false,
		Timestamp: time.Now(),
	}
}

// NewStoreError 持久化层失败，按来源标记是否可重试
func NewStoreError(err error, retryable bool) *AppError {
	return &AppError{
		Code:      "STORE_ERROR",
		Message:   err.Error(),
		Retryable: retryable,
		Timestamp: time.Now(),
		cause:     err,
	}
}

// IsRetryable 判断错误是否值得重试
// 未分类的错误默认可重试（与网络抖动同等对待），显式不可重试的错误绝不重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}
