package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// 网关错误分类
// 调用方用 errors.Is 区分处理：认证失效触发登出，超时/网络错误可提示重试，
// 校验错误携带后端细节直接展示
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrTimeout            = errors.New("request timeout")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrServer             = errors.New("server error")
	ErrValidation         = errors.New("validation failed")
)

// APIError 带分类的网关错误
type APIError struct {
	Op         string // 失败的操作，如 "get devices"
	Kind       error  // 上面的哨兵错误之一
	StatusCode int    // HTTP 状态码（传输层错误时为 0）
	Detail     string // 后端返回的错误细节（校验错误时展示给用户）
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Detail)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %v (status: %d)", e.Op, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// classifyTransport 传输层错误分类（请求未到达或未返回）
func classifyTransport(op string, err error) *APIError {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &APIError{Op: op, Kind: ErrTimeout}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Op: op, Kind: ErrTimeout}
	}
	return &APIError{Op: op, Kind: ErrNetworkUnavailable, Detail: err.Error()}
}

// classifyStatus 按 HTTP 状态码分类（2xx 返回 nil）
func classifyStatus(op string, statusCode int, body []byte) *APIError {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	apiErr := &APIError{Op: op, StatusCode: statusCode, Detail: extractDetail(body)}
	switch {
	case statusCode == 401:
		apiErr.Kind = ErrUnauthorized
	case statusCode == 404:
		apiErr.Kind = ErrNotFound
	case statusCode == 400 || statusCode == 422:
		apiErr.Kind = ErrValidation
	case statusCode >= 500:
		apiErr.Kind = ErrServer
	default:
		apiErr.Kind = ErrServer
	}
	return apiErr
}

// extractDetail 从错误响应体提取可展示的细节
// 后端混用 detail / message / error 三种字段名
func extractDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Detail != "" {
		return payload.Detail
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
