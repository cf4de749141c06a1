// Package scanerr 扫描错误分类，任务与文档中记录的错误都是带 Kind 的 *Error
package scanerr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth          Kind = "auth_error"
	KindCapability    Kind = "capability_error"
	KindRateLimit     Kind = "rate_limit_error"
	KindWorkspaceType Kind = "workspace_type_error"
	KindPermission    Kind = "permission_error"
	KindConnectivity  Kind = "connectivity_error"
	KindTimeout       Kind = "timeout"
	KindUnknown       Kind = "unknown_failure"
)

// 认证失败原因
const (
	ReasonExpired = "expired"
	ReasonDenied  = "denied"
	ReasonNetwork = "network"
)

// Error 分类后的错误，Message 可展示给操作者，Err 保留原始错误用于日志
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同 Kind 即匹配，支持 errors.Is(err, scanerr.ErrPermission)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// 用于 errors.Is 的哨兵错误
var (
	ErrAuth          = &Error{Kind: KindAuth}
	ErrCapability    = &Error{Kind: KindCapability}
	ErrRateLimit     = &Error{Kind: KindRateLimit}
	ErrWorkspaceType = &Error{Kind: KindWorkspaceType}
	ErrPermission    = &Error{Kind: KindPermission}
	ErrConnectivity  = &Error{Kind: KindConnectivity}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrUnknown       = &Error{Kind: KindUnknown}
)

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Auth 构造 auth_error
func Auth(reason, message string, err error) *Error {
	return &Error{Kind: KindAuth, Reason: reason, Message: message, Err: err}
}

// KindOf 错误分类，context 超时视为 timeout，其余未分类的为 unknown_failure
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Classify 包装为 *Error
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: KindOf(err), Message: err.Error(), Err: err}
}

// Retryable 是否为瞬时错误
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnectivity, KindRateLimit:
		return true
	default:
		return false
	}
}
