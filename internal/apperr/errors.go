// Package apperr 定义错误种类（sentinel）与分类函数，流水线按种类决定重试、告警或静默结束。
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNotAuthenticated       = errors.New("not_authenticated")
	ErrTokenExpired           = errors.New("token_expired")
	ErrQuotaDenied            = errors.New("quota_denied")
	ErrHoursDenied            = errors.New("hours_denied")
	ErrFeedUnavailable        = errors.New("feed_unavailable")
	ErrLLMUnavailable         = errors.New("llm_unavailable")
	ErrLLMTransient           = errors.New("llm_transient")
	ErrLLMEmpty               = errors.New("llm_empty")
	ErrModerationBlocked      = errors.New("moderation_blocked")
	ErrModerationSensitive    = errors.New("moderation_sensitive")
	ErrPublishVersionRejected = errors.New("publish_version_rejected")
	ErrPublishForbidden       = errors.New("publish_forbidden")
	ErrPublishFailed          = errors.New("publish_failed")
	ErrStore                  = errors.New("store_error")
	ErrInviteForbidden        = errors.New("invite_forbidden")
	ErrInviteFailed           = errors.New("invite_failed")
	ErrNotFound               = errors.New("not_found")
)

var kinds = []error{
	ErrNotAuthenticated, ErrTokenExpired, ErrQuotaDenied, ErrHoursDenied,
	ErrFeedUnavailable, ErrLLMUnavailable, ErrLLMTransient, ErrLLMEmpty,
	ErrModerationBlocked, ErrModerationSensitive, ErrPublishVersionRejected,
	ErrPublishForbidden, ErrPublishFailed, ErrStore, ErrInviteForbidden,
	ErrInviteFailed, ErrNotFound,
}

// Wrap 给 err 挂上种类；err 为 nil 时返回 nil
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Wrapf 以格式化消息构造某种类的错误
func Wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Store 仓储层错误统一归为 store_error（ErrNotFound 保持原样便于判断）
func Store(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return Wrap(ErrStore, err)
}

// Kind 返回错误种类名；网络错误记为 network，未知为 unknown
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	if IsNetwork(err) {
		return "network"
	}
	return "unknown"
}

// IsNetwork 连接/超时等网络层错误
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Retriable 可进入重试队列的错误
func Retriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrLLMTransient), errors.Is(err, ErrPublishFailed), errors.Is(err, ErrInviteFailed):
		return true
	case OperatorAction(err), errors.Is(err, ErrStore), errors.Is(err, ErrLLMEmpty), errors.Is(err, ErrLLMUnavailable):
		return false
	}
	return IsNetwork(err)
}

// OperatorAction 需要运营者介入的错误（告警，不重试）
func OperatorAction(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrPublishForbidden) ||
		errors.Is(err, ErrInviteForbidden)
}

// Gate 门控拒绝（正常结果，记 info 不重试）
func Gate(err error) bool {
	return errors.Is(err, ErrHoursDenied) || errors.Is(err, ErrQuotaDenied)
}
