// Package chaterr 定义了问答流水线的错误分类。
// 边界层（HTTP/WebSocket handler）依据分类将错误映射为对用户可见的提示，
// 内部细节只进日志，不直接外泄。
package chaterr

import (
	"errors"
	"fmt"
)

// Category 表示一个稳定的错误类别标识。
type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryFormatting  Category = "formatting"
	CategoryConnection  Category = "connection"
	CategoryUpstream    Category = "upstream_api"
	CategoryPersistence Category = "persistence"
	CategoryInternal    Category = "internal"
)

// ErrMissingContext 表示需要检索上下文的提示模板在无上下文的情况下被调用。
// 这是调用方的编程错误：上下文无关的领域不应走文档模板。
var ErrMissingContext = errors.New("document prompt requires retrieved context")

// ValidationError 表示请求入参缺失或非法，不重试，立即返回。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validation 构造一个 ValidationError。
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// FormattingError 表示消息结构不合法（例如空文本分段、图片挂在非 user 消息上）。
// 在任何网络调用发生之前就会中止流水线。
type FormattingError struct {
	Reason string
}

func (e *FormattingError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// Formatting 构造一个 FormattingError。
func Formatting(reason string) error {
	return &FormattingError{Reason: reason}
}

// ConnectionError 表示到补全服务的传输层失败，属于可重试的瞬时错误。
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("completion service unreachable: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connection 构造一个 ConnectionError。
func Connection(err error) error {
	return &ConnectionError{Err: err}
}

// UpstreamAPIError 表示补全服务返回了结构完整的错误响应。
// 与瞬时连接故障不同，它不重试，且上游细节允许原样透出。
type UpstreamAPIError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamAPIError) Error() string {
	return fmt.Sprintf("completion api returned status %d: %s", e.StatusCode, e.Body)
}

// Upstream 构造一个 UpstreamAPIError。
func Upstream(statusCode int, body string) error {
	return &UpstreamAPIError{StatusCode: statusCode, Body: body}
}

// PersistenceError 表示生成成功之后的持久化写入失败。
// 必须与生成失败可区分：调用方可能仍然拿到了答案文本。
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist message pair: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence 构造一个 PersistenceError。
func Persistence(err error) error {
	return &PersistenceError{Err: err}
}

// CategoryOf 返回错误所属的类别，未知错误归为 internal。
func CategoryOf(err error) Category {
	var (
		ve *ValidationError
		fe *FormattingError
		ce *ConnectionError
		ue *UpstreamAPIError
		pe *PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return CategoryValidation
	case errors.As(err, &fe), errors.Is(err, ErrMissingContext):
		return CategoryFormatting
	case errors.As(err, &ce):
		return CategoryConnection
	case errors.As(err, &ue):
		return CategoryUpstream
	case errors.As(err, &pe):
		return CategoryPersistence
	default:
		return CategoryInternal
	}
}

// UserMessage 返回某个错误类别对应的、对用户可见的稳定提示语。
// 仅 upstream_api 类别允许附带上游细节。
func UserMessage(err error) string {
	switch CategoryOf(err) {
	case CategoryValidation:
		return "请求参数不完整或不合法"
	case CategoryFormatting:
		return "消息格式有误，无法处理"
	case CategoryConnection:
		return "AI服务暂时不可用，请稍后重试"
	case CategoryUpstream:
		var ue *UpstreamAPIError
		if errors.As(err, &ue) {
			return fmt.Sprintf("模型服务返回错误: %s", ue.Body)
		}
		return "模型服务返回错误"
	case CategoryPersistence:
		return "回答已生成，但保存对话记录失败"
	default:
		return "服务内部错误，请稍后重试"
	}
}
