// Package apperr はAPI全体で共有するエラー分類を提供します。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind はエラーの分類です。
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindConflict
	KindUnprocessable
)

// MaxMessageLen はジョブに記録するエラーメッセージの上限です。
const MaxMessageLen = 500

// Error は分類付きのアプリケーションエラーです。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus は分類に対応するステータスコードを返します。
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func Invalid(code, message string) *Error {
	return &Error{Kind: KindInvalid, Code: code, Message: message}
}

func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func Unprocessable(code, message string) *Error {
	return &Error{Kind: KindUnprocessable, Code: code, Message: message}
}

func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: message, Cause: cause}
}

// KindOf は err に含まれる *Error の分類を返します。含まれない場合は KindInternal です。
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Truncate はメッセージを n 文字（rune）以内に切り詰めます。
func Truncate(msg string, n int) string {
	runes := []rune(msg)
	if len(runes) <= n {
		return msg
	}
	return string(runes[:n])
}
