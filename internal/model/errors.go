// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はトランスポート層で分類したエラー種別を表す。
type ErrorKind string

const (
	// KindNetwork はホストに到達できなかったことを示す。自動リトライはしない。
	KindNetwork ErrorKind = "network"
	// KindNotFound は404、またはid項目を含む読み取り時の400を示す。
	KindNotFound ErrorKind = "not_found"
	// KindSessionExpired はトークン更新が拒否されたことを示す。リトライ不可。
	KindSessionExpired ErrorKind = "session_expired"
	// KindUnauthorized は再送後も401だったことを示す。
	KindUnauthorized ErrorKind = "unauthorized"
	// KindServer は5xxを示す。
	KindServer ErrorKind = "server"
	// KindValidation はその他の4xxを示す。フィールド単位のエラー表示に使う。
	KindValidation ErrorKind = "validation"
)

// 定義済みエラーコード
const (
	ErrCodeNetwork        = "NETWORK_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeSessionExpired = "SESSION_EXPIRED"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeServer         = "SERVER_ERROR"
	ErrCodeValidation     = "VALIDATION_ERROR"
)

// errors.Is で種別判定するための番兵エラー。
var (
	ErrNetwork        = &APIError{Kind: KindNetwork}
	ErrNotFound       = &APIError{Kind: KindNotFound}
	ErrSessionExpired = &APIError{Kind: KindSessionExpired}
	ErrUnauthorized   = &APIError{Kind: KindUnauthorized}
	ErrServer         = &APIError{Kind: KindServer}
	ErrValidation     = &APIError{Kind: KindValidation}
)

// APIError は統一エラーフォーマットを表す。
// Errors にはサーバーが返したエラーペイロード（errorsフィールド）をそのまま保持する。
type APIError struct {
	Kind    ErrorKind
	Status  int    // HTTPステータス。ネットワークエラー時は0
	Code    string // エラーコード
	Message string // エラーメッセージ
	Method  string
	Path    string
	Errors  map[string]any
	Err     error // 原因となったエラー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("[%s] %s %s: status %d: %s", e.Code, e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("[%s] %s %s: %s", e.Code, e.Method, e.Path, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is は種別が一致する番兵エラーとの比較を可能にする。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

// HasField はエラーペイロードに指定フィールドが含まれるかを返す。
func (e *APIError) HasField(name string) bool {
	if e.Errors == nil {
		return false
	}
	_, ok := e.Errors[name]
	return ok
}

// KindOf はerrに含まれるAPIErrorの種別を返す。APIErrorでない場合は空文字を返す。
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// NewNetworkError はネットワーク到達不能エラーを生成する。
func NewNetworkError(method, path string, cause error) *APIError {
	return &APIError{
		Kind:    KindNetwork,
		Code:    ErrCodeNetwork,
		Message: "Network error",
		Method:  method,
		Path:    path,
		Err:     cause,
	}
}

// NewNotFoundError はリソース未検出エラーを生成する。
func NewNotFoundError(method, path string, status int, payload map[string]any) *APIError {
	return &APIError{
		Kind:    KindNotFound,
		Status:  status,
		Code:    ErrCodeNotFound,
		Message: "resource not found",
		Method:  method,
		Path:    path,
		Errors:  payload,
	}
}

// NewSessionExpiredError はセッション期限切れエラーを生成する。
func NewSessionExpiredError(cause error) *APIError {
	return &APIError{
		Kind:    KindSessionExpired,
		Code:    ErrCodeSessionExpired,
		Message: "Your session has expired, please login again",
		Err:     cause,
	}
}

// NewStatusError はHTTPステータスに応じたエラーを生成する。
// 401は KindUnauthorized、5xxは KindServer、それ以外は KindValidation となる。
func NewStatusError(method, path string, status int, payload map[string]any) *APIError {
	e := &APIError{
		Status:  status,
		Method:  method,
		Path:    path,
		Errors:  payload,
		Message: fmt.Sprintf("request failed with status %d", status),
	}
	switch {
	case status == 401:
		e.Kind = KindUnauthorized
		e.Code = ErrCodeUnauthorized
	case status >= 500:
		e.Kind = KindServer
		e.Code = ErrCodeServer
		e.Message = "Server error"
	default:
		e.Kind = KindValidation
		e.Code = ErrCodeValidation
	}
	return e
}
