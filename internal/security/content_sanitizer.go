// Package security はユーザー投稿テキストのサニタイズ機能を提供する。
//
// コメント本文やアクティビティの説明はリアルタイム配信・REST取得のどちらでも
// 他ユーザーが入力したテキストがそのまま届くため、キャッシュに格納する前に
// bluemondayの許可リストポリシーで無害化する。
package security

import (
	"html"
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はテキストのサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize はHTMLを含みうるテキストをサニタイズして安全な文字列を返す。
	// 許可タグ（br, strong, em, a）のみを通過させ、script, iframe, style, on*属性を除去する。
	// 空文字列の入力には空文字列を返す。同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// ポリシーの内容:
//   - 許可タグ: br, strong, em, a
//   - aのhref: httpsスキームのみ。rel="noopener noreferrer" と target="_blank" を付与
func NewContentSanitizer() ContentSanitizerService {
	p := bluemonday.NewPolicy()

	p.AllowElements("br", "strong", "em")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		policy: p,
	}
}

// Sanitize はテキストをサニタイズする。
func (s *contentSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return s.policy.Sanitize(raw)
}

// plainTextSanitizer はタグをすべて取り除いたプレーンテキストを返す。
type plainTextSanitizer struct {
	policy *bluemonday.Policy
}

// NewPlainTextSanitizer は端末表示用のサニタイザーを生成する。
// タグと属性はすべて除去し、文字参照は元の文字に戻す。
func NewPlainTextSanitizer() ContentSanitizerService {
	return &plainTextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はテキストからタグを除去する。
func (s *plainTextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return html.UnescapeString(s.policy.Sanitize(raw))
}

// Passthrough は入力をそのまま返すサニタイザー。サニタイズ済みデータを扱うテスト用。
type Passthrough struct{}

// Sanitize は入力をそのまま返す。
func (Passthrough) Sanitize(raw string) string { return raw }
