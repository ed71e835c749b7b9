// Package repository はクライアント側データ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/activitysync/internal/model"
)

// local_storage テーブル上のキー。
const (
	KeyAccessToken  = "jwt"
	KeyRefreshToken = "refreshToken"
)

// CredentialRepository はアクセストークン・リフレッシュトークンの永続化インターフェース。
// ページ再読み込み（プロセス再起動）後もログイン状態を再開できるようにする。
type CredentialRepository interface {
	// Load は保存済みのトークンを返す。未保存の場合はゼロ値を返す（エラーではない）。
	Load(ctx context.Context) (model.Credentials, error)
	// Save はトークンの組を保存する。空文字のフィールドはキーごと削除する。
	Save(ctx context.Context, creds model.Credentials) error
	// Clear は両方のトークンを削除する。
	Clear(ctx context.Context) error
}
