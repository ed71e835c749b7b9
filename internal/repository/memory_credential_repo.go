package repository

import (
	"context"
	"sync"

	"github.com/hitoshi/activitysync/internal/model"
)

// MemoryCredentialRepo はプロセス内メモリに保持する認証情報リポジトリ。
// 永続化が不要な場合やテストで使用する。
type MemoryCredentialRepo struct {
	mu    sync.Mutex
	creds model.Credentials
}

// NewMemoryCredentialRepo はMemoryCredentialRepoを生成する。
func NewMemoryCredentialRepo(initial model.Credentials) *MemoryCredentialRepo {
	return &MemoryCredentialRepo{creds: initial}
}

// Load は保持しているトークンを返す。
func (r *MemoryCredentialRepo) Load(ctx context.Context) (model.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creds, nil
}

// Save はトークンを保持する。
func (r *MemoryCredentialRepo) Save(ctx context.Context, creds model.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds = creds
	return nil
}

// Clear はトークンを破棄する。
func (r *MemoryCredentialRepo) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds = model.Credentials{}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*MemoryCredentialRepo)(nil)
