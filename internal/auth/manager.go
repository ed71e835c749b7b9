// Package auth はアクセストークン・リフレッシュトークンのライフサイクルを管理する。
//
// Manager は有効なアクセストークンの取得、期限切れ時の更新（同時実行は1回に集約）、
// 更新拒否時のセッション失効通知を担う。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/activitysync/internal/metrics"
	"github.com/hitoshi/activitysync/internal/model"
	"github.com/hitoshi/activitysync/internal/repository"
)

// ErrNoCredentials はアクセストークンが保持されていないことを示す。
var ErrNoCredentials = errors.New("no credentials")

// defaultRefreshMargin は有効期限の何秒前から更新対象とみなすか。
const defaultRefreshMargin = 5 * time.Second

// renewKey はsingleflightのキー。更新処理はプロセス全体で1種類のみ。
const renewKey = "renew"

// Renewer はトークン更新APIの呼び出しインターフェース。
// api.Client が POST /user/refresh で実装する。
type Renewer interface {
	RefreshToken(ctx context.Context, creds model.Credentials) (model.Credentials, error)
}

// Option はManagerの設定を変更する。
type Option func(*Manager)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRefreshMargin は有効期限前の更新マージンを設定する。
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.margin = d
		}
	}
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(m *Manager) {
		if c != nil {
			m.metrics = c
		}
	}
}

// Manager は認証情報の組を所有し、有効なアクセストークンを提供する。
type Manager struct {
	repo    repository.CredentialRepository
	renewer Renewer
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
	margin  time.Duration

	group singleflight.Group

	mu    sync.RWMutex
	creds model.Credentials

	subsMu sync.Mutex
	subs   map[int]func()
	nextID int
}

// NewManager はManagerを生成する。
// 永続化済みの認証情報を読み込むにはStartを呼ぶこと。
func NewManager(repo repository.CredentialRepository, renewer Renewer, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		renewer: renewer,
		logger:  logger,
		metrics: metrics.Nop{},
		now:     time.Now,
		margin:  defaultRefreshMargin,
		subs:    make(map[int]func()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start は永続化された認証情報を読み込み、ログイン状態を再開する。
func (m *Manager) Start(ctx context.Context) error {
	creds, err := m.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	if creds.Token != "" {
		m.logger.Info("保存済みの認証情報からセッションを再開しました",
			slog.String("user", TokenSubject(creds.Token)),
		)
	}
	return nil
}

// AccessToken は現在のアクセストークンを更新処理なしで返す。未ログイン時は空文字。
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.Token
}

// Credentials は現在の認証情報の組を返す。
func (m *Manager) Credentials() model.Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds
}

// SetCredentials はログイン・登録で得た認証情報を保持し永続化する。
func (m *Manager) SetCredentials(ctx context.Context, creds model.Credentials) error {
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	if err := m.repo.Save(ctx, creds); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}
	return nil
}

// Clear はログアウト時に認証情報を破棄する。セッション失効通知は行わない。
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.creds = model.Credentials{}
	m.mu.Unlock()

	if err := m.repo.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// OnSessionExpired はトークン更新が拒否されたときに呼ばれる関数を登録する。
// 戻り値の関数で登録を解除できる。
func (m *Manager) OnSessionExpired(fn func()) (unsubscribe func()) {
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// ValidAccessToken は有効なアクセストークンを返す。
// 有効期限まで余裕があればネットワーク呼び出しなしで返し、
// 期限切れ・期限間近の場合は更新してから新しいトークンを返す。
// 更新中に別の呼び出しがあった場合は同じ更新結果を待つ。
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	token := m.AccessToken()
	if token == "" {
		return "", ErrNoCredentials
	}
	if !m.expiring(token) {
		return token, nil
	}
	return m.renew(ctx)
}

// Renew は401を受けたリクエストのために強制的にトークンを更新する。
// rejectedは拒否されたリクエストに付与していたトークン。
// 既に別の呼び出しで更新済み（現在のトークンがrejectedと異なる）の場合は、
// 更新APIを呼ばずに現在のトークンを返す。
func (m *Manager) Renew(ctx context.Context, rejected string) (string, error) {
	current := m.AccessToken()
	if current == "" {
		return "", model.NewSessionExpiredError(ErrNoCredentials)
	}
	if rejected != "" && current != rejected {
		m.metrics.RecordTokenRenewal(metrics.RenewalShared)
		return current, nil
	}
	return m.renew(ctx)
}

// expiring はトークンが期限切れ、または期限までマージン未満であればtrueを返す。
// expを持たないトークンは期限なしとして扱い、デコードできないトークンは期限切れとして扱う。
func (m *Manager) expiring(token string) bool {
	exp, err := tokenExpiry(token)
	if errors.Is(err, errNoExpiry) {
		return false
	}
	if err != nil {
		m.logger.Warn("アクセストークンをデコードできないため更新します",
			slog.String("error", err.Error()),
		)
		return true
	}
	return !m.now().Before(exp.Add(-m.margin))
}

// renew は更新処理を単一実行に集約する。
// 呼び出し元のキャンセルは待機を中断するだけで、共有中の更新処理自体は継続させる。
func (m *Manager) renew(ctx context.Context) (string, error) {
	ch := m.group.DoChan(renewKey, func() (any, error) {
		return m.doRenew(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			m.metrics.RecordTokenRenewal(metrics.RenewalShared)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// doRenew は更新APIを1回呼び出し、結果を保存する。
func (m *Manager) doRenew(ctx context.Context) (string, error) {
	creds := m.Credentials()
	if creds.Token == "" && creds.RefreshToken == "" {
		return "", model.NewSessionExpiredError(ErrNoCredentials)
	}

	m.logger.Info("アクセストークンを更新します")

	renewed, err := m.renewer.RefreshToken(ctx, creds)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Kind != model.KindNetwork {
			m.metrics.RecordTokenRenewal(metrics.RenewalRejected)
			m.expire(ctx, err)
			return "", model.NewSessionExpiredError(err)
		}
		m.metrics.RecordTokenRenewal(metrics.RenewalError)
		m.logger.Error("アクセストークンの更新に失敗しました",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("token renewal failed: %w", err)
	}
	if renewed.Token == "" {
		m.metrics.RecordTokenRenewal(metrics.RenewalError)
		return "", fmt.Errorf("token renewal failed: empty token in response")
	}
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = creds.RefreshToken
	}

	m.mu.Lock()
	m.creds = renewed
	m.mu.Unlock()

	if err := m.repo.Save(ctx, renewed); err != nil {
		// メモリ上のトークンは有効なため処理は継続する
		m.logger.Warn("更新した認証情報の保存に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	m.metrics.RecordTokenRenewal(metrics.RenewalSuccess)
	m.logger.Info("アクセストークンを更新しました")
	return renewed.Token, nil
}

// expire は認証情報を破棄し、購読者にセッション失効を通知する。
func (m *Manager) expire(ctx context.Context, cause error) {
	m.logger.Warn("トークン更新が拒否されたためセッションを終了します",
		slog.String("error", cause.Error()),
	)

	m.mu.Lock()
	m.creds = model.Credentials{}
	m.mu.Unlock()

	if err := m.repo.Clear(ctx); err != nil {
		m.logger.Error("保存済み認証情報の削除に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	m.subsMu.Lock()
	subs := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range subs {
		fn()
	}
}
