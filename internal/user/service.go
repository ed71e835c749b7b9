// Package user はログイン中ユーザーの状態とログイン・登録・ログアウト処理を提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/activitysync/internal/api"
	"github.com/hitoshi/activitysync/internal/model"
)

// MsgFacebookLoginFailed はFacebookログイン失敗時の通知メッセージ。
const MsgFacebookLoginFailed = "An error has occurred trying to login with Facebook. Please try again."

// ErrNotLoggedIn はアクセストークンが保持されていないことを示す。
var ErrNotLoggedIn = errors.New("not logged in")

// UsersAPI はユーザー認証APIの呼び出しインターフェース。
type UsersAPI interface {
	Current(ctx context.Context) (model.User, error)
	Login(ctx context.Context, form model.UserFormValues) (model.User, error)
	Register(ctx context.Context, form model.UserFormValues) (model.User, error)
	FacebookLogin(ctx context.Context, accessToken string) (model.User, error)
}

// CredentialStore は認証情報の保持先。auth.Manager が実装する。
type CredentialStore interface {
	AccessToken() string
	SetCredentials(ctx context.Context, creds model.Credentials) error
	Clear(ctx context.Context) error
	OnSessionExpired(fn func()) (unsubscribe func())
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithNavigator は画面遷移の通知先を設定する。
func WithNavigator(n api.Navigator) Option {
	return func(s *Service) {
		if n != nil {
			s.navigator = n
		}
	}
}

// WithNotifier はユーザー通知の送り先を設定する。
func WithNotifier(n api.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// Service はログイン中ユーザーを保持する。
// トークン更新が拒否された場合はセッション失効の通知を受けてユーザーを破棄する。
type Service struct {
	api       UsersAPI
	creds     CredentialStore
	logger    *slog.Logger
	navigator api.Navigator
	notifier  api.Notifier

	unsubscribe func()

	mu      sync.RWMutex
	user    *model.User
	loading bool
}

// NewService はServiceを生成する。
func NewService(usersAPI UsersAPI, creds CredentialStore, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		api:       usersAPI,
		creds:     creds,
		logger:    logger,
		navigator: nopNavigator{},
		notifier:  nopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = creds.OnSessionExpired(s.handleSessionExpired)
	return s
}

// Close はセッション失効通知の購読を解除する。
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// User はログイン中のユーザーを返す。
func (s *Service) User() (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return model.User{}, false
	}
	return *s.user, true
}

func (s *Service) IsLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// Loading はFacebookログイン処理中であればtrueを返す。
func (s *Service) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Login はメールアドレスとパスワードでログインする。
func (s *Service) Login(ctx context.Context, form model.UserFormValues) (model.User, error) {
	u, err := s.api.Login(ctx, form)
	if err != nil {
		s.logger.Warn("ログインに失敗しました", slog.String("error", err.Error()))
		return model.User{}, err
	}
	if err := s.establish(ctx, u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// Register はユーザーを登録し、そのままログイン状態にする。
func (s *Service) Register(ctx context.Context, form model.UserFormValues) (model.User, error) {
	u, err := s.api.Register(ctx, form)
	if err != nil {
		s.logger.Warn("ユーザー登録に失敗しました", slog.String("error", err.Error()))
		return model.User{}, err
	}
	if err := s.establish(ctx, u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// FacebookLogin はFacebookのアクセストークンでログインする。
// 失敗した場合はユーザーに通知する。
func (s *Service) FacebookLogin(ctx context.Context, accessToken string) (model.User, error) {
	s.setLoading(true)
	defer s.setLoading(false)

	u, err := s.api.FacebookLogin(ctx, accessToken)
	if err != nil {
		s.logger.Warn("Facebookログインに失敗しました", slog.String("error", err.Error()))
		s.notifier.Error(MsgFacebookLoginFailed)
		return model.User{}, err
	}
	if err := s.establish(ctx, u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// Current は保存済みトークンでログイン中のユーザーを取得し直す。
// トークンがない場合はErrNotLoggedInを返す。
func (s *Service) Current(ctx context.Context) (model.User, error) {
	if s.creds.AccessToken() == "" {
		return model.User{}, ErrNotLoggedIn
	}

	u, err := s.api.Current(ctx)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to get current user: %w", err)
	}

	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
	return u, nil
}

// Logout は認証情報を破棄してトップ画面に戻る。
func (s *Service) Logout(ctx context.Context) error {
	err := s.creds.Clear(ctx)

	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()

	s.navigator.Navigate(api.RouteHome)
	s.logger.Info("ログアウトしました")
	return err
}

// establish はログイン・登録の結果を保存し、アクティビティ一覧へ遷移する。
func (s *Service) establish(ctx context.Context, u model.User) error {
	creds := model.Credentials{Token: u.Token, RefreshToken: u.RefreshToken}
	if err := s.creds.SetCredentials(ctx, creds); err != nil {
		return err
	}

	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()

	s.logger.Info("ログインしました", slog.String("username", u.Username))
	s.navigator.Navigate(api.RouteActivities)
	return nil
}

func (s *Service) handleSessionExpired() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
	s.logger.Warn("セッションが失効したためログイン状態を解除しました")
}

func (s *Service) setLoading(b bool) {
	s.mu.Lock()
	s.loading = b
	s.mu.Unlock()
}

type nopNavigator struct{}

func (nopNavigator) Navigate(string) {}

type nopNotifier struct{}

func (nopNotifier) Error(string) {}
func (nopNotifier) Info(string)  {}
