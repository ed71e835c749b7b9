package activity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/activitysync/internal/model"
	"github.com/hitoshi/activitysync/internal/security"
)

// ErrNotLoggedIn はログインユーザーが必要な操作を未ログインで呼び出したことを示す。
var ErrNotLoggedIn = errors.New("not logged in")

// ActivityAPI はアクティビティAPIの呼び出しインターフェース。
// api.ActivitiesAPI が実装する。
type ActivityAPI interface {
	Lister
	Details(ctx context.Context, id string) (model.Activity, error)
	Create(ctx context.Context, a model.Activity) error
	Edit(ctx context.Context, a model.Activity) error
	Delete(ctx context.Context, id string) error
	Attend(ctx context.Context, id string) error
	Unattend(ctx context.Context, id string) error
}

// SessionUser は現在のログインユーザーを返す。user.Store が実装する。
type SessionUser interface {
	User() (model.User, bool)
}

// StoreOption はStoreの設定を変更する。
type StoreOption func(*Store)

// WithPageSize は一覧の1ページあたりの件数を設定する。
func WithPageSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithSanitizer は表示用のサニタイザーを設定する。
func WithSanitizer(san security.ContentSanitizerService) StoreOption {
	return func(s *Store) {
		if san != nil {
			s.sanitizer = san
		}
	}
}

// WithIDGenerator は新規作成時のID生成関数を差し替える。
func WithIDGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Store はアクティビティの取得・作成・編集・削除・参加を扱う。
// キャッシュへの書き込みはAPI呼び出しが成功した後にのみ行う。
type Store struct {
	api       ActivityAPI
	session   SessionUser
	sanitizer security.ContentSanitizerService
	logger    *slog.Logger
	newID     func() string
	pageSize  int

	registry *Registry
	view     *ViewState
	query    *Query
}

// NewStore はStoreを生成する。
func NewStore(api ActivityAPI, session SessionUser, logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		api:       api,
		session:   session,
		sanitizer: security.NewContentSanitizer(),
		logger:    logger,
		newID:     uuid.NewString,
		pageSize:  2,
		registry:  NewRegistry(),
		view:      &ViewState{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.query = NewQuery(api, s.registry, s.view, s.pageSize, s.decorate, logger)
	return s
}

func (s *Store) Registry() *Registry { return s.registry }

func (s *Store) Query() *Query { return s.query }

func (s *Store) View() *ViewState { return s.view }

// Selected は選択中のアクティビティを返す。
func (s *Store) Selected() (model.Activity, bool) {
	id := s.view.Snapshot().SelectedID
	if id == "" {
		return model.Activity{}, false
	}
	return s.registry.Get(id)
}

// Select はキャッシュ内のアクティビティを選択する。存在しない場合はfalseを返す。
func (s *Store) Select(id string) bool {
	if _, ok := s.registry.Get(id); !ok {
		return false
	}
	s.view.setSelected(id)
	return true
}

// ClearSelection は選択を解除する。
func (s *Store) ClearSelection() {
	s.view.setSelected("")
}

// LoadActivity はキャッシュにあればそれを返し、なければ詳細APIから取得してキャッシュに格納する。
func (s *Store) LoadActivity(ctx context.Context, id string) (model.Activity, error) {
	if a, ok := s.registry.Get(id); ok {
		s.view.setSelected(id)
		return a, nil
	}

	s.view.setLoadingInitial(true)
	defer s.view.setLoadingInitial(false)

	a, err := s.api.Details(ctx, id)
	if err != nil {
		s.view.setError(err)
		s.logger.Warn("アクティビティの取得に失敗しました",
			slog.String("activity_id", id),
			slog.String("error", err.Error()),
		)
		return model.Activity{}, err
	}

	a = s.decorate(a)
	s.registry.Upsert(a)
	s.view.setSelected(a.ID)
	s.view.setError(nil)
	return a, nil
}

// Create はアクティビティを作成する。IDが空の場合はクライアント側で生成し、
// ログインユーザーをホスト参加者として追加する。
func (s *Store) Create(ctx context.Context, a model.Activity) (model.Activity, error) {
	u, ok := s.session.User()
	if !ok {
		return model.Activity{}, ErrNotLoggedIn
	}

	if a.ID == "" {
		a.ID = s.newID()
	}
	a.Attendees = []model.Attendee{{
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Image:       u.Image,
		IsHost:      true,
	}}
	a.Comments = []model.Comment{}

	var created model.Activity
	err := s.submit("", func() error {
		if err := s.api.Create(ctx, a); err != nil {
			return err
		}
		created = s.decorate(a)
		s.registry.Upsert(created)
		s.view.setSelected(created.ID)
		return nil
	})
	if err != nil {
		return model.Activity{}, err
	}

	s.logger.Info("アクティビティを作成しました", slog.String("activity_id", created.ID))
	return created, nil
}

// Edit はアクティビティを丸ごと置き換える。
func (s *Store) Edit(ctx context.Context, a model.Activity) (model.Activity, error) {
	if a.ID == "" {
		return model.Activity{}, errors.New("activity id is required")
	}

	var edited model.Activity
	err := s.submit(a.ID, func() error {
		if err := s.api.Edit(ctx, a); err != nil {
			return err
		}
		edited = s.decorate(a)
		s.registry.Upsert(edited)
		s.view.setSelected(edited.ID)
		return nil
	})
	if err != nil {
		return model.Activity{}, err
	}
	return edited, nil
}

// Delete はアクティビティを削除し、キャッシュからも取り除く。
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.submit(id, func() error {
		if err := s.api.Delete(ctx, id); err != nil {
			return err
		}
		s.registry.Remove(id)
		if s.view.Snapshot().SelectedID == id {
			s.view.setSelected("")
		}
		return nil
	})
}

// Attend はログインユーザーを参加者に追加する。既に参加済みの場合は重複させない。
func (s *Store) Attend(ctx context.Context, id string) error {
	u, ok := s.session.User()
	if !ok {
		return ErrNotLoggedIn
	}

	return s.submit(id, func() error {
		if err := s.api.Attend(ctx, id); err != nil {
			return err
		}
		s.registry.Update(id, func(a *model.Activity) {
			if a.FindAttendee(u.Username) < 0 {
				a.Attendees = append(a.Attendees, model.Attendee{
					Username:    u.Username,
					DisplayName: u.DisplayName,
					Image:       u.Image,
				})
			}
			a.IsGoing = true
		})
		return nil
	})
}

// Unattend はログインユーザーの参加を取り消す。
func (s *Store) Unattend(ctx context.Context, id string) error {
	u, ok := s.session.User()
	if !ok {
		return ErrNotLoggedIn
	}

	return s.submit(id, func() error {
		if err := s.api.Unattend(ctx, id); err != nil {
			return err
		}
		s.registry.Update(id, func(a *model.Activity) {
			if i := a.FindAttendee(u.Username); i >= 0 {
				a.Attendees = append(a.Attendees[:i], a.Attendees[i+1:]...)
			}
			a.IsGoing = false
		})
		return nil
	})
}

// AppendComment はリアルタイム配信されたコメントをキャッシュに追加する。
// 本文は受信したまま格納する。対象がキャッシュにない場合はfalseを返す。
func (s *Store) AppendComment(activityID string, c model.Comment) bool {
	ok := s.registry.AppendComment(activityID, c)
	if !ok {
		s.logger.Warn("コメントの対象がキャッシュにありません",
			slog.String("activity_id", activityID),
		)
	}
	return ok
}

// submit は送信中フラグを立てて fn を実行する。失敗時はエラーを記録して返す。
func (s *Store) submit(target string, fn func() error) error {
	s.view.beginSubmit(target)
	defer s.view.endSubmit()

	if err := fn(); err != nil {
		s.view.setError(err)
		s.logger.Warn("アクティビティの更新に失敗しました",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.view.setError(nil)
	return nil
}

// Display は表示用にユーザー投稿テキストをサニタイズしたコピーを返す。
// キャッシュ上のエンティティはサーバーの値のまま保持し、編集時にもそのまま送信する。
func (s *Store) Display(a model.Activity) model.Activity {
	a = a.Clone()
	a.Title = s.sanitizer.Sanitize(a.Title)
	a.Description = s.sanitizer.Sanitize(a.Description)
	a.Venue = s.sanitizer.Sanitize(a.Venue)
	a.City = s.sanitizer.Sanitize(a.City)
	for i := range a.Comments {
		a.Comments[i] = s.DisplayComment(a.Comments[i])
	}
	return a
}

// DisplayComment は表示用にコメント本文と表示名をサニタイズしたコピーを返す。
func (s *Store) DisplayComment(c model.Comment) model.Comment {
	c.Body = s.sanitizer.Sanitize(c.Body)
	c.DisplayName = s.sanitizer.Sanitize(c.DisplayName)
	return c
}

// decorate はログインユーザーを基準にisGoing / isHostを算出する。
func (s *Store) decorate(a model.Activity) model.Activity {
	a = a.Clone()
	a.IsGoing = false
	a.IsHost = false
	if u, ok := s.session.User(); ok {
		if i := a.FindAttendee(u.Username); i >= 0 {
			a.IsGoing = true
			a.IsHost = a.Attendees[i].IsHost
		}
	}
	return a
}
