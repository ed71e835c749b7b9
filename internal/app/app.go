// Package app はCLIの初期化、依存関係の組み立て、サブコマンドの実行を提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/activitysync/internal/activity"
	"github.com/hitoshi/activitysync/internal/api"
	"github.com/hitoshi/activitysync/internal/auth"
	"github.com/hitoshi/activitysync/internal/config"
	"github.com/hitoshi/activitysync/internal/database"
	"github.com/hitoshi/activitysync/internal/logger"
	"github.com/hitoshi/activitysync/internal/metrics"
	"github.com/hitoshi/activitysync/internal/middleware"
	"github.com/hitoshi/activitysync/internal/model"
	"github.com/hitoshi/activitysync/internal/realtime"
	"github.com/hitoshi/activitysync/internal/repository"
	"github.com/hitoshi/activitysync/internal/security"
	"github.com/hitoshi/activitysync/internal/user"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、設定を読み込んだ後にログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// App は組み立て済みのクライアント一式を保持する。
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Metrics    *prometheus.Registry
	API        *api.Client
	Tokens     *auth.Manager
	Users      *user.Service
	Activities *activity.Store
	Realtime   *realtime.Manager

	out io.Writer
}

// Wire は設定から依存関係を組み立てる。
// outはコマンドの表示内容とユーザー向け通知の出力先。
func Wire(cfg *config.Config, out io.Writer) (*App, error) {
	log := slog.Default()

	// 1. ローカルストレージ
	if err := database.RunMigrations(cfg.CredentialDBPath); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	db, err := database.Open(cfg.CredentialDBPath)
	if err != nil {
		return nil, err
	}
	credRepo := repository.NewSQLiteCredentialRepo(db)

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 3. トランスポートとトークン管理
	ui := &consoleUI{w: out, logger: log}
	client := api.NewClient(cfg.APIBaseURL, &http.Client{Timeout: cfg.HTTPTimeout}, log,
		api.WithNavigator(ui),
		api.WithNotifier(ui),
		api.WithMetrics(collector),
		api.WithRateLimit(cfg.APIRateLimit, cfg.APIRateBurst),
	)
	tokens := auth.NewManager(credRepo, client, log,
		auth.WithRefreshMargin(cfg.TokenRefreshMargin),
		auth.WithMetrics(collector),
	)
	client.AttachTokens(tokens)

	// 4. ストア
	users := user.NewService(client.Users(), tokens, log,
		user.WithNavigator(ui),
		user.WithNotifier(ui),
	)
	store := activity.NewStore(client.Activities(), users, log,
		activity.WithPageSize(cfg.PageSize),
		activity.WithSanitizer(security.NewPlainTextSanitizer()),
	)

	// 5. リアルタイムチャネル
	hub := realtime.NewManager(cfg.HubURL, &realtime.WebSocketDialer{}, tokens.ValidAccessToken,
		&printingSink{store: store, w: out}, log,
		realtime.WithMaxReconnects(cfg.RealtimeMaxReconnects),
		realtime.WithReconnectBackoff(cfg.RealtimeReconnectBase, 0),
		realtime.WithMetrics(collector),
	)

	return &App{
		Config:     cfg,
		DB:         db,
		Metrics:    reg,
		API:        client,
		Tokens:     tokens,
		Users:      users,
		Activities: store,
		Realtime:   hub,
		out:        out,
	}, nil
}

// Close はリアルタイムチャネルとデータベースを閉じる。
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Realtime.Close(ctx); err != nil {
		slog.Warn("リアルタイムチャネルのクローズに失敗しました", slog.String("error", err.Error()))
	}
	a.Users.Close()
	return a.DB.Close()
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応する処理を実行する。
// argsにはos.Args[1:]を渡す。ログは標準エラー出力に書き出す。
func Run(w io.Writer, args []string) error {
	cmd, rest := ParseCommand(args)

	cfg, err := Init(os.Stderr)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	a, err := Wire(cfg, w)
	if err != nil {
		return fmt.Errorf("wiring failed: %w", err)
	}
	defer a.Close()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		shutdown := a.serveMetrics(cfg.MetricsAddr)
		defer shutdown()
	}

	return a.Execute(ctx, cmd, rest)
}

// Execute はサブコマンドを実行する。
func (a *App) Execute(ctx context.Context, cmd Command, args []string) error {
	switch cmd {
	case CommandActivities:
		return a.runActivities(ctx, args)
	case CommandWatch:
		return a.runWatch(ctx, args)
	case CommandLogin:
		return a.runLogin(ctx)
	case CommandLogout:
		return a.runLogout(ctx)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// restoreSession は保存済みの認証情報を読み込み、ログイン中ユーザーを復元する。
// 未ログインの場合はエラーにしない。
func (a *App) restoreSession(ctx context.Context) error {
	if err := a.Tokens.Start(ctx); err != nil {
		if errors.Is(err, auth.ErrNoCredentials) {
			slog.Info("保存済みの認証情報がありません")
			return nil
		}
		return err
	}
	if _, err := a.Users.Current(ctx); err != nil && !errors.Is(err, user.ErrNotLoggedIn) {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	return nil
}

// runActivities はアクティビティ一覧を取得し、日付ごとにまとめて表示する。
func (a *App) runActivities(ctx context.Context, args []string) error {
	opts, err := parseActivitiesArgs(args)
	if err != nil {
		return err
	}
	if err := a.restoreSession(ctx); err != nil {
		return err
	}

	q := a.Activities.Query()
	if opts.predicate != activity.PredicateAll {
		if err := q.SetPredicate(ctx, opts.predicate, opts.value); err != nil {
			return err
		}
	}
	if opts.page > 0 || opts.predicate == activity.PredicateAll {
		if err := q.SetPage(ctx, opts.page); err != nil {
			return err
		}
	}

	groups := a.Activities.Registry().ActivitiesByDate()
	if len(groups) == 0 {
		fmt.Fprintln(a.out, "No activities found")
	}
	for _, g := range groups {
		fmt.Fprintln(a.out, g.Date)
		for _, act := range g.Activities {
			act = a.Activities.Display(act)
			fmt.Fprintf(a.out, "  %s  %-30s %s @ %s, %s%s\n",
				act.Date.Format("15:04"), act.Title, act.Category, act.Venue, act.City, markers(act))
		}
	}
	fmt.Fprintf(a.out, "page %d/%d (%d activities)\n", q.Page()+1, q.TotalPages(), q.ActivityCount())
	return nil
}

func markers(act model.Activity) string {
	var m []string
	if act.IsHost {
		m = append(m, "hosting")
	} else if act.IsGoing {
		m = append(m, "going")
	}
	if len(m) == 0 {
		return ""
	}
	return " [" + strings.Join(m, ",") + "]"
}

// runWatch はアクティビティを読み込み、シグナルを受信するまでコメントを表示し続ける。
func (a *App) runWatch(ctx context.Context, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: watch <activityId>")
	}
	id := args[0]

	if err := a.restoreSession(ctx); err != nil {
		return err
	}

	act, err := a.Activities.LoadActivity(ctx, id)
	if err != nil {
		return err
	}
	a.Activities.Select(id)

	act = a.Activities.Display(act)
	fmt.Fprintf(a.out, "%s (%s)\n", act.Title, act.Date.Format(model.DateLayout))
	for _, c := range act.Comments {
		printComment(a.out, c)
	}

	if err := a.Realtime.Open(ctx, id); err != nil {
		return fmt.Errorf("failed to open realtime channel: %w", err)
	}

	<-ctx.Done()
	slog.Info("shutting down watch...")

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Realtime.Close(closeCtx); err != nil {
		return err
	}
	a.Activities.ClearSelection()
	return nil
}

// runLogin は環境変数の認証情報でログインする。
func (a *App) runLogin(ctx context.Context) error {
	form := model.UserFormValues{
		Email:    os.Getenv("ACTIVITYSYNC_EMAIL"),
		Password: os.Getenv("ACTIVITYSYNC_PASSWORD"),
	}
	if form.Email == "" || form.Password == "" {
		return errors.New("ACTIVITYSYNC_EMAIL and ACTIVITYSYNC_PASSWORD must be set")
	}

	u, err := a.Users.Login(ctx, form)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Logged in as %s\n", u.DisplayName)
	return nil
}

// runLogout は保存済みの認証情報を破棄する。
func (a *App) runLogout(ctx context.Context) error {
	if err := a.restoreSession(ctx); err != nil {
		slog.Warn("セッションの復元に失敗しました", slog.String("error", err.Error()))
	}
	if err := a.Users.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Logged out")
	return nil
}

// serveMetrics は/metricsエンドポイントをバックグラウンドで公開し、停止用の関数を返す。
func (a *App) serveMetrics(addr string) func() {
	server := &http.Server{
		Addr:              addr,
		Handler:           a.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}
}

func (a *App) metricsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(slog.Default()))
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Mount("/", metrics.SetupMetricsRoute(a.Metrics))
	return r
}

// consoleUI は画面遷移とトースト通知をコンソールに出力する。
type consoleUI struct {
	w      io.Writer
	logger *slog.Logger
}

func (u *consoleUI) Navigate(route string) {
	u.logger.Debug("navigate", slog.String("route", route))
}

func (u *consoleUI) Error(message string) {
	fmt.Fprintf(u.w, "error: %s\n", message)
}

func (u *consoleUI) Info(message string) {
	fmt.Fprintf(u.w, "%s\n", message)
}

// printingSink は受信したコメントをキャッシュに反映し、表示する。
// キャッシュには受信したままの本文を格納し、表示時のみサニタイズする。
type printingSink struct {
	store *activity.Store
	w     io.Writer
}

func (s *printingSink) AppendComment(activityID string, c model.Comment) bool {
	ok := s.store.AppendComment(activityID, c)
	if ok {
		printComment(s.w, s.store.DisplayComment(c))
	}
	return ok
}

func printComment(w io.Writer, c model.Comment) {
	name := c.DisplayName
	if name == "" {
		name = c.Username
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", c.CreatedAt.Format(model.DateLayout), name, c.Body)
}
