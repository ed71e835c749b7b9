package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/activitysync/internal/model"
)

// Predicate は一覧の絞り込み条件。同時に有効な条件は1つだけ。
type Predicate string

const (
	PredicateAll       Predicate = "all"
	PredicateIsGoing   Predicate = "isGoing"
	PredicateIsHost    Predicate = "isHost"
	PredicateStartDate Predicate = "startDate"
)

// ErrSuperseded は取得中に新しい条件で再取得が始まり、結果が破棄されたことを示す。
var ErrSuperseded = errors.New("query superseded by a newer request")

// Lister は一覧APIの呼び出しインターフェース。
type Lister interface {
	List(ctx context.Context, params url.Values) (model.ActivitiesEnvelope, error)
}

// Query は絞り込み条件とページ位置を保持し、一覧の取得結果をキャッシュに反映する。
//
// 取得要求ごとに世代番号を振り、最新の世代の結果だけを反映する。
// 新しい要求が来た時点で古い取得はキャンセルされるため、
// 遅れて返ってきた古いレスポンスがキャッシュを上書きすることはない。
type Query struct {
	lister   Lister
	registry *Registry
	view     *ViewState
	decorate func(model.Activity) model.Activity
	logger   *slog.Logger
	pageSize int

	mu            sync.Mutex
	predicate     Predicate
	value         string
	page          int
	activityCount int
	generation    uint64
	cancel        context.CancelFunc
}

// NewQuery はQueryを生成する。decorateがnilの場合は取得結果をそのまま格納する。
func NewQuery(lister Lister, registry *Registry, view *ViewState, pageSize int, decorate func(model.Activity) model.Activity, logger *slog.Logger) *Query {
	if pageSize <= 0 {
		pageSize = 2
	}
	if decorate == nil {
		decorate = func(a model.Activity) model.Activity { return a }
	}
	return &Query{
		lister:    lister,
		registry:  registry,
		view:      view,
		decorate:  decorate,
		logger:    logger,
		pageSize:  pageSize,
		predicate: PredicateAll,
	}
}

// SetPredicate は絞り込み条件を切り替える。他の条件は解除され、ページは0に戻る。
// キャッシュを破棄してから再取得する。
func (q *Query) SetPredicate(ctx context.Context, p Predicate, value string) error {
	value, err := normalizePredicate(p, value)
	if err != nil {
		return err
	}

	fetchCtx, gen, params := q.begin(ctx, func() {
		q.predicate = p
		q.value = value
		q.page = 0
	})
	return q.fetch(fetchCtx, gen, params)
}

// ClearPredicate は絞り込みを解除して全件表示に戻す。
func (q *Query) ClearPredicate(ctx context.Context) error {
	return q.SetPredicate(ctx, PredicateAll, "")
}

// SetPage はページ位置を変更し、キャッシュを破棄してから再取得する。
func (q *Query) SetPage(ctx context.Context, page int) error {
	if page < 0 {
		return fmt.Errorf("page must not be negative: %d", page)
	}

	fetchCtx, gen, params := q.begin(ctx, func() {
		q.page = page
	})
	return q.fetch(fetchCtx, gen, params)
}

// Load は現在の条件で一覧を取得し、キャッシュを差し替える。
// 取得中に新しいLoadが呼ばれた場合、古い取得はキャンセルされErrSupersededを返す。
// 取得に失敗した場合はキャッシュを変更せずにエラーを返す。自動リトライはしない。
func (q *Query) Load(ctx context.Context) error {
	fetchCtx, gen, params := q.begin(ctx, nil)
	return q.fetch(fetchCtx, gen, params)
}

// begin は新しい世代を登録する。実行中の取得のキャンセル、世代の更新、条件の変更、
// キャッシュの破棄を1つのクリティカルセクションで行うため、
// 条件変更より前に始まった取得は登録の時点で必ず古い世代になる。
// changeがnilの場合は条件を変えずキャッシュも保持する。
func (q *Query) begin(ctx context.Context, change func()) (context.Context, uint64, url.Values) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.generation++
	if change != nil {
		change()
		q.registry.Clear()
		q.activityCount = 0
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.view.setLoadingInitial(true)
	return fetchCtx, q.generation, q.paramsLocked()
}

func (q *Query) fetch(ctx context.Context, gen uint64, params url.Values) error {
	env, err := q.lister.List(ctx, params)

	q.mu.Lock()
	defer q.mu.Unlock()

	if gen != q.generation {
		q.logger.Debug("一覧取得の結果を破棄しました（新しい要求あり）",
			slog.Uint64("generation", gen),
		)
		return ErrSuperseded
	}
	q.cancel()
	q.cancel = nil
	q.view.setLoadingInitial(false)

	if err != nil {
		q.view.setError(err)
		q.logger.Warn("一覧の取得に失敗しました",
			slog.String("predicate", string(q.predicate)),
			slog.Int("page", q.page),
			slog.String("error", err.Error()),
		)
		return err
	}

	acts := make([]model.Activity, 0, len(env.Activities))
	for _, a := range env.Activities {
		acts = append(acts, q.decorate(a))
	}
	q.registry.ReplaceAll(acts)
	q.activityCount = env.ActivityCount
	q.view.setError(nil)
	return nil
}

// Params は現在の条件に対応するクエリパラメータを返す。
func (q *Query) Params() url.Values {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paramsLocked()
}

func (q *Query) paramsLocked() url.Values {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.pageSize))
	params.Set("offset", strconv.Itoa(q.page*q.pageSize))
	if q.predicate != PredicateAll && q.predicate != "" {
		params.Set(string(q.predicate), q.value)
	}
	return params
}

// TotalPages はサーバーが返した全件数から総ページ数を算出する。
func (q *Query) TotalPages() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (q.activityCount + q.pageSize - 1) / q.pageSize
}

func (q *Query) Page() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.page
}

func (q *Query) PageSize() int {
	return q.pageSize
}

// ActivityCount はサーバーが返した条件一致の全件数。
func (q *Query) ActivityCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activityCount
}

// Predicate は現在有効な絞り込み条件と値を返す。
func (q *Query) Predicate() (Predicate, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.predicate, q.value
}

// normalizePredicate は条件ごとに値を検証・正規化する。
// isGoing / isHost の値は常に "true"、startDate はRFC3339形式の日時。
func normalizePredicate(p Predicate, value string) (string, error) {
	switch p {
	case PredicateAll:
		return "", nil
	case PredicateIsGoing, PredicateIsHost:
		return "true", nil
	case PredicateStartDate:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return "", fmt.Errorf("invalid startDate %q: %w", value, err)
		}
		return t.Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("unknown predicate %q", p)
	}
}

// ParsePredicate は文字列から絞り込み条件を返す。空文字は全件表示。
func ParsePredicate(s string) (Predicate, error) {
	switch p := Predicate(s); p {
	case "":
		return PredicateAll, nil
	case PredicateAll, PredicateIsGoing, PredicateIsHost, PredicateStartDate:
		return p, nil
	default:
		return "", fmt.Errorf("unknown predicate %q", s)
	}
}
