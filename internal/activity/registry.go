// Package activity はアクティビティのローカルキャッシュ、一覧取得の調停、
// 作成・編集・参加などの操作、画面表示用の状態を提供する。
package activity

import (
	"sort"
	"sync"

	"github.com/hitoshi/activitysync/internal/model"
)

// DateGroup は同じ日付のアクティビティをまとめたもの。
type DateGroup struct {
	Date       string // "2006-01-02"
	Activities []model.Activity
}

// Registry はIDをキーとするアクティビティのキャッシュ。
// 格納・取得ともにコピーを扱い、呼び出し側から内部状態を変更できないようにする。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]model.Activity
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]model.Activity)}
}

// Upsert はIDが一致するエントリを丸ごと置き換える（後勝ち）。
func (r *Registry) Upsert(a model.Activity) {
	cloned := a.Clone()
	r.mu.Lock()
	r.entries[a.ID] = cloned
	r.mu.Unlock()
}

// Remove はエントリを削除する。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Get はエントリのコピーを返す。
func (r *Registry) Get(id string) (model.Activity, bool) {
	r.mu.RLock()
	a, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return model.Activity{}, false
	}
	return a.Clone(), true
}

// Values は全エントリのコピーを日時の昇順で返す。
func (r *Registry) Values() []model.Activity {
	r.mu.RLock()
	out := make([]model.Activity, 0, len(r.entries))
	for _, a := range r.entries {
		out = append(out, a.Clone())
	}
	r.mu.RUnlock()

	sortByDate(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear は全エントリを削除する。
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[string]model.Activity)
	r.mu.Unlock()
}

// ReplaceAll は全エントリを差し替える。一覧の取得結果を反映する際に使う。
func (r *Registry) ReplaceAll(acts []model.Activity) {
	entries := make(map[string]model.Activity, len(acts))
	for _, a := range acts {
		entries[a.ID] = a.Clone()
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
}

// Update はロックを保持したままエントリを変更する。
// エントリが存在しない場合はfalseを返す。
func (r *Registry) Update(id string, fn func(a *model.Activity)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.entries[id]
	if !ok {
		return false
	}
	a = a.Clone()
	fn(&a)
	r.entries[id] = a
	return true
}

// AppendComment はエントリのコメント一覧の末尾にコメントを追加する。
// エントリ全体の置き換えを伴わない唯一の変更経路。
func (r *Registry) AppendComment(id string, c model.Comment) bool {
	return r.Update(id, func(a *model.Activity) {
		a.Comments = append(a.Comments, c)
	})
}

// ActivitiesByDate は日付ごとにグループ化した一覧を返す。
// グループは日付の昇順、グループ内は日時の昇順に並ぶ。呼び出しのたびに再計算する。
func (r *Registry) ActivitiesByDate() []DateGroup {
	values := r.Values()

	var groups []DateGroup
	for _, a := range values {
		day := a.Date.Day()
		if n := len(groups); n > 0 && groups[n-1].Date == day {
			groups[n-1].Activities = append(groups[n-1].Activities, a)
			continue
		}
		groups = append(groups, DateGroup{Date: day, Activities: []model.Activity{a}})
	}
	return groups
}

// sortByDate は日時の昇順に並べる。同時刻の場合はIDで順序を固定する。
func sortByDate(acts []model.Activity) {
	sort.Slice(acts, func(i, j int) bool {
		if !acts[i].Date.Equal(acts[j].Date.Time) {
			return acts[i].Date.Before(acts[j].Date.Time)
		}
		return acts[i].ID < acts[j].ID
	})
}
