package activity

import "sync"

// ViewStateSnapshot は画面表示用の状態のスナップショット。
type ViewStateSnapshot struct {
	LoadingInitial bool
	Submitting     bool
	Target         string // 処理中の対象ID（削除ボタンのスピナー表示などに使う）
	SelectedID     string
	LastError      error
}

// ViewState は一覧・詳細画面が参照する読み込み中フラグや選択状態を保持する。
// 変更はStoreとQueryのみが行い、画面側はSnapshotで読み取る。
type ViewState struct {
	mu sync.RWMutex
	s  ViewStateSnapshot
}

// Snapshot は現在の状態のコピーを返す。
func (v *ViewState) Snapshot() ViewStateSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.s
}

func (v *ViewState) setLoadingInitial(b bool) {
	v.mu.Lock()
	v.s.LoadingInitial = b
	v.mu.Unlock()
}

func (v *ViewState) beginSubmit(target string) {
	v.mu.Lock()
	v.s.Submitting = true
	v.s.Target = target
	v.mu.Unlock()
}

func (v *ViewState) endSubmit() {
	v.mu.Lock()
	v.s.Submitting = false
	v.s.Target = ""
	v.mu.Unlock()
}

func (v *ViewState) setSelected(id string) {
	v.mu.Lock()
	v.s.SelectedID = id
	v.mu.Unlock()
}

// setError は直近のエラーを記録する。nilでクリアする。
func (v *ViewState) setError(err error) {
	v.mu.Lock()
	v.s.LastError = err
	v.mu.Unlock()
}
