package app

import (
	"fmt"
	"strconv"

	"github.com/hitoshi/activitysync/internal/activity"
)

// Command はCLIのサブコマンドを表す。
type Command string

const (
	// CommandActivities はアクティビティ一覧を日付ごとに表示する。
	CommandActivities Command = "activities"
	// CommandWatch はアクティビティのコメントをリアルタイムで表示し続ける。
	CommandWatch Command = "watch"
	// CommandLogin はメールアドレスとパスワードでログインし、認証情報を保存する。
	CommandLogin Command = "login"
	// CommandLogout は保存済みの認証情報を破棄する。
	CommandLogout Command = "logout"
)

// ParseCommand はコマンドライン引数からサブコマンドと残りの引数を解析する。
// 引数が空またはサポート外のコマンドの場合はCommandActivitiesとして扱い、
// 引数はすべて一覧表示の引数として返す。
func ParseCommand(args []string) (Command, []string) {
	if len(args) == 0 {
		return CommandActivities, nil
	}

	switch Command(args[0]) {
	case CommandActivities, CommandWatch, CommandLogin, CommandLogout:
		return Command(args[0]), args[1:]
	default:
		return CommandActivities, args
	}
}

// activitiesArgs は activities コマンドの引数。
type activitiesArgs struct {
	page      int
	predicate activity.Predicate
	value     string
}

// parseActivitiesArgs は [page] [predicate] [value] 形式の引数を解析する。
// ページ番号は省略時0、絞り込み条件は省略時all。
func parseActivitiesArgs(args []string) (activitiesArgs, error) {
	out := activitiesArgs{predicate: activity.PredicateAll}

	if len(args) > 0 {
		if page, err := strconv.Atoi(args[0]); err == nil {
			if page < 0 {
				return activitiesArgs{}, fmt.Errorf("page must not be negative: %d", page)
			}
			out.page = page
			args = args[1:]
		}
	}

	if len(args) > 0 {
		p, err := activity.ParsePredicate(args[0])
		if err != nil {
			return activitiesArgs{}, err
		}
		out.predicate = p
		args = args[1:]
	}

	if out.predicate == activity.PredicateStartDate {
		if len(args) == 0 {
			return activitiesArgs{}, fmt.Errorf("startDate requires a value")
		}
		out.value = args[0]
		args = args[1:]
	}

	if len(args) > 0 {
		return activitiesArgs{}, fmt.Errorf("unexpected arguments: %v", args)
	}
	return out, nil
}
