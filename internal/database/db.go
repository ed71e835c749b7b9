package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open はローカルのSQLiteデータベースファイルを開く。
// 認証情報などクライアント側で永続化する値の保存先として使用する。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLiteは単一ライターのため接続を1本に絞る
	db.SetMaxOpenConns(1)

	return db, nil
}
