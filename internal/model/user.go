// Package model はドメインモデルを定義する。
package model

// User はログイン中のユーザーを表す。
// Token / RefreshToken はログイン・登録APIのレスポンスに含まれる。
type User struct {
	Username     string `json:"username"`
	DisplayName  string `json:"displayName"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	Image        string `json:"image,omitempty"`
}

// UserFormValues はログイン・登録フォームの入力値。
type UserFormValues struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
	Username    string `json:"username,omitempty"`
}

// Credentials はアクセストークンとリフレッシュトークンの組。
type Credentials struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// IsZero はトークンが1つも保持されていない場合にtrueを返す。
func (c Credentials) IsZero() bool {
	return c.Token == "" && c.RefreshToken == ""
}

// Profile はユーザープロフィールを表す。
type Profile struct {
	Username       string  `json:"username"`
	DisplayName    string  `json:"displayName"`
	Bio            string  `json:"bio,omitempty"`
	Image          string  `json:"image,omitempty"`
	Following      bool    `json:"following"`
	FollowersCount int     `json:"followersCount"`
	FollowingCount int     `json:"followingCount"`
	Photos         []Photo `json:"photos,omitempty"`
}

// Photo はプロフィール写真を表す。
type Photo struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	IsMain bool   `json:"isMain"`
}

// UserActivity はプロフィール画面で一覧表示するアクティビティの要約。
type UserActivity struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Category string    `json:"category"`
	Date     LocalTime `json:"date"`
}
