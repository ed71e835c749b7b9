package api

import (
	"context"
	"fmt"

	"github.com/hitoshi/activitysync/internal/model"
)

// RefreshPath はトークン更新エンドポイントのパス。
const RefreshPath = "/user/refresh"

// UsersAPI はユーザー認証関連のエンドポイント。
type UsersAPI struct {
	c *Client
}

// Users はユーザー認証関連のエンドポイントを返す。
func (c *Client) Users() *UsersAPI {
	return &UsersAPI{c: c}
}

// Current は GET /user でログイン中のユーザーを取得する。
func (u *UsersAPI) Current(ctx context.Context) (model.User, error) {
	var user model.User
	if err := u.c.Get(ctx, "/user", &user); err != nil {
		return model.User{}, err
	}
	return user, nil
}

// Login は POST /user/login でログインする。
func (u *UsersAPI) Login(ctx context.Context, form model.UserFormValues) (model.User, error) {
	var user model.User
	if err := u.c.Post(ctx, "/user/login", form, &user); err != nil {
		return model.User{}, err
	}
	return user, nil
}

// Register は POST /user/register でユーザーを登録する。
func (u *UsersAPI) Register(ctx context.Context, form model.UserFormValues) (model.User, error) {
	var user model.User
	if err := u.c.Post(ctx, "/user/register", form, &user); err != nil {
		return model.User{}, err
	}
	return user, nil
}

// FacebookLogin は POST /user/facebook でFacebookのアクセストークンを使ってログインする。
func (u *UsersAPI) FacebookLogin(ctx context.Context, accessToken string) (model.User, error) {
	var user model.User
	body := map[string]string{"accessToken": accessToken}
	if err := u.c.Post(ctx, "/user/facebook", body, &user); err != nil {
		return model.User{}, err
	}
	return user, nil
}

// RefreshToken は POST /user/refresh でトークンの組を更新する。
func (u *UsersAPI) RefreshToken(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
	var out model.Credentials
	if err := u.c.Post(ctx, RefreshPath, creds, &out); err != nil {
		return model.Credentials{}, err
	}
	if out.Token == "" {
		return model.Credentials{}, fmt.Errorf("refresh response has no token")
	}
	return out, nil
}
