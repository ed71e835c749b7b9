package api

import (
	"context"
	"net/url"

	"github.com/hitoshi/activitysync/internal/model"
)

// ActivitiesAPI はアクティビティ関連のエンドポイント。
type ActivitiesAPI struct {
	c *Client
}

// Activities はアクティビティ関連のエンドポイントを返す。
func (c *Client) Activities() *ActivitiesAPI {
	return &ActivitiesAPI{c: c}
}

// List は GET /activities でページ単位の一覧と全件数を取得する。
func (a *ActivitiesAPI) List(ctx context.Context, params url.Values) (model.ActivitiesEnvelope, error) {
	var env model.ActivitiesEnvelope
	if err := a.c.GetWithQuery(ctx, "/activities", params, &env); err != nil {
		return model.ActivitiesEnvelope{}, err
	}
	return env, nil
}

// Details は GET /activities/{id} でアクティビティ詳細を取得する。
func (a *ActivitiesAPI) Details(ctx context.Context, id string) (model.Activity, error) {
	var act model.Activity
	if err := a.c.Get(ctx, activityPath(id), &act); err != nil {
		return model.Activity{}, err
	}
	return act, nil
}

// Create は POST /activities でアクティビティを作成する。
func (a *ActivitiesAPI) Create(ctx context.Context, act model.Activity) error {
	return a.c.Post(ctx, "/activities", act, nil)
}

// Edit は PUT /activities/{id} でアクティビティを丸ごと置き換える。
func (a *ActivitiesAPI) Edit(ctx context.Context, act model.Activity) error {
	return a.c.Put(ctx, activityPath(act.ID), act, nil)
}

// Delete は DELETE /activities/{id} でアクティビティを削除する。
func (a *ActivitiesAPI) Delete(ctx context.Context, id string) error {
	return a.c.Delete(ctx, activityPath(id), nil)
}

// Attend は POST /activities/{id}/attend で参加登録する。
func (a *ActivitiesAPI) Attend(ctx context.Context, id string) error {
	return a.c.Post(ctx, activityPath(id)+"/attend", nil, nil)
}

// Unattend は DELETE /activities/{id}/attend で参加を取り消す。
func (a *ActivitiesAPI) Unattend(ctx context.Context, id string) error {
	return a.c.Delete(ctx, activityPath(id)+"/attend", nil)
}

func activityPath(id string) string {
	return "/activities/" + url.PathEscape(id)
}
