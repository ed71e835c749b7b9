package api

import (
	"context"
	"io"
	"net/url"

	"github.com/hitoshi/activitysync/internal/model"
)

// ProfileUpdate はプロフィール更新の入力値。
type ProfileUpdate struct {
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio,omitempty"`
}

// ProfilesAPI はプロフィール・写真関連のエンドポイント。
type ProfilesAPI struct {
	c *Client
}

// Profiles はプロフィール・写真関連のエンドポイントを返す。
func (c *Client) Profiles() *ProfilesAPI {
	return &ProfilesAPI{c: c}
}

func (p *ProfilesAPI) Get(ctx context.Context, username string) (model.Profile, error) {
	var profile model.Profile
	if err := p.c.Get(ctx, profilePath(username), &profile); err != nil {
		return model.Profile{}, err
	}
	return profile, nil
}

// UploadPhoto は写真をmultipartのFileフィールドとして送信する。
func (p *ProfilesAPI) UploadPhoto(ctx context.Context, filename string, r io.Reader) (model.Photo, error) {
	var photo model.Photo
	if err := p.c.PostForm(ctx, "/photos", "File", filename, r, &photo); err != nil {
		return model.Photo{}, err
	}
	return photo, nil
}

func (p *ProfilesAPI) SetMainPhoto(ctx context.Context, id string) error {
	return p.c.Post(ctx, "/photos/"+url.PathEscape(id)+"/setMain", nil, nil)
}

func (p *ProfilesAPI) DeletePhoto(ctx context.Context, id string) error {
	return p.c.Delete(ctx, "/photos/"+url.PathEscape(id), nil)
}

func (p *ProfilesAPI) UpdateProfile(ctx context.Context, update ProfileUpdate) error {
	return p.c.Put(ctx, "/profiles", update, nil)
}

func (p *ProfilesAPI) Follow(ctx context.Context, username string) error {
	return p.c.Post(ctx, profilePath(username)+"/follow", nil, nil)
}

func (p *ProfilesAPI) Unfollow(ctx context.Context, username string) error {
	return p.c.Delete(ctx, profilePath(username)+"/follow", nil)
}

// ListFollowings はフォロー中（predicate=following）またはフォロワー（followers）を取得する。
func (p *ProfilesAPI) ListFollowings(ctx context.Context, username, predicate string) ([]model.Profile, error) {
	var profiles []model.Profile
	q := url.Values{"predicate": {predicate}}
	if err := p.c.GetWithQuery(ctx, profilePath(username)+"/follow", q, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// ListActivities はユーザーの参加・主催アクティビティを取得する。
func (p *ProfilesAPI) ListActivities(ctx context.Context, username, predicate string) ([]model.UserActivity, error) {
	var activities []model.UserActivity
	q := url.Values{"predicate": {predicate}}
	if err := p.c.GetWithQuery(ctx, profilePath(username)+"/activities", q, &activities); err != nil {
		return nil, err
	}
	return activities, nil
}

func profilePath(username string) string {
	return "/profiles/" + url.PathEscape(username)
}
