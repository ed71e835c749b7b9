// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout はサーバーとやり取りする日時のフォーマット。
// タイムゾーンを持たないローカル日時として扱う。
const DateLayout = "2006-01-02T15:04:05"

// LocalTime はタイムゾーンを持たない日時を表す。
// 小数秒とタイムゾーン指定子はパース時に切り捨てる。
type LocalTime struct {
	time.Time
}

// NewLocalTime はtime.TimeからLocalTimeを生成する。
func NewLocalTime(t time.Time) LocalTime {
	return LocalTime{Time: time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)}
}

// ParseLocalTime はサーバー形式の日時文字列をパースする。
func ParseLocalTime(s string) (LocalTime, error) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, "Z")
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return LocalTime{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return LocalTime{Time: t}, nil
}

// MarshalJSON はDateLayout形式で出力する。
func (t LocalTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(DateLayout))
}

// UnmarshalJSON はDateLayout形式（小数秒付きも可）を受け付ける。
func (t *LocalTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = LocalTime{}
		return nil
	}
	parsed, err := ParseLocalTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Day は日付部分のみを "2006-01-02" 形式で返す。
func (t LocalTime) Day() string {
	return t.Format("2006-01-02")
}

// Activity はイベント（アクティビティ）を表す。
// IsGoing / IsHost は現在のログインユーザーを基準に算出される派生フラグ。
type Activity struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Date        LocalTime  `json:"date"`
	City        string     `json:"city"`
	Venue       string     `json:"venue"`
	IsGoing     bool       `json:"isGoing"`
	IsHost      bool       `json:"isHost"`
	Attendees   []Attendee `json:"attendees"`
	Comments    []Comment  `json:"comments"`
}

// Attendee はアクティビティの参加者を表す。
type Attendee struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Image       string `json:"image,omitempty"`
	IsHost      bool   `json:"isHost"`
	Following   bool   `json:"following"`
	Online      bool   `json:"online,omitempty"`
}

// Comment はアクティビティへのコメントを表す。
// ActivityID はリアルタイム配信時のみ設定されることがある。
type Comment struct {
	ID          string    `json:"id"`
	Body        string    `json:"body"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Image       string    `json:"image,omitempty"`
	CreatedAt   LocalTime `json:"createdAt"`
	ActivityID  string    `json:"activityId,omitempty"`
}

// ActivitiesEnvelope は一覧APIのレスポンス。
// ActivityCount はフィルタ条件に一致する全件数で、サーバーが算出する。
type ActivitiesEnvelope struct {
	Activities    []Activity `json:"activities"`
	ActivityCount int        `json:"activityCount"`
}

// Clone はスライスを含めてActivityをディープコピーする。
func (a Activity) Clone() Activity {
	c := a
	if a.Attendees != nil {
		c.Attendees = make([]Attendee, len(a.Attendees))
		copy(c.Attendees, a.Attendees)
	}
	if a.Comments != nil {
		c.Comments = make([]Comment, len(a.Comments))
		copy(c.Comments, a.Comments)
	}
	return c
}

// Host はホスト参加者を返す。存在しない場合はfalseを返す。
func (a Activity) Host() (Attendee, bool) {
	for _, at := range a.Attendees {
		if at.IsHost {
			return at, true
		}
	}
	return Attendee{}, false
}

// FindAttendee はユーザー名に一致する参加者のインデックスを返す。見つからない場合は-1。
func (a Activity) FindAttendee(username string) int {
	for i, at := range a.Attendees {
		if at.Username == username {
			return i
		}
	}
	return -1
}
