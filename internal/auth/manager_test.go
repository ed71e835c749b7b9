package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/activitysync/internal/model"
	"github.com/hitoshi/activitysync/internal/repository"
)

// --- モック定義 ---

type mockRenewer struct {
	calls          atomic.Int32
	refreshTokenFn func(ctx context.Context, creds model.Credentials) (model.Credentials, error)
}

func (m *mockRenewer) RefreshToken(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
	m.calls.Add(1)
	return m.refreshTokenFn(ctx, creds)
}

type recordingMetrics struct {
	mu       sync.Mutex
	renewals []string
}

func (r *recordingMetrics) RecordRequest(string, int)          {}
func (r *recordingMetrics) RecordRequestLatency(time.Duration) {}
func (r *recordingMetrics) RecordReplay()                      {}
func (r *recordingMetrics) RecordRealtimeEvent(string)         {}
func (r *recordingMetrics) SetRealtimeState(string)            {}
func (r *recordingMetrics) RecordTokenRenewal(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renewals = append(r.renewals, outcome)
}

func (r *recordingMetrics) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.renewals {
		if o == outcome {
			n++
		}
	}
	return n
}

// --- ヘルパー ---

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mintToken(t *testing.T, username string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"nameid": username}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func newTestManager(t *testing.T, initial model.Credentials, renewer Renewer, opts ...Option) (*Manager, *repository.MemoryCredentialRepo) {
	t.Helper()
	repo := repository.NewMemoryCredentialRepo(initial)
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	m := NewManager(repo, renewer, discardLogger(), opts...)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return m, repo
}

// --- テスト ---

func TestStart_LoadsPersistedCredentials(t *testing.T) {
	token := mintToken(t, "bob", testNow.Add(time.Hour))
	m, _ := newTestManager(t, model.Credentials{Token: token, RefreshToken: "r1"}, &mockRenewer{})

	if got := m.AccessToken(); got != token {
		t.Errorf("AccessToken = %q, want stored token", got)
	}
	if got := m.Credentials().RefreshToken; got != "r1" {
		t.Errorf("RefreshToken = %q, want %q", got, "r1")
	}
}

func TestValidAccessToken_NoCredentials_ReturnsError(t *testing.T) {
	m, _ := newTestManager(t, model.Credentials{}, &mockRenewer{})

	_, err := m.ValidAccessToken(context.Background())
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestValidAccessToken_FreshToken_NoRenewal(t *testing.T) {
	token := mintToken(t, "bob", testNow.Add(10*time.Minute))
	renewer := &mockRenewer{}
	m, _ := newTestManager(t, model.Credentials{Token: token, RefreshToken: "r1"}, renewer)

	got, err := m.ValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != token {
		t.Errorf("token changed unexpectedly")
	}
	if renewer.calls.Load() != 0 {
		t.Errorf("renewer called %d times, want 0", renewer.calls.Load())
	}
}

func TestValidAccessToken_TokenWithoutExp_TreatedAsValid(t *testing.T) {
	token := mintToken(t, "bob", time.Time{})
	renewer := &mockRenewer{}
	m, _ := newTestManager(t, model.Credentials{Token: token}, renewer)

	got, err := m.ValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != token || renewer.calls.Load() != 0 {
		t.Errorf("token without exp should be returned as-is without renewal")
	}
}

func TestValidAccessToken_WithinMargin_RenewsAndPersists(t *testing.T) {
	oldToken := mintToken(t, "bob", testNow.Add(3*time.Second))
	newToken := mintToken(t, "bob", testNow.Add(time.Hour))
	renewer := &mockRenewer{
		refreshTokenFn: func(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
			if creds.RefreshToken != "r1" {
				t.Errorf("refresh token = %q, want %q", creds.RefreshToken, "r1")
			}
			return model.Credentials{Token: newToken, RefreshToken: "r2"}, nil
		},
	}
	rec := &recordingMetrics{}
	m, repo := newTestManager(t, model.Credentials{Token: oldToken, RefreshToken: "r1"}, renewer, WithMetrics(rec))

	got, err := m.ValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != newToken {
		t.Errorf("expected renewed token")
	}

	stored, _ := repo.Load(context.Background())
	if stored.Token != newToken || stored.RefreshToken != "r2" {
		t.Errorf("stored credentials = %+v, want renewed pair", stored)
	}
	if rec.count("success") != 1 {
		t.Errorf("success renewals = %d, want 1", rec.count("success"))
	}
}

func TestValidAccessToken_ExpiredToken_KeepsRefreshTokenWhenResponseOmitsIt(t *testing.T) {
	oldToken := mintToken(t, "bob", testNow.Add(-time.Minute))
	newToken := mintToken(t, "bob", testNow.Add(time.Hour))
	renewer := &mockRenewer{
		refreshTokenFn: func(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
			return model.Credentials{Token: newToken}, nil
		},
	}
	m, _ := newTestManager(t, model.Credentials{Token: oldToken, RefreshToken: "r1"}, renewer)

	if _, err := m.ValidAccessToken(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.Credentials().RefreshToken; got != "r1" {
		t.Errorf("RefreshToken = %q, want %q", got, "r1")
	}
}

func TestValidAccessToken_UndecodableToken_ForcesRenewal(t *testing.T) {
	newToken := mintToken(t, "bob", testNow.Add(time.Hour))
	renewer := &mockRenewer{
		refreshTokenFn: func(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
			return model.Credentials{Token: newToken, RefreshToken: "r2"}, nil
		},
	}
	m, _ := newTestManager(t, model.Credentials{Token: "not-a-jwt", RefreshToken: "r1"}, renewer)

	got, err := m.ValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != newToken {
		t.Errorf("expected renewed token")
	}
}

func TestValidAccessToken_ConcurrentCallers_SingleRenewal(t *testing.T) {
	oldToken := mintToken(t, "bob", testNow.Add(-time.Minute))
	newToken := mintToken(t, "bob", testNow.Add(time.Hour))
	release := make(chan struct{})
	renewer := &mockRenewer{
		refreshTokenFn: func(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
			<-release
			return model.Credentials{Token: newToken, RefreshToken: "r2"}, nil
		},
	}
	m, _ := newTestManager(t, model.Credentials{Token: oldToken, RefreshToken: "r1"}, renewer)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.ValidAccessToken(context.Background())
		}(i)
	}

	// 最初の呼び出しが更新処理に入るまで待つ
	deadline := time.After(2 * time.Second)
	for renewer.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("renewal was never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	wg.Wait()

	if renewer.calls.Load() != 1 {
		t.Errorf("renewer called %d times, want 1", renewer.calls.Load())
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error: %v", i, errs[i])
		}
		if results[i] != newToken {
			t.Errorf("caller %d: did not receive renewed token", i)
		}
	}
}

func TestValidAccessToken_RenewalRejected_ExpiresSession(t *testing.T) {
	oldToken := mintToken(t, "bob", testNow.Add(-time.Minute))
	renewer := &mockRenewer{
		refreshTokenFn: func(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
			return model.Credentials{}, model.NewStatusError("POST", "/user/refresh", 401, nil)
		},
	}
	rec := &recordingMetrics{}
	m, repo := newTestManager(t, model.Credentials{Token: oldToken, RefreshToken: "r1"}, renewer, WithMetrics(rec))

	var notified atomic.Int32
	m.OnSessionExpired(func() { notified.Add(1) })

	_, err := m.ValidAccessToken(context.Background())
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Fatalf("expected session expired error, got %v", err)
	}
	if notified.Load() != 1 {
		t.Errorf("subscribers notified %d times, want 1", notified.Load())
	}
	if m.AccessToken() != "" {
		t.Errorf("in-memory token should be cleared")
	}
	stored, _ := repo.Load(context.Background())
	if !stored.IsZero() {
		t.Errorf("stored credentials should be cleared, got %+v", stored)
	}
	if rec.count("rejected") != 1 {
		t.Errorf("rejected renewals = %d, want 1", rec.count("rejected"))
	}
}

func TestValidAccessToken_NetworkError_KeepsCredentials(t *testing.T) {
	oldToken := mintToken(t, "bob", testNow.Add(-time.Minute))
	renewer := &mockRenewer{
		refreshTokenFn: func(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
			return model.Credentials{}, model.NewNetworkError("POST", "/user/refresh", errors.New("connection refused"))
		},
	}
	m, repo := newTestManager(t, model.Credentials{Token: oldToken, RefreshToken: "r1"}, renewer)

	var notified atomic.Int32
	m.OnSessionExpired(func() { notified.Add(1) })

	_, err := m.ValidAccessToken(context.Background())
	if !errors.Is(err, model.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if notified.Load() != 0 {
		t.Errorf("subscribers should not be notified on network error")
	}
	if m.AccessToken() != oldToken {
		t.Errorf("credentials should be kept on network error")
	}
	stored, _ := repo.Load(context.Background())
	if stored.Token != oldToken {
		t.Errorf("stored credentials should be kept on network error")
	}
}

func TestRenew_StaleRejectedToken_ReturnsCurrentWithoutCall(t *testing.T) {
	current := mintToken(t, "bob", testNow.Add(time.Hour))
	renewer := &mockRenewer{}
	rec := &recordingMetrics{}
	m, _ := newTestManager(t, model.Credentials{Token: current, RefreshToken: "r2"}, renewer, WithMetrics(rec))

	got, err := m.Renew(context.Background(), "older-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != current {
		t.Errorf("expected current token")
	}
	if renewer.calls.Load() != 0 {
		t.Errorf("renewer called %d times, want 0", renewer.calls.Load())
	}
	if rec.count("shared") != 1 {
		t.Errorf("shared renewals = %d, want 1", rec.count("shared"))
	}
}

func TestRenew_RejectedTokenIsCurrent_ForcesRenewal(t *testing.T) {
	current := mintToken(t, "bob", testNow.Add(time.Hour))
	newToken := mintToken(t, "bob", testNow.Add(2*time.Hour))
	renewer := &mockRenewer{
		refreshTokenFn: func(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
			return model.Credentials{Token: newToken, RefreshToken: "r3"}, nil
		},
	}
	m, _ := newTestManager(t, model.Credentials{Token: current, RefreshToken: "r2"}, renewer)

	got, err := m.Renew(context.Background(), current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != newToken {
		t.Errorf("expected renewed token")
	}
	if renewer.calls.Load() != 1 {
		t.Errorf("renewer called %d times, want 1", renewer.calls.Load())
	}
}

func TestRenew_NoCredentials_ReturnsSessionExpired(t *testing.T) {
	m, _ := newTestManager(t, model.Credentials{}, &mockRenewer{})

	_, err := m.Renew(context.Background(), "whatever")
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Fatalf("expected session expired error, got %v", err)
	}
}

func TestRenew_CallerCancelled_ReturnsContextError(t *testing.T) {
	oldToken := mintToken(t, "bob", testNow.Add(-time.Minute))
	release := make(chan struct{})
	defer close(release)
	renewer := &mockRenewer{
		refreshTokenFn: func(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
			<-release
			return model.Credentials{Token: "x"}, nil
		},
	}
	m, _ := newTestManager(t, model.Credentials{Token: oldToken, RefreshToken: "r1"}, renewer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ValidAccessToken(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSetCredentialsAndClear(t *testing.T) {
	m, repo := newTestManager(t, model.Credentials{}, &mockRenewer{})
	ctx := context.Background()

	var notified atomic.Int32
	m.OnSessionExpired(func() { notified.Add(1) })

	if err := m.SetCredentials(ctx, model.Credentials{Token: "t1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("SetCredentials failed: %v", err)
	}
	stored, _ := repo.Load(ctx)
	if stored.Token != "t1" || stored.RefreshToken != "r1" {
		t.Errorf("stored = %+v, want t1/r1", stored)
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if m.AccessToken() != "" {
		t.Errorf("token should be cleared")
	}
	stored, _ = repo.Load(ctx)
	if !stored.IsZero() {
		t.Errorf("stored credentials should be cleared")
	}
	// ログアウトはセッション失効通知の対象外
	if notified.Load() != 0 {
		t.Errorf("logout should not notify session expiry subscribers")
	}
}

func TestOnSessionExpired_Unsubscribe(t *testing.T) {
	oldToken := mintToken(t, "bob", testNow.Add(-time.Minute))
	renewer := &mockRenewer{
		refreshTokenFn: func(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
			return model.Credentials{}, model.NewStatusError("POST", "/user/refresh", 400, nil)
		},
	}
	m, _ := newTestManager(t, model.Credentials{Token: oldToken, RefreshToken: "r1"}, renewer)

	var notified atomic.Int32
	unsubscribe := m.OnSessionExpired(func() { notified.Add(1) })
	unsubscribe()

	_, _ = m.ValidAccessToken(context.Background())
	if notified.Load() != 0 {
		t.Errorf("unsubscribed callback should not be called")
	}
}

func TestTokenSubject(t *testing.T) {
	token := mintToken(t, "bob", testNow.Add(time.Hour))
	if got := TokenSubject(token); got != "bob" {
		t.Errorf("TokenSubject = %q, want %q", got, "bob")
	}
	if got := TokenSubject("garbage"); got != "" {
		t.Errorf("TokenSubject(garbage) = %q, want empty", got)
	}
}
