// Package api はアクティビティAPIサーバーとのHTTP通信を提供する。
// 全てのリクエストにアクセストークンを付与し、レスポンスのエラー分類・
// ナビゲーション・通知・401時の再送を一箇所で行う。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/activitysync/internal/metrics"
	"github.com/hitoshi/activitysync/internal/model"
)

// 画面遷移先
const (
	RouteHome       = "/"
	RouteNotFound   = "/notfound"
	RouteActivities = "/activities"
)

// 通知メッセージ
const (
	MsgNetworkError   = "Network error"
	MsgServerError    = "Server error"
	MsgSessionExpired = "Your session has expired, please login again"
)

// maxResponseBytes はレスポンスボディの読み取り上限。
const maxResponseBytes = 4 << 20

// TokenSource はリクエストに付与するトークンの供給元。
// auth.Manager が実装する。
type TokenSource interface {
	AccessToken() string
	Renew(ctx context.Context, rejected string) (string, error)
}

// Navigator は画面遷移の副作用を受け取る。
type Navigator interface {
	Navigate(route string)
}

// Notifier はユーザー向けの通知（トースト）を受け取る。
type Notifier interface {
	Error(message string)
	Info(message string)
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithNavigator は画面遷移の通知先を設定する。
func WithNavigator(n Navigator) Option {
	return func(c *Client) {
		if n != nil {
			c.navigator = n
		}
	}
}

// WithNotifier はユーザー通知の送り先を設定する。
func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithRateLimit は送信レートの上限（req/sec）を設定する。limitが0以下の場合は無制限。
func WithRateLimit(limit float64, burst int) Option {
	return func(c *Client) {
		if limit <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// Client はAPIサーバーのHTTPクライアント。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	navigator  Navigator
	notifier   Notifier
	metrics    metrics.MetricsCollector
	limiter    *rate.Limiter
	tokens     TokenSource
}

// NewClient はClientを生成する。
// httpClientのTransportはリクエストログを出力するRoundTripperでラップされる。
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	hc := *httpClient
	hc.Transport = NewLoggingTransport(httpClient.Transport, logger)

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &hc,
		logger:     logger,
		navigator:  logNavigator{logger: logger},
		notifier:   logNotifier{logger: logger},
		metrics:    metrics.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AttachTokens はトークンの供給元を設定する。
// auth.Manager はClientを更新APIとして使うため、生成後に接続する。
func (c *Client) AttachTokens(ts TokenSource) {
	c.tokens = ts
}

// Get はGETリクエストを送り、レスポンスをoutにデコードする。
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, nil, "", out)
}

// GetWithQuery はクエリパラメータ付きのGETリクエストを送る。
func (c *Client) GetWithQuery(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, "", out)
}

// Post はbodyをJSONとして送信する。
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

// Put はbodyをJSONとして送信する。
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, body, out)
}

// Delete はDELETEリクエストを送る。
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, "", out)
}

// PostForm はファイルをmultipart/form-dataのfieldとして送信する。
func (c *Client) PostForm(ctx context.Context, path, field, filename string, r io.Reader, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, buf.Bytes(), w.FormDataContentType(), out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if body == nil {
		body = struct{}{}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.do(ctx, method, path, nil, data, "application/json", out)
}

// do はリクエストを送信し、レスポンスを分類する。
// 401を受けた場合はトークンを更新して1回だけ再送する。
// 更新エンドポイント自体の401は再送しない。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, contentType string, out any) error {
	retried := false
	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		token := c.accessToken()
		status, data, err := c.send(ctx, method, path, query, body, contentType, token)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.notifier.Error(MsgNetworkError)
			return model.NewNetworkError(method, path, err)
		}

		if status == http.StatusUnauthorized && isRefreshPath(path) {
			c.navigator.Navigate(RouteHome)
			c.notifier.Info(MsgSessionExpired)
			return model.NewSessionExpiredError(model.NewStatusError(method, path, status, decodeErrors(data)))
		}

		// トークンなしの401（ログイン失敗など）は更新せずにそのまま返す
		if status == http.StatusUnauthorized && !retried && c.tokens != nil && token != "" {
			retried = true
			if _, err := c.tokens.Renew(ctx, token); err != nil {
				return err
			}
			c.metrics.RecordReplay()
			c.logger.Info("トークン更新後にリクエストを再送します",
				slog.String("method", method),
				slog.String("path", path),
			)
			continue
		}

		if status >= 200 && status < 300 {
			return decodeBody(data, out)
		}
		return c.classify(method, path, status, data)
	}
}

// classify は2xx以外のレスポンスをエラーに変換し、必要な副作用を起こす。
func (c *Client) classify(method, path string, status int, data []byte) error {
	payload := decodeErrors(data)

	switch {
	case status == http.StatusNotFound:
		c.navigator.Navigate(RouteNotFound)
		return model.NewNotFoundError(method, path, status, payload)
	case status == http.StatusBadRequest && method == http.MethodGet && hasKey(payload, "id"):
		c.navigator.Navigate(RouteNotFound)
		return model.NewNotFoundError(method, path, status, payload)
	case status >= http.StatusInternalServerError:
		c.notifier.Error(MsgServerError)
	}
	return model.NewStatusError(method, path, status, payload)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte, contentType, token string) (int, []byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordRequestLatency(time.Since(start))
	if err != nil {
		c.metrics.RecordRequest(method, 0)
		return 0, nil, err
	}
	defer resp.Body.Close()
	c.metrics.RecordRequest(method, resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) accessToken() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.AccessToken()
}

func isRefreshPath(path string) bool {
	return strings.HasSuffix(path, "refresh")
}

func decodeBody(data []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeErrors はエラーレスポンスのペイロードを取り出す。
// errorsフィールドがオブジェクトであればその中身を、そうでなければボディ全体を返す。
func decodeErrors(data []byte) map[string]any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return map[string]any{"message": string(data)}
	}
	if inner, ok := body["errors"].(map[string]any); ok {
		return inner
	}
	return body
}

func hasKey(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	for k := range m {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// RefreshToken はトークンの組を更新する。auth.Renewer を実装する。
func (c *Client) RefreshToken(ctx context.Context, creds model.Credentials) (model.Credentials, error) {
	return c.Users().RefreshToken(ctx, creds)
}

// logNavigator はナビゲーションをログ出力のみで扱うデフォルト実装。
type logNavigator struct{ logger *slog.Logger }

func (n logNavigator) Navigate(route string) {
	n.logger.Info("navigate", slog.String("route", route))
}

// logNotifier は通知をログ出力のみで扱うデフォルト実装。
type logNotifier struct{ logger *slog.Logger }

func (n logNotifier) Error(message string) {
	n.logger.Error("notify", slog.String("message", message))
}

func (n logNotifier) Info(message string) {
	n.logger.Info("notify", slog.String("message", message))
}
