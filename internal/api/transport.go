package api

import (
	"log/slog"
	"net/http"
	"time"
)

// loggingTransport は送信したリクエストのJSON構造化ログを出力するRoundTripper。
type loggingTransport struct {
	base   http.RoundTripper
	logger *slog.Logger
}

// NewLoggingTransport はbaseをラップし、method、path、status、duration_ms を記録する。
// baseがnilの場合はhttp.DefaultTransportを使う。
func NewLoggingTransport(base http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{base: base, logger: logger}
}

// RoundTrip はリクエストを委譲し、結果をログに出力する。
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	durationMs := float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)

	args := []any{
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Float64("duration_ms", durationMs),
	}

	if err != nil {
		args = append(args, slog.String("error", err.Error()))
		t.logger.Log(req.Context(), slog.LevelError, "api_request", args...)
		return nil, err
	}

	args = append(args, slog.Int("status", resp.StatusCode))

	// ステータスコードに応じてログレベルを変える
	level := slog.LevelInfo
	if resp.StatusCode >= 500 {
		level = slog.LevelError
	} else if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}

	t.logger.Log(req.Context(), level, "api_request", args...)
	return resp, nil
}
