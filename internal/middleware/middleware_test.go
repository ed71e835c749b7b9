package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// TestLoggingMiddleware_LogsRequestFields はリクエストログに必要なフィールドが含まれることを検証する。
func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer

	handler := NewLoggingMiddleware(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}

	if entry["method"] != "GET" {
		t.Errorf("method = %q, want %q", entry["method"], "GET")
	}
	if entry["path"] != "/metrics" {
		t.Errorf("path = %q, want %q", entry["path"], "/metrics")
	}
	if status, ok := entry["status"].(float64); !ok || status != 200 {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if n, ok := entry["bytes"].(float64); !ok || n != 2 {
		t.Errorf("bytes = %v, want 2", entry["bytes"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected 'duration_ms' field in log entry")
	}
	if entry["level"] != "DEBUG" {
		t.Errorf("level = %q, want DEBUG", entry["level"])
	}
}

// TestLoggingMiddleware_LevelByStatus はステータスに応じてログレベルが変わることを検証する。
func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusNotFound, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		handler := NewLoggingMiddleware(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

		var entry map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("failed to parse JSON log: %v", err)
		}
		if entry["level"] != tt.want {
			t.Errorf("status %d: level = %q, want %q", tt.status, entry["level"], tt.want)
		}
	}
}

// TestRecoveryMiddleware_RecoversPanic はpanicが500レスポンスに変換されることを検証する。
func TestRecoveryMiddleware_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware(newJSONLogger(&buf)))
	r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("panic should be logged, got: %s", buf.String())
	}
}

// TestRecoveryMiddleware_ResponseStarted_KeepsStatus は書き込み開始後のpanicでステータスを書き直さないことを検証する。
func TestRecoveryMiddleware_ResponseStarted_KeepsStatus(t *testing.T) {
	var buf bytes.Buffer

	handler := NewRecoveryMiddleware(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# partial"))
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "Internal Server Error") {
		t.Errorf("body should not contain an error page: %q", w.Body.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v", err)
	}
	if entry["response_started"] != true {
		t.Errorf("response_started = %v, want true", entry["response_started"])
	}
}

// TestRecoveryMiddleware_AbortHandlerRepanics はhttp.ErrAbortHandlerを回復しないことを検証する。
func TestRecoveryMiddleware_AbortHandlerRepanics(t *testing.T) {
	var buf bytes.Buffer

	handler := NewRecoveryMiddleware(newJSONLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Errorf("recovered = %v, want http.ErrAbortHandler", v)
		}
		if buf.Len() != 0 {
			t.Errorf("abort should not be logged: %s", buf.String())
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
}
