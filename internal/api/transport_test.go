package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLoggingTransport_LogsRequestFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	var buf bytes.Buffer
	client := &http.Client{Transport: NewLoggingTransport(server.Client().Transport, newTestLogger(&buf))}

	resp, err := client.Get(server.URL + "/api/activities/a1")
	if err != nil {
		t.Fatalf("リクエストが失敗した: %v", err)
	}
	resp.Body.Close()

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("ログのパースに失敗: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "api_request" {
		t.Errorf("msg = %v, want api_request", entry["msg"])
	}
	if entry["method"] != "GET" {
		t.Errorf("method = %v, want GET", entry["method"])
	}
	if entry["path"] != "/api/activities/a1" {
		t.Errorf("path = %v, want /api/activities/a1", entry["path"])
	}
	if entry["status"] != float64(404) {
		t.Errorf("status = %v, want 404", entry["status"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms が含まれるべき")
	}
}

func TestLoggingTransport_ServerErrorLoggedAsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var buf bytes.Buffer
	client := &http.Client{Transport: NewLoggingTransport(server.Client().Transport, newTestLogger(&buf))}

	resp, err := client.Get(server.URL + "/api/user")
	if err != nil {
		t.Fatalf("リクエストが失敗した: %v", err)
	}
	resp.Body.Close()

	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("5xxはERRORで記録されるべき: %s", buf.String())
	}
}

func TestLoggingTransport_TransportErrorLogged(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	client := &http.Client{Transport: NewLoggingTransport(nil, newTestLogger(&buf))}

	if _, err := client.Get(url + "/api/user"); err == nil {
		t.Fatal("閉じたサーバーへのリクエストはエラーになるべき")
	}
	if !strings.Contains(buf.String(), `"error"`) {
		t.Errorf("エラー内容が記録されるべき: %s", buf.String())
	}
}
