package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordRequest_IncrementsCounterWithLabels はメソッド・ステータス別にカウントされることを検証する。
func TestRecordRequest_IncrementsCounterWithLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRequest("GET", 200)
	c.RecordRequest("GET", 200)
	c.RecordRequest("POST", 401)

	mf := findFamily(t, reg, "activitysync_api_requests_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		method := labelValue(m, "method")
		status := labelValue(m, "status_code")
		val := m.GetCounter().GetValue()
		switch {
		case method == "GET" && status == "200":
			if val != 2 {
				t.Errorf("GET 200 = %v, want 2", val)
			}
		case method == "POST" && status == "401":
			if val != 1 {
				t.Errorf("POST 401 = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected labels %s %s", method, status)
		}
	}
}

// TestRecordRequestLatency_ObservesHistogram はレイテンシがヒストグラムに記録されることを検証する。
func TestRecordRequestLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRequestLatency(150 * time.Millisecond)

	mf := findFamily(t, reg, "activitysync_api_request_latency_seconds")
	h := mf.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
	if h.GetSampleSum() < 0.14 || h.GetSampleSum() > 0.16 {
		t.Errorf("sample sum = %v, want ~0.15", h.GetSampleSum())
	}
}

// TestRecordReplayAndRenewal はリプレイ数と更新結果が記録されることを検証する。
func TestRecordReplayAndRenewal(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordReplay()
	c.RecordTokenRenewal(RenewalSuccess)
	c.RecordTokenRenewal(RenewalRejected)
	c.RecordTokenRenewal(RenewalSuccess)

	replays := findFamily(t, reg, "activitysync_api_replays_total")
	if v := replays.GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("replays = %v, want 1", v)
	}

	renewals := findFamily(t, reg, "activitysync_token_renewals_total")
	for _, m := range renewals.GetMetric() {
		switch labelValue(m, "outcome") {
		case RenewalSuccess:
			if v := m.GetCounter().GetValue(); v != 2 {
				t.Errorf("success renewals = %v, want 2", v)
			}
		case RenewalRejected:
			if v := m.GetCounter().GetValue(); v != 1 {
				t.Errorf("rejected renewals = %v, want 1", v)
			}
		}
	}
}

// TestSetRealtimeState_OnlyCurrentStateIsOne は現在の状態のみ1になることを検証する。
func TestSetRealtimeState_OnlyCurrentStateIsOne(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetRealtimeState("open")
	c.RecordRealtimeEvent("ReceiveComment")

	mf := findFamily(t, reg, "activitysync_realtime_state")
	if len(mf.GetMetric()) != len(realtimeStates) {
		t.Fatalf("expected %d states, got %d", len(realtimeStates), len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		want := 0.0
		if labelValue(m, "state") == "open" {
			want = 1
		}
		if got := m.GetGauge().GetValue(); got != want {
			t.Errorf("state %s = %v, want %v", labelValue(m, "state"), got, want)
		}
	}

	events := findFamily(t, reg, "activitysync_realtime_events_total")
	if v := events.GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("ReceiveComment events = %v, want 1", v)
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はインターフェース実装を検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	var _ MetricsCollector = NewCollector(prometheus.NewRegistry())
	var _ MetricsCollector = Nop{}
}

// TestMultipleCollectors_IndependentRegistries は別レジストリで重複登録エラーにならないことを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	c1 := NewCollector(prometheus.NewRegistry())
	c2 := NewCollector(prometheus.NewRegistry())
	c1.RecordReplay()
	c2.RecordReplay()
}
