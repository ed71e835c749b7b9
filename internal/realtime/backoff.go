package realtime

import "time"

const (
	// defaultReconnectBase は再接続の初回待機時間。
	defaultReconnectBase = 2 * time.Second
	// defaultMaxBackoff は再接続の待機時間の上限。
	defaultMaxBackoff = 30 * time.Second
)

// reconnectDelay は再接続の試行回数に応じた指数バックオフの待機時間を返す。
// 初回はbase、以降2倍ずつ増加し、limitで頭打ちになる。
func reconnectDelay(attempt int, base, limit time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > limit {
			return limit
		}
	}
	return delay
}
