package realtime

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/net/websocket"
)

// Conn はハブとの双方向接続。Receiveは1メッセージ（複数フレームを含みうる）を返す。
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer はハブへの接続を確立する。
type Dialer interface {
	Dial(ctx context.Context, hubURL, accessToken string) (Conn, error)
}

// WebSocketDialer はWebSocketでハブに接続するDialer。
// アクセストークンはaccess_tokenクエリパラメータで渡す。
type WebSocketDialer struct {
	// Origin はWebSocketハンドシェイクのOriginヘッダー。空の場合はハブURLから導出する。
	Origin string
}

// Dial はWebSocket接続を確立する。
func (d WebSocketDialer) Dial(ctx context.Context, hubURL, accessToken string) (Conn, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub url: %w", err)
	}
	if accessToken != "" {
		q := u.Query()
		q.Set("access_token", accessToken)
		u.RawQuery = q.Encode()
	}

	origin := d.Origin
	if origin == "" {
		origin = originFor(u)
	}

	cfg, err := websocket.NewConfig(u.String(), origin)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket config: %w", err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dial hub: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

// originFor はws(s)のURLに対応するhttp(s)のオリジンを返す。
func originFor(u *url.URL) string {
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// wsConn はwebsocket.ConnをConnに適合させる。メッセージはテキストフレームで送受信する。
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(data []byte) error {
	return websocket.Message.Send(c.ws, string(data))
}

func (c *wsConn) Receive() ([]byte, error) {
	var msg string
	if err := websocket.Message.Receive(c.ws, &msg); err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
