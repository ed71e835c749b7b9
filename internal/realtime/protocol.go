package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// recordSeparator はハブプロトコルのJSONメッセージ区切り文字。
const recordSeparator = 0x1E

// ハブメッセージの種別
const (
	msgInvocation = 1
	msgStreamItem = 2
	msgCompletion = 3
	msgPing       = 6
	msgClose      = 7
)

// ハブのメソッド名
const (
	targetAddToGroup      = "AddToGroup"
	targetRemoveFromGroup = "RemoveFromGroup"
	targetSendComment     = "SendComment"
	targetReceiveComment  = "ReceiveComment"
)

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// invocationMessage はクライアントからハブへの呼び出し。
// InvocationIDが空の場合、ハブは完了メッセージを返さない。
type invocationMessage struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId,omitempty"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
}

// hubMessage はハブから受信するメッセージ。種別ごとに使うフィールドが異なる。
type hubMessage struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// commentPayload はSendCommentの引数。
type commentPayload struct {
	Body       string `json:"body"`
	ActivityID string `json:"activityId"`
}

// encodeFrame はメッセージをJSONにエンコードし区切り文字を付与する。
func encodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hub message: %w", err)
	}
	return append(data, recordSeparator), nil
}

// splitFrames は受信データを区切り文字で分割する。空のフレームは除く。
func splitFrames(data []byte) [][]byte {
	var frames [][]byte
	for _, part := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(part)) > 0 {
			frames = append(frames, part)
		}
	}
	return frames
}
