// Package realtime はアクティビティ詳細画面のリアルタイムコメントチャネルを管理する。
//
// チャネルはハブ（WebSocket）に接続し、アクティビティIDのグループに参加して
// ReceiveCommentイベントを受け取る。接続が切れた場合は指数バックオフで再接続し、
// 再接続のたびにアクセストークンを取得し直す。
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/activitysync/internal/metrics"
	"github.com/hitoshi/activitysync/internal/model"
)

// State はチャネルの接続状態。
type State string

const (
	StateClosed     State = "closed"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateError      State = "error"
)

var (
	// ErrChannelBusy は別のアクティビティのチャネルが開いていることを示す。
	ErrChannelBusy = errors.New("realtime channel is bound to another activity")
	// ErrNotOpen はチャネルが開いていないことを示す。
	ErrNotOpen = errors.New("realtime channel is not open")
	// ErrConnectionLost は応答待ちの間に接続が切れたことを示す。
	ErrConnectionLost = errors.New("realtime connection lost")
)

// handshakeTimeout はハンドシェイク応答の待機時間の上限。
const handshakeTimeout = 10 * time.Second

// TokenFunc は接続時に使うアクセストークンを返す。接続・再接続のたびに呼ばれる。
type TokenFunc func(ctx context.Context) (string, error)

// CommentSink は受信したコメントの反映先。activity.Store が実装する。
type CommentSink interface {
	AppendComment(activityID string, c model.Comment) bool
}

// Option はManagerの設定を変更する。
type Option func(*Manager)

// WithMaxReconnects は切断後の再接続試行回数の上限を設定する。
func WithMaxReconnects(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxReconnects = n
		}
	}
}

// WithReconnectBackoff は再接続の初回待機時間と上限を設定する。
func WithReconnectBackoff(base, limit time.Duration) Option {
	return func(m *Manager) {
		if base > 0 {
			m.reconnectBase = base
		}
		if limit > 0 {
			m.maxBackoff = limit
		}
	}
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(m *Manager) {
		if c != nil {
			m.metrics = c
		}
	}
}

// HubError はハブが返した呼び出しエラー。
type HubError struct {
	Target  string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub invocation %s failed: %s", e.Target, e.Message)
}

type completion struct {
	result json.RawMessage
	err    error
}

// Manager はリアルタイムチャネルを1本だけ保持する。
// 状態遷移: Closed → Connecting → Open → Closed。Connecting / Open から Error に遷移しうる。
// Error からの復帰には明示的なOpenが必要。
type Manager struct {
	hubURL        string
	dialer        Dialer
	tokens        TokenFunc
	sink          CommentSink
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	maxReconnects int
	reconnectBase time.Duration
	maxBackoff    time.Duration

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	activityID string
	conn       Conn
	session    uint64
	cancel     context.CancelFunc
	pending    map[string]chan completion
	nextID     uint64
}

// NewManager はManagerを生成する。
func NewManager(hubURL string, dialer Dialer, tokens TokenFunc, sink CommentSink, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		hubURL:        hubURL,
		dialer:        dialer,
		tokens:        tokens,
		sink:          sink,
		logger:        logger,
		metrics:       metrics.Nop{},
		maxReconnects: 4,
		reconnectBase: defaultReconnectBase,
		maxBackoff:    defaultMaxBackoff,
		state:         StateClosed,
		pending:       make(map[string]chan completion),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics.SetRealtimeState(string(StateClosed))
	return m
}

// State は現在の接続状態を返す。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActivityID はチャネルが紐付いているアクティビティIDを返す。
func (m *Manager) ActivityID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activityID
}

// Open はアクティビティのチャネルを開き、グループに参加する。
// 同じアクティビティのチャネルが既に開いている場合は何もしない。
// 別のアクティビティのチャネルが開いている場合はErrChannelBusyを返す。
func (m *Manager) Open(ctx context.Context, activityID string) error {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		bound := m.activityID
		m.mu.Unlock()
		if bound == activityID {
			return nil
		}
		return ErrChannelBusy
	}

	if m.cancel != nil {
		m.cancel()
	}
	m.session++
	sess := m.session
	m.activityID = activityID
	sessCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	b := binding{session: sess, activityID: activityID}
	conn, err := m.connect(ctx, b)
	if err != nil {
		m.mu.Lock()
		if m.session == sess {
			m.setStateLocked(StateError)
			cancel()
		}
		m.mu.Unlock()
		m.logger.Error("リアルタイムチャネルの接続に失敗しました",
			slog.String("activity_id", activityID),
			slog.String("error", err.Error()),
		)
		return err
	}

	m.mu.Lock()
	if m.session != sess {
		// 接続中にCloseされた
		m.mu.Unlock()
		conn.Close()
		return ErrNotOpen
	}
	m.conn = conn
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	m.logger.Info("リアルタイムチャネルを開きました", slog.String("activity_id", activityID))

	go m.run(sessCtx, b, conn)
	m.join()
	return nil
}

// Close はグループから退出して接続を閉じる。どちらも失敗してもチャネルは破棄される。
// 既に閉じている場合は何もしない。
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	activityID := m.activityID
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.session++
	m.conn = nil
	m.activityID = ""
	m.failPendingLocked(ErrConnectionLost)
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := m.sendInvocation(conn, targetRemoveFromGroup, "", activityID); err != nil {
		m.logger.Warn("グループからの退出に失敗しました",
			slog.String("activity_id", activityID),
			slog.String("error", err.Error()),
		)
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn("リアルタイム接続のクローズに失敗しました",
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("リアルタイムチャネルを閉じました", slog.String("activity_id", activityID))
	return nil
}

// AddComment は紐付いているアクティビティにコメントを投稿する。
// 失敗してもリトライはしない。
func (m *Manager) AddComment(ctx context.Context, body string) error {
	m.mu.Lock()
	if m.state != StateOpen || m.conn == nil {
		m.mu.Unlock()
		return ErrNotOpen
	}
	conn := m.conn
	activityID := m.activityID
	m.nextID++
	invocationID := strconv.FormatUint(m.nextID, 10)
	ch := make(chan completion, 1)
	m.pending[invocationID] = ch
	m.mu.Unlock()

	payload := commentPayload{Body: body, ActivityID: activityID}
	if err := m.sendInvocation(conn, targetSendComment, invocationID, payload); err != nil {
		m.removePending(invocationID)
		m.logger.Error("コメントの送信に失敗しました",
			slog.String("activity_id", activityID),
			slog.String("error", err.Error()),
		)
		return err
	}

	select {
	case c := <-ch:
		if c.err != nil {
			m.logger.Error("コメントの送信に失敗しました",
				slog.String("activity_id", activityID),
				slog.String("error", c.err.Error()),
			)
		}
		return c.err
	case <-ctx.Done():
		m.removePending(invocationID)
		return ctx.Err()
	}
}

// join はグループへの参加を要求する。チャネルが開いていない場合は警告のみでスキップする。
func (m *Manager) join() {
	m.mu.Lock()
	state := m.state
	conn := m.conn
	activityID := m.activityID
	m.mu.Unlock()

	if state != StateOpen || conn == nil {
		m.logger.Warn("チャネルが開いていないためグループ参加をスキップします",
			slog.String("activity_id", activityID),
			slog.String("state", string(state)),
		)
		return
	}

	if err := m.sendInvocation(conn, targetAddToGroup, "", activityID); err != nil {
		m.logger.Warn("グループへの参加に失敗しました",
			slog.String("activity_id", activityID),
			slog.String("error", err.Error()),
		)
	}
}

// binding は接続を開いたセッションと、その時点で紐付いたアクティビティ。
// 受信したフレームはこの値で照合する。
type binding struct {
	session    uint64
	activityID string
}

// connect はトークンを取得してハブに接続し、ハンドシェイクを行う。
func (m *Manager) connect(ctx context.Context, b binding) (Conn, error) {
	token, err := m.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	conn, err := m.dialer.Dial(ctx, m.hubURL, token)
	if err != nil {
		return nil, err
	}

	if err := m.handshake(ctx, conn, b); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (m *Manager) handshake(ctx context.Context, conn Conn, b binding) error {
	frame, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return err
	}
	if err := m.write(conn, frame); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.Receive()
		ch <- result{data: data, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-hctx.Done():
		conn.Close()
		return fmt.Errorf("handshake: %w", hctx.Err())
	}
	if r.err != nil {
		return fmt.Errorf("failed to receive handshake response: %w", r.err)
	}

	frames := splitFrames(r.data)
	if len(frames) == 0 {
		return errors.New("empty handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(frames[0], &resp); err != nil {
		return fmt.Errorf("invalid handshake response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}

	// ハンドシェイク応答と同じメッセージで届いたイベント
	for _, f := range frames[1:] {
		m.dispatch(b, f)
	}
	return nil
}

// run は受信ループを実行する。切断された場合は再接続を試み、
// 成功すれば新しい接続で受信を続ける。
func (m *Manager) run(ctx context.Context, b binding, conn Conn) {
	for {
		err := m.receiveLoop(conn, b)

		if !m.markDropped(b.session, err) {
			return
		}

		conn = m.reconnect(ctx, b)
		if conn == nil {
			return
		}
	}
}

func (m *Manager) receiveLoop(conn Conn, b binding) error {
	for {
		data, err := conn.Receive()
		if err != nil {
			return err
		}
		for _, f := range splitFrames(data) {
			if closeErr := m.dispatch(b, f); closeErr != nil {
				return closeErr
			}
		}
	}
}

// markDropped は意図しない切断であれば状態をConnectingに戻してtrueを返す。
// Close済みのセッションであればfalseを返す。
func (m *Manager) markDropped(sess uint64, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != sess || m.state != StateOpen {
		return false
	}
	if m.conn != nil {
		m.conn.Close()
	}
	m.conn = nil
	m.failPendingLocked(ErrConnectionLost)
	m.setStateLocked(StateConnecting)

	m.logger.Warn("リアルタイム接続が切断されました。再接続します",
		slog.String("activity_id", m.activityID),
		slog.String("error", errString(cause)),
	)
	return true
}

// reconnect は指数バックオフで再接続を試みる。
// 上限回数まで失敗した場合はError状態にしてnilを返す。
func (m *Manager) reconnect(ctx context.Context, b binding) Conn {
	sess := b.session
	for attempt := 0; attempt < m.maxReconnects; attempt++ {
		delay := reconnectDelay(attempt, m.reconnectBase, m.maxBackoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := m.connect(ctx, b)
		if err != nil {
			m.logger.Warn("再接続に失敗しました",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.mu.Lock()
		if m.session != sess {
			m.mu.Unlock()
			conn.Close()
			return nil
		}
		m.conn = conn
		m.setStateLocked(StateOpen)
		m.mu.Unlock()

		m.logger.Info("リアルタイム接続を再開しました", slog.Int("attempt", attempt+1))
		m.join()
		return conn
	}

	m.mu.Lock()
	if m.session == sess {
		m.setStateLocked(StateError)
	}
	m.mu.Unlock()

	m.logger.Error("再接続の上限に達しました",
		slog.Int("max_reconnects", m.maxReconnects),
	)
	return nil
}

// dispatch は1フレームを処理する。ハブからcloseを受けた場合はエラーを返す。
func (m *Manager) dispatch(b binding, frame []byte) error {
	var msg hubMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		m.logger.Warn("ハブメッセージのデコードに失敗しました", slog.String("error", err.Error()))
		return nil
	}

	switch msg.Type {
	case msgInvocation:
		m.handleInvocation(b, msg)
	case msgCompletion:
		m.handleCompletion(msg)
	case msgPing:
	case msgClose:
		if msg.Error != "" {
			return fmt.Errorf("hub closed connection: %s", msg.Error)
		}
		return errors.New("hub closed connection")
	default:
		m.logger.Debug("未対応のハブメッセージを無視します", slog.Int("type", msg.Type))
	}
	return nil
}

func (m *Manager) handleInvocation(b binding, msg hubMessage) {
	m.metrics.RecordRealtimeEvent(msg.Target)

	if msg.Target != targetReceiveComment {
		m.logger.Debug("未対応のイベントを無視します", slog.String("target", msg.Target))
		return
	}
	if len(msg.Arguments) == 0 {
		return
	}

	var c model.Comment
	if err := json.Unmarshal(msg.Arguments[0], &c); err != nil {
		m.logger.Warn("コメントのデコードに失敗しました", slog.String("error", err.Error()))
		return
	}

	if !m.isCurrent(b.session) {
		m.logger.Debug("終了したセッションのコメントを破棄します",
			slog.String("activity_id", b.activityID),
		)
		return
	}
	if b.activityID == "" || (c.ActivityID != "" && c.ActivityID != b.activityID) {
		m.logger.Warn("紐付いていないアクティビティのコメントを破棄します",
			slog.String("bound_activity_id", b.activityID),
			slog.String("comment_activity_id", c.ActivityID),
		)
		return
	}
	if m.sink != nil {
		m.sink.AppendComment(b.activityID, c)
	}
}

// isCurrent はセッションがCloseや別のOpenで置き換えられていなければtrueを返す。
func (m *Manager) isCurrent(sess uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session == sess && m.state != StateClosed
}

func (m *Manager) handleCompletion(msg hubMessage) {
	m.mu.Lock()
	ch, ok := m.pending[msg.InvocationID]
	delete(m.pending, msg.InvocationID)
	m.mu.Unlock()
	if !ok {
		return
	}

	if msg.Error != "" {
		ch <- completion{err: &HubError{Target: targetSendComment, Message: msg.Error}}
		return
	}
	ch <- completion{result: msg.Result}
}

func (m *Manager) sendInvocation(conn Conn, target, invocationID string, arg any) error {
	frame, err := encodeFrame(invocationMessage{
		Type:         msgInvocation,
		InvocationID: invocationID,
		Target:       target,
		Arguments:    []any{arg},
	})
	if err != nil {
		return err
	}
	return m.write(conn, frame)
}

func (m *Manager) write(conn Conn, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Send(frame)
}

func (m *Manager) removePending(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Manager) failPendingLocked(err error) {
	for id, ch := range m.pending {
		ch <- completion{err: err}
		delete(m.pending, id)
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.metrics.SetRealtimeState(string(s))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
