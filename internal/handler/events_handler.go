package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/rentsession/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// EventsHandler はセッション変更イベントをWebSocketで配信する。
type EventsHandler struct {
	state    StateSource
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewEventsHandler はEventsHandlerを生成する。
// allowedOriginからの接続のみを受け付ける。Originヘッダーがない接続（非ブラウザ）は許可する。
func NewEventsHandler(state StateSource, logger *slog.Logger, allowedOrigin string) *EventsHandler {
	return &EventsHandler{
		state:  state,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// ServeHTTP は接続をWebSocketにアップグレードし、現在の状態を送ってから変更を配信する。
// GET /api/session/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// 初回スナップショットとの間の変更を取りこぼさないよう先に購読する
	events, cancel := h.state.Subscribe()
	defer cancel()

	if err := h.write(conn, session.Event{State: h.state.Snapshot()}); err != nil {
		return
	}

	done := make(chan struct{})
	go h.readLoop(conn, done)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := h.write(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// write はイベントをJSONテキストメッセージとして送信する。
func (h *EventsHandler) write(conn *websocket.Conn, ev session.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(ev); err != nil {
		h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// readLoop はクライアントからの切断とpongを検出する。受信メッセージは破棄する。
func (h *EventsHandler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}
	}
}
