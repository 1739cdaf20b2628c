// Package handlers はWebSocket接続の終端とイベントのディスパッチを担当します
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenDate/OpenDate_Match/signal-server/internal/idgen"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/models"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/service"
)

const (
	// 書き込みの許容時間
	writeWait = 10 * time.Second

	// pong待ちの上限。pingPeriod より長くなければなりません
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// 受信メッセージの上限。WebRTCのSDPが収まるサイズ
	maxMessageSize = 64 * 1024

	// 送信バッファ。詰まったクライアントへのメッセージは捨てます
	sendBufferSize = 32

	// オンライン数の定期配信間隔と、新規接続後の追配信までの遅延
	presenceInterval = 5 * time.Second
	presenceDebounce = 100 * time.Millisecond

	// skip後に ready-for-next を送るまでの遅延
	// UI側がローカルのネゴシエーション状態を片付ける猶予です
	readyForNextDelay = 500 * time.Millisecond

	// クレーム競合時に検索からやり直す回数
	maxClaimRetries = 3
)

// inboundMessage はクライアントから受信するメッセージの構造
// ペイロードはイベント種別ごとに遅延デコードします
type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// outboundMessage はクライアントへ送信するメッセージの構造
type outboundMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type authenticatePayload struct {
	UserId   string `json:"userId"`
	UserName string `json:"userName"`
	Gender   string `json:"gender"`
}

type joinQueuePayload struct {
	GenderPreference string `json:"genderPreference"`
}

// sendSignalPayload の signal は不透明なペイロードです
// このコアは中身を一切解釈せず、そのまま相手に転送します
type sendSignalPayload struct {
	Signal     json.RawMessage `json:"signal"`
	TargetConn string          `json:"targetConnId"`
}

type receiveSignalPayload struct {
	Signal   json.RawMessage `json:"signal"`
	FromConn string          `json:"fromConnId"`
}

type endCallPayload struct {
	CallId string `json:"callId"`
}

type matchFoundPayload struct {
	CallId      string `json:"callId"`
	PartnerId   string `json:"partnerId"`
	PartnerName string `json:"partnerName"`
	PartnerConn string `json:"partnerConnId"`
	IsInitiator bool   `json:"isInitiator"`
}

type callEndedPayload struct {
	Reason string `json:"reason"`
}

type queueJoinedPayload struct {
	Position int64 `json:"position"`
}

type onlineCountPayload struct {
	Count int `json:"count"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Hub は全WebSocket接続を接続IDで管理します
// 複数のgoroutineから同時にアクセスされるためロックで守ります
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// Client は1つのWebSocket接続を表します
// 書き込みは send チャネル経由で writePump に集約します
// （gorilla/websocket は同時書き込みを許しません）
type Client struct {
	connId string
	conn   *websocket.Conn
	send   chan outboundMessage

	// 遅延送信（ready-for-next等）が切断後に走ることがあるため、
	// closeフラグで閉じたチャネルへの送信を防ぎます
	closeMu sync.Mutex
	closed  bool
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	sessions *service.SessionService
	queue    *service.QueueService
	calls    *service.CallService
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(sessions *service.SessionService, queue *service.QueueService, calls *service.CallService) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		queue:    queue,
		calls:    calls,
		hub:      &Hub{clients: make(map[string]*Client)},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Originの制限はルーター側のCORS設定に合わせて行ってください
				return true
			},
		},
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続ごとに一意の接続IDを払い出し、切断まで受信ループを回します
// 切断時は通話の終了・プールからの除去・参加者情報の削除を必ず行います
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	connId := idgen.NewULID()
	client := h.hub.register(connId, conn)
	go client.writePump()

	log.Printf("WebSocket connected: connId=%s", connId)

	// 新規接続には現在のオンライン数を即時に送り、
	// 少し遅らせて全員にも配り直します（次の定期配信を待たせないため）
	client.enqueue(outboundMessage{Type: "online-count", Payload: onlineCountPayload{Count: h.hub.count()}})
	time.AfterFunc(presenceDebounce, h.broadcastOnlineCount)

	h.readLoop(client)

	// 接続は既に閉じているが、後始末は最後まで実行します
	h.cleanupConnection(client.connId)
	h.hub.unregister(client)
	log.Printf("WebSocket disconnected: connId=%s", connId)
}

// readLoop は受信メッセージをイベント種別ごとに振り分けます
func (h *WebSocketHandler) readLoop(client *Client) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: connId=%s, %v", client.connId, err)
			}
			return
		}

		switch msg.Type {
		case "authenticate":
			h.handleAuthenticate(client, msg.Payload)
		case "join-queue":
			h.handleJoinQueue(client, msg.Payload)
		case "leave-queue":
			h.handleLeaveQueue(client)
		case "send-signal":
			h.handleSendSignal(client, msg.Payload)
		case "end-call":
			h.handleEndCall(client, msg.Payload)
		case "skip-user":
			h.handleSkipUser(client)
		case "ping":
			client.enqueue(outboundMessage{Type: "pong"})
		default:
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}
}

// handleAuthenticate は参加者情報を保存します
// 希望設定はデフォルトの「any」で保存し、join-queue 時に更新されます
// 同じ接続で再度呼ばれても同じ結果になります
func (h *WebSocketHandler) handleAuthenticate(client *Client, payload json.RawMessage) {
	var in authenticatePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		log.Printf("Failed to unmarshal authenticate payload: %v", err)
		client.sendError("Authentication failed")
		return
	}

	user := models.UserData{
		UserId:           in.UserId,
		UserName:         in.UserName,
		Gender:           in.Gender,
		GenderPreference: models.PreferenceAny,
		ConnId:           client.connId,
		JoinedAt:         time.Now().UnixMilli(),
	}
	if err := h.sessions.SaveUser(context.Background(), user); err != nil {
		log.Printf("Authentication error: connId=%s, %v", client.connId, err)
		client.sendError("Authentication failed")
		return
	}
	client.enqueue(outboundMessage{Type: "authenticated", Payload: map[string]bool{"success": true}})
}

// handleJoinQueue はマッチングキューへの参加を処理します
// 処理の流れ:
// 1. 認証済みか確認し、希望設定を更新
// 2. 通話中でないか確認（user→call 索引でO(1)）
// 3. まずマッチを試みる。成功すれば両者ともプールに入らず即通話へ
// 4. 見つからなければキューに入れて順位を返す
// クレームに負けた場合（候補が直前に取られた/消えた）は検索からやり直します
func (h *WebSocketHandler) handleJoinQueue(client *Client, payload json.RawMessage) {
	ctx := context.Background()

	var in joinQueuePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		log.Printf("Failed to unmarshal join-queue payload: %v", err)
		client.sendError("Failed to join queue")
		return
	}

	user, ok, err := h.sessions.GetUser(ctx, client.connId)
	if err != nil {
		log.Printf("Join queue error: connId=%s, %v", client.connId, err)
		client.sendError("Failed to join queue")
		return
	}
	if !ok {
		client.sendServiceError(service.ErrNotAuthenticated)
		return
	}

	user.GenderPreference = in.GenderPreference
	if err := h.sessions.SaveUser(ctx, user); err != nil {
		log.Printf("Join queue error: connId=%s, %v", client.connId, err)
		client.sendError("Failed to join queue")
		return
	}

	// 通話中の参加者はキューに入れません
	if _, inCall, err := h.calls.CallIdForUser(ctx, user.UserId); err != nil {
		log.Printf("Join queue error: connId=%s, %v", client.connId, err)
		client.sendError("Failed to join queue")
		return
	} else if inCall {
		client.sendServiceError(service.ErrAlreadyInCall)
		return
	}

	// 並び直しの場合に古い希望設定のエントリが残らないよう、
	// マッチ試行の前に自分を接続IDで全プールから除去します
	// （通話作成時のZREMは現在のシリアライズにしか効きません）
	if err := h.queue.Remove(ctx, client.connId); err != nil {
		log.Printf("Join queue error: connId=%s, %v", client.connId, err)
		client.sendError("Failed to join queue")
		return
	}

	for attempt := 0; attempt < maxClaimRetries; attempt++ {
		candidate, raw, found, err := h.queue.FindMatch(ctx, user)
		if err != nil {
			log.Printf("Join queue error: connId=%s, %v", client.connId, err)
			client.sendError("Failed to join queue")
			return
		}
		if !found {
			break
		}

		call, err := h.calls.Start(ctx, user, candidate, raw)
		if errors.Is(err, service.ErrClaimConflict) {
			// 候補を取り逃がしたので検索からやり直す
			continue
		}
		if err != nil {
			log.Printf("Create call error: connId=%s, %v", client.connId, err)
			client.sendError("Failed to join queue")
			return
		}

		h.notifyMatchFound(call)
		log.Printf("Call created: callId=%s, users=%s/%s", call.CallId, call.User1.UserId, call.User2.UserId)
		return
	}

	if err := h.queue.Add(ctx, user); err != nil {
		log.Printf("Join queue error: connId=%s, %v", client.connId, err)
		client.sendError("Failed to join queue")
		return
	}
	pos, err := h.queue.Position(ctx, user)
	if err != nil {
		log.Printf("Queue position error: connId=%s, %v", client.connId, err)
		pos = 0
	}
	client.enqueue(outboundMessage{Type: "queue-joined", Payload: queueJoinedPayload{Position: pos}})
}

func (h *WebSocketHandler) handleLeaveQueue(client *Client) {
	if err := h.queue.Remove(context.Background(), client.connId); err != nil {
		log.Printf("Leave queue error: connId=%s, %v", client.connId, err)
		return
	}
	client.enqueue(outboundMessage{Type: "queue-left"})
}

// handleSendSignal は不透明なネゴシエーションペイロードを相手の接続へ転送します
// 送信元の接続IDを付けるだけで、中身の検査はしません
func (h *WebSocketHandler) handleSendSignal(client *Client, payload json.RawMessage) {
	var in sendSignalPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		log.Printf("Failed to unmarshal send-signal payload: %v", err)
		return
	}
	h.sendTo(in.TargetConn, outboundMessage{
		Type:    "receive-signal",
		Payload: receiveSignalPayload{Signal: in.Signal, FromConn: client.connId},
	})
}

func (h *WebSocketHandler) handleEndCall(client *Client, payload json.RawMessage) {
	var in endCallPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		log.Printf("Failed to unmarshal end-call payload: %v", err)
		return
	}
	h.endCall(in.CallId, models.ReasonCompleted)
}

// handleSkipUser は通話中なら理由「skipped」で終了し、少し待ってから
// 本人にだけ再参加してよいことを通知します
// 再参加するかどうかはクライアント側が join-queue を送って決めます
func (h *WebSocketHandler) handleSkipUser(client *Client) {
	ctx := context.Background()

	user, ok, err := h.sessions.GetUser(ctx, client.connId)
	if err != nil || !ok {
		if err != nil {
			log.Printf("Skip user error: connId=%s, %v", client.connId, err)
		}
		return
	}

	callId, inCall, err := h.calls.CallIdForUser(ctx, user.UserId)
	if err != nil {
		log.Printf("Skip user error: connId=%s, %v", client.connId, err)
		return
	}
	if inCall {
		h.endCall(callId, models.ReasonSkipped)
	}

	time.AfterFunc(readyForNextDelay, func() {
		client.enqueue(outboundMessage{Type: "ready-for-next"})
	})
}

// endCall は通話を終了し、両参加者に理由付きで通知します
// レコードが既にない場合（二重終了）は何も送りません
func (h *WebSocketHandler) endCall(callId, reason string) {
	call, ended, err := h.calls.End(context.Background(), callId)
	if err != nil {
		log.Printf("End call error: callId=%s, %v", callId, err)
		return
	}
	if !ended {
		return
	}
	msg := outboundMessage{Type: "call-ended", Payload: callEndedPayload{Reason: reason}}
	h.sendTo(call.User1.ConnId, msg)
	h.sendTo(call.User2.ConnId, msg)
	log.Printf("Call ended: callId=%s, reason=%s", callId, reason)
}

// cleanupConnection は切断された接続の後始末をします
// 通話中なら理由「disconnected」で終了し、プールと参加者情報を
// 無条件に削除します。接続自体が消えていても最後まで実行します
func (h *WebSocketHandler) cleanupConnection(connId string) {
	ctx := context.Background()

	user, ok, err := h.sessions.GetUser(ctx, connId)
	if err != nil {
		log.Printf("Disconnect cleanup error: connId=%s, %v", connId, err)
	}
	if ok {
		callId, inCall, err := h.calls.CallIdForUser(ctx, user.UserId)
		if err != nil {
			log.Printf("Disconnect cleanup error: connId=%s, %v", connId, err)
		} else if inCall {
			h.endCall(callId, models.ReasonDisconnected)
		}
	}

	if err := h.queue.Remove(ctx, connId); err != nil {
		log.Printf("Disconnect cleanup error: connId=%s, %v", connId, err)
	}
	if err := h.sessions.DeleteUser(ctx, connId); err != nil {
		log.Printf("Disconnect cleanup error: connId=%s, %v", connId, err)
	}
}

// notifyMatchFound は両参加者にマッチ成立を通知します
// isInitiator はちょうど片方だけ true になり、その側が
// ネゴシエーションの開始役になります（リレー自体は対称です）
func (h *WebSocketHandler) notifyMatchFound(call models.ActiveCall) {
	h.sendTo(call.User1.ConnId, outboundMessage{Type: "match-found", Payload: matchFoundPayload{
		CallId:      call.CallId,
		PartnerId:   call.User2.UserId,
		PartnerName: call.User2.UserName,
		PartnerConn: call.User2.ConnId,
		IsInitiator: true,
	}})
	h.sendTo(call.User2.ConnId, outboundMessage{Type: "match-found", Payload: matchFoundPayload{
		CallId:      call.CallId,
		PartnerId:   call.User1.UserId,
		PartnerName: call.User1.UserName,
		PartnerConn: call.User1.ConnId,
		IsInitiator: false,
	}})
}

// StartPresenceLoop はオンライン数の定期配信を開始します
// ctx がキャンセルされるまでブロックするため、goroutineで起動してください
func (h *WebSocketHandler) StartPresenceLoop(ctx context.Context) {
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.broadcastOnlineCount()
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) broadcastOnlineCount() {
	h.hub.broadcast(outboundMessage{Type: "online-count", Payload: onlineCountPayload{Count: h.hub.count()}})
}

func (h *WebSocketHandler) sendTo(connId string, msg outboundMessage) {
	client, ok := h.hub.get(connId)
	if !ok {
		log.Printf("Send target not connected: connId=%s, type=%s", connId, msg.Type)
		return
	}
	client.enqueue(msg)
}

func (hub *Hub) register(connId string, conn *websocket.Conn) *Client {
	client := &Client{
		connId: connId,
		conn:   conn,
		send:   make(chan outboundMessage, sendBufferSize),
	}
	hub.mu.Lock()
	hub.clients[connId] = client
	hub.mu.Unlock()
	return client
}

func (hub *Hub) unregister(client *Client) {
	hub.mu.Lock()
	delete(hub.clients, client.connId)
	hub.mu.Unlock()

	client.closeMu.Lock()
	client.closed = true
	close(client.send)
	client.closeMu.Unlock()
}

func (hub *Hub) get(connId string) (*Client, bool) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	client, ok := hub.clients[connId]
	return client, ok
}

func (hub *Hub) count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

func (hub *Hub) broadcast(msg outboundMessage) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for _, client := range hub.clients {
		client.enqueue(msg)
	}
}

// enqueue は送信キューにメッセージを積みます
// 切断済み、またはキューが一杯のクライアントへのメッセージは捨てます
// （送信はfire-and-forget）
func (c *Client) enqueue(msg outboundMessage) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Printf("Send buffer full, dropping message: connId=%s, type=%s", c.connId, msg.Type)
	}
}

func (c *Client) sendError(message string) {
	c.enqueue(outboundMessage{Type: "error", Payload: errorPayload{Message: message}})
}

// sendServiceError は既知のドメインエラーをクライアント向けのメッセージに変換します
func (c *Client) sendServiceError(err error) {
	switch {
	case errors.Is(err, service.ErrNotAuthenticated):
		c.sendError("Please authenticate first")
	case errors.Is(err, service.ErrAlreadyInCall):
		c.sendError("Already in a call")
	default:
		c.sendError("Failed to join queue")
	}
}

// writePump は送信キューのメッセージを接続へ書き込みます
// 接続ごとにこのgoroutineが唯一の書き込み役です
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("Failed to write message: connId=%s, %v", c.connId, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
