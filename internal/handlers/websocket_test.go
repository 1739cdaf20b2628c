package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenDate/OpenDate_Match/signal-server/internal/handlers"
	httpx "github.com/OpenDate/OpenDate_Match/signal-server/internal/http"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/models"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/repo"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/service"
)

const readTimeout = 3 * time.Second

type wsEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type matchFound struct {
	CallId      string `json:"callId"`
	PartnerId   string `json:"partnerId"`
	PartnerName string `json:"partnerName"`
	PartnerConn string `json:"partnerConnId"`
	IsInitiator bool   `json:"isInitiator"`
}

func newTestServer(t *testing.T) (*httptest.Server, *repo.MemoryStore) {
	t.Helper()
	st := repo.NewMemoryStore()
	ws := handlers.NewWebSocketHandler(
		service.NewSessionService(st),
		service.NewQueueService(st),
		service.NewCallService(st),
	)
	srv := httptest.NewServer(httpx.NewRouter(ws, nil))
	t.Cleanup(srv.Close)
	return srv, st
}

// waitingEntries は待機プールの現在のメンバーを返します
func waitingEntries(t *testing.T, st *repo.MemoryStore, key string) []string {
	t.Helper()
	members, err := st.ZRange(context.Background(), key, 0, -1)
	require.NoError(t, err)
	return members
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": eventType, "payload": payload}))
}

// waitEvent は指定した種別のイベントが来るまで読み進めます
// online-count などの割り込みイベントは読み飛ばしますが、
// 予期しない error イベントはテスト失敗にします
func waitEvent(t *testing.T, conn *websocket.Conn, wantType string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		var ev wsEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == wantType {
			return ev.Payload
		}
		if ev.Type == "error" {
			t.Fatalf("unexpected error event while waiting for %q: %s", wantType, ev.Payload)
		}
	}
}

// assertNoEvent は一定時間、指定した種別のイベントが来ないことを確認します
func assertNoEvent(t *testing.T, conn *websocket.Conn, eventType string, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return // タイムアウト = イベントなし
		}
		if ev.Type == eventType {
			t.Fatalf("unexpected %q event", eventType)
		}
	}
}

func authenticate(t *testing.T, conn *websocket.Conn, userId, gender string) {
	t.Helper()
	send(t, conn, "authenticate", map[string]string{
		"userId":   userId,
		"userName": "name-" + userId,
		"gender":   gender,
	})
	waitEvent(t, conn, "authenticated")
}

// matchPair は2人を認証してマッチさせ、両者の match-found を返します
func matchPair(t *testing.T, connA, connB *websocket.Conn) (matchA, matchB matchFound) {
	t.Helper()
	authenticate(t, connA, "u1", models.GenderMale)
	send(t, connA, "join-queue", map[string]string{"genderPreference": models.PreferenceAny})
	waitEvent(t, connA, "queue-joined")

	authenticate(t, connB, "u2", models.GenderFemale)
	send(t, connB, "join-queue", map[string]string{"genderPreference": models.GenderMale})

	require.NoError(t, json.Unmarshal(waitEvent(t, connA, "match-found"), &matchA))
	require.NoError(t, json.Unmarshal(waitEvent(t, connB, "match-found"), &matchB))
	return matchA, matchB
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestJoinQueueRequiresAuthentication(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	send(t, conn, "join-queue", map[string]string{"genderPreference": models.PreferenceAny})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		var ev wsEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == "error" {
			assert.Contains(t, string(ev.Payload), "authenticate first")
			return
		}
	}
}

func TestSolitaryJoinGetsPositionOne(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	authenticate(t, conn, "u1", models.GenderMale)
	send(t, conn, "join-queue", map[string]string{"genderPreference": models.PreferenceAny})

	var joined struct {
		Position int64 `json:"position"`
	}
	require.NoError(t, json.Unmarshal(waitEvent(t, conn, "queue-joined"), &joined))
	assert.Equal(t, int64(1), joined.Position)
}

func TestImmediateMatch(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv)
	connB := dial(t, srv)

	matchA, matchB := matchPair(t, connA, connB)

	// 同じ通話、お互いを指す公開情報、イニシエーターはちょうど片方
	assert.Equal(t, matchA.CallId, matchB.CallId)
	assert.Equal(t, "u2", matchA.PartnerId)
	assert.Equal(t, "u1", matchB.PartnerId)
	assert.Equal(t, "name-u2", matchA.PartnerName)
	assert.NotEqual(t, matchA.IsInitiator, matchB.IsInitiator)
	// キューで待っていた側がイニシエーターではない
	assert.False(t, matchA.IsInitiator)
	assert.True(t, matchB.IsInitiator)
}

func TestJoinQueueWhileInCall(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv)
	connB := dial(t, srv)
	matchPair(t, connA, connB)

	send(t, connB, "join-queue", map[string]string{"genderPreference": models.PreferenceAny})

	require.NoError(t, connB.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		var ev wsEvent
		require.NoError(t, connB.ReadJSON(&ev))
		if ev.Type == "error" {
			assert.Contains(t, string(ev.Payload), "Already in a call")
			return
		}
	}
}

func TestSignalRelay(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv)
	connB := dial(t, srv)
	matchA, matchB := matchPair(t, connA, connB)

	// Bがイニシエーターとして不透明なペイロードをAへ送る
	signal := json.RawMessage(`{"type":"offer","sdp":"v=0 dummy"}`)
	send(t, connB, "send-signal", map[string]any{
		"signal":       signal,
		"targetConnId": matchB.PartnerConn,
	})

	var received struct {
		Signal   json.RawMessage `json:"signal"`
		FromConn string          `json:"fromConnId"`
	}
	require.NoError(t, json.Unmarshal(waitEvent(t, connA, "receive-signal"), &received))
	// ペイロードは検査も変形もされず、送信元の接続IDが付く
	assert.JSONEq(t, string(signal), string(received.Signal))
	assert.Equal(t, matchA.PartnerConn, received.FromConn)
}

func TestEndCall(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv)
	connB := dial(t, srv)
	matchA, _ := matchPair(t, connA, connB)

	send(t, connA, "end-call", map[string]string{"callId": matchA.CallId})

	for _, conn := range []*websocket.Conn{connA, connB} {
		var ended struct {
			Reason string `json:"reason"`
		}
		require.NoError(t, json.Unmarshal(waitEvent(t, conn, "call-ended"), &ended))
		assert.Equal(t, models.ReasonCompleted, ended.Reason)
	}
}

func TestSkipUser(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv)
	connB := dial(t, srv)
	matchPair(t, connA, connB)

	send(t, connB, "skip-user", nil)

	// 両者に理由skippedの終了通知
	for _, conn := range []*websocket.Conn{connA, connB} {
		var ended struct {
			Reason string `json:"reason"`
		}
		require.NoError(t, json.Unmarshal(waitEvent(t, conn, "call-ended"), &ended))
		assert.Equal(t, models.ReasonSkipped, ended.Reason)
	}

	// スキップした本人にだけ、少し遅れて再参加の合図が届く
	waitEvent(t, connB, "ready-for-next")
	assertNoEvent(t, connA, "ready-for-next", 800*time.Millisecond)
}

func TestDisconnectEndsCall(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv)
	connB := dial(t, srv)
	matchPair(t, connA, connB)

	require.NoError(t, connB.Close())

	var ended struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(waitEvent(t, connA, "call-ended"), &ended))
	assert.Equal(t, models.ReasonDisconnected, ended.Reason)

	// 切断した側の索引も消えているので、残った側はすぐ並び直せる
	send(t, connA, "join-queue", map[string]string{"genderPreference": models.PreferenceAny})
	var joined struct {
		Position int64 `json:"position"`
	}
	require.NoError(t, json.Unmarshal(waitEvent(t, connA, "queue-joined"), &joined))
	assert.Equal(t, int64(1), joined.Position)
}

func TestLeaveQueue(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv)
	connB := dial(t, srv)

	authenticate(t, connA, "u1", models.GenderMale)
	send(t, connA, "join-queue", map[string]string{"genderPreference": models.PreferenceAny})
	waitEvent(t, connA, "queue-joined")

	send(t, connA, "leave-queue", nil)
	waitEvent(t, connA, "queue-left")

	// Aは全プールから消えているので、Bはマッチせずに並ぶ
	authenticate(t, connB, "u2", models.GenderFemale)
	send(t, connB, "join-queue", map[string]string{"genderPreference": models.PreferenceAny})
	var joined struct {
		Position int64 `json:"position"`
	}
	require.NoError(t, json.Unmarshal(waitEvent(t, connB, "queue-joined"), &joined))
	assert.Equal(t, int64(1), joined.Position)
}

func TestOnlineCountOnConnect(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	// 接続直後に現在のオンライン数が届く
	var count struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(waitEvent(t, conn, "online-count"), &count))
	assert.GreaterOrEqual(t, count.Count, 1)
}

func TestRejoinReplacesWaitingEntry(t *testing.T) {
	srv, st := newTestServer(t)
	connA := dial(t, srv)

	// 希望設定を変えて並び直しても、プールのエントリは常に1つだけ
	authenticate(t, connA, "u1", models.GenderMale)
	send(t, connA, "join-queue", map[string]string{"genderPreference": models.PreferenceAny})
	waitEvent(t, connA, "queue-joined")
	send(t, connA, "join-queue", map[string]string{"genderPreference": models.GenderFemale})
	waitEvent(t, connA, "queue-joined")

	entries := waitingEntries(t, st, "queue:waiting:all")
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], `"genderPreference":"female"`)

	// マッチ成立後は古いシリアライズのエントリも残っていない
	connB := dial(t, srv)
	authenticate(t, connB, "u2", models.GenderFemale)
	send(t, connB, "join-queue", map[string]string{"genderPreference": models.GenderMale})
	waitEvent(t, connA, "match-found")
	waitEvent(t, connB, "match-found")

	for _, key := range []string{"queue:waiting:all", "queue:waiting:male", "queue:waiting:female"} {
		assert.Empty(t, waitingEntries(t, st, key), key)
	}

	// 3人目は残骸とマッチせず、先頭で待機する
	connC := dial(t, srv)
	authenticate(t, connC, "u3", models.GenderFemale)
	send(t, connC, "join-queue", map[string]string{"genderPreference": models.PreferenceAny})
	var joined struct {
		Position int64 `json:"position"`
	}
	require.NoError(t, json.Unmarshal(waitEvent(t, connC, "queue-joined"), &joined))
	assert.Equal(t, int64(1), joined.Position)
}
