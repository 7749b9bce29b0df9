package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/session"
)

const gwSecret = "gateway-test-secret"

type memStore struct {
	mu    sync.Mutex
	saves int
}

func (m *memStore) Save(ctx context.Context, storageKey string, state []byte, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	return nil
}

func (m *memStore) Compact(ctx context.Context, storageKey string, keep int) error { return nil }

func (m *memStore) Load(ctx context.Context, storageKey string) ([]byte, error) { return nil, nil }

func newTestGateway(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier, err := auth.NewVerifier(gwSecret, false, false)
	require.NoError(t, err)
	registry := session.NewRegistry(&memStore{}, nil, session.Config{Debounce: time.Hour, Periodic: time.Hour})
	gateway := NewGateway(registry, verifier, nil, nil)

	r := gin.New()
	r.GET("/collab/ws", gateway.Connect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server, doc, token string) (*websocket.Conn, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws?doc=" + doc
	if token != "" {
		u += "&token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	return conn, err
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, code, closeErr.Code)
}

func TestConnectMissingToken(t *testing.T) {
	srv, registry := newTestGateway(t)
	conn, err := dial(t, srv, "doc-1", "")
	require.NoError(t, err)
	defer conn.Close()

	expectClose(t, conn, CloseMissingToken)
	assert.Equal(t, 0, registry.Len())
}

func TestConnectExpiredToken(t *testing.T) {
	srv, registry := newTestGateway(t)
	tok, err := auth.Sign(gwSecret, "user-1", "doc-1", -time.Minute)
	require.NoError(t, err)
	conn, err := dial(t, srv, "doc-1", tok)
	require.NoError(t, err)
	defer conn.Close()

	expectClose(t, conn, CloseExpiredToken)
	assert.Equal(t, 0, registry.Len())
}

func TestDocumentMismatchRejectedBeforeSessionCreation(t *testing.T) {
	srv, registry := newTestGateway(t)
	tok, err := auth.Sign(gwSecret, "user-1", "doc-other", 5*time.Minute)
	require.NoError(t, err)
	conn, err := dial(t, srv, "doc-1", tok)
	require.NoError(t, err)
	defer conn.Close()

	expectClose(t, conn, CloseDocMismatch)
	// 会话注册表必须毫无痕迹
	assert.Equal(t, 0, registry.Len())
	_, ok := registry.Lookup("doc-1")
	assert.False(t, ok)
}

func TestNamespaceConflictClosesWithDistinctCode(t *testing.T) {
	srv, registry := newTestGateway(t)

	tokA, err := auth.Sign(gwSecret, "user-a", "ws-1:doc-5", 5*time.Minute)
	require.NoError(t, err)
	connA, err := dial(t, srv, "ws-1:doc-5", tokA)
	require.NoError(t, err)
	defer connA.Close()
	readBinaryFrame(t, connA) // catch-up

	tokB, err := auth.Sign(gwSecret, "user-b", "ws-2:doc-5", 5*time.Minute)
	require.NoError(t, err)
	connB, err := dial(t, srv, "ws-2:doc-5", tokB)
	require.NoError(t, err)
	defer connB.Close()

	expectClose(t, connB, CloseKeyConflict)
	assert.Equal(t, 1, registry.Len())
}

func readBinaryFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		messageType, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		if messageType == websocket.BinaryMessage {
			return payload
		}
	}
}

func TestUpdateRelayBetweenPeers(t *testing.T) {
	srv, registry := newTestGateway(t)

	tokA, err := auth.Sign(gwSecret, "user-a", "doc-relay", 5*time.Minute)
	require.NoError(t, err)
	tokB, err := auth.Sign(gwSecret, "user-b", "doc-relay", 5*time.Minute)
	require.NoError(t, err)

	connA, err := dial(t, srv, "doc-relay", tokA)
	require.NoError(t, err)
	defer connA.Close()
	readBinaryFrame(t, connA)

	connB, err := dial(t, srv, "doc-relay", tokB)
	require.NoError(t, err)
	defer connB.Close()
	readBinaryFrame(t, connB)

	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, []byte("typed-by-a")))
	got := readBinaryFrame(t, connB)
	assert.Equal(t, []byte("typed-by-a"), got)

	assert.Equal(t, 1, registry.Len(), "both peers share one session")
}

func TestExpiryNotRevalidatedMidSession(t *testing.T) {
	// 文档化的已知限制：token 只在连接时校验，过期不回收在线连接
	srv, _ := newTestGateway(t)

	tok, err := auth.Sign(gwSecret, "user-1", "doc-exp", 300*time.Millisecond)
	require.NoError(t, err)
	conn, err := dial(t, srv, "doc-exp", tok)
	require.NoError(t, err)
	defer conn.Close()
	readBinaryFrame(t, conn)

	time.Sleep(500 * time.Millisecond) // token 已过期

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("late-update")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err, "connection must stay open past token expiry")
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "feedback", msg.Type)
}

func TestCraftedStateFrameRejectedConnectionSurvives(t *testing.T) {
	srv, registry := newTestGateway(t)

	tok, err := auth.Sign(gwSecret, "user-1", "doc-bomb", 5*time.Minute)
	require.NoError(t, err)
	conn, err := dial(t, srv, "doc-bomb", tok)
	require.NoError(t, err)
	defer conn.Close()
	readBinaryFrame(t, conn)

	// 伪造状态帧：头部声称天文数字的条目数
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], 1<<55)
	frame := append([]byte("csy1"), scratch[:n]...)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "UPDATE_REJECTED", msg.Content)

	// 会话和连接都还活着
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "feedback", msg.Type)
	assert.Equal(t, 1, registry.Len())
}

func TestConnectAfterShutdownRejected(t *testing.T) {
	srv, registry := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	registry.ShutdownAll(ctx)

	// 排空后的连接不得孵化新会话，否则它的编辑不会落盘
	tok, err := auth.Sign(gwSecret, "user-1", "doc-late", 5*time.Minute)
	require.NoError(t, err)
	conn, err := dial(t, srv, "doc-late", tok)
	require.NoError(t, err)
	defer conn.Close()

	expectClose(t, conn, websocket.CloseGoingAway)
	assert.Equal(t, 0, registry.Len())
}

func TestEvictionClosesSubscribers(t *testing.T) {
	srv, registry := newTestGateway(t)

	tok, err := auth.Sign(gwSecret, "user-1", "doc-evict", 5*time.Minute)
	require.NoError(t, err)
	conn, err := dial(t, srv, "doc-evict", tok)
	require.NoError(t, err)
	defer conn.Close()
	readBinaryFrame(t, conn)

	require.NoError(t, registry.Evict(context.Background(), "doc-evict"))
	expectClose(t, conn, websocket.CloseGoingAway)
	assert.Equal(t, 0, registry.Len())
}
