package ws

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/events"
	"collabsync/backend/internal/session"
)

// 鉴权失败的关闭码，客户端据此区分原因
const (
	CloseMissingToken  = 4001
	CloseInvalidToken  = 4002
	CloseExpiredToken  = 4003
	CloseDocMismatch   = 4004
	CloseKeyConflict   = 4005
	CloseBadDocumentID = 4006
)

// 允许本地开发环境的来源
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Gateway authenticates inbound connections and binds them to sessions.
// Everything it needs is injected; there is no ambient registry.
type Gateway struct {
	registry *session.Registry
	verifier *auth.Verifier
	presence cache.PresenceCache
	fanout   events.Fanout
}

func NewGateway(registry *session.Registry, verifier *auth.Verifier, presence cache.PresenceCache, fanout events.Fanout) *Gateway {
	if fanout == nil {
		fanout = events.NopFanout{}
	}
	return &Gateway{registry: registry, verifier: verifier, presence: presence, fanout: fanout}
}

// Connect handles GET /collab/ws?doc=<full key>&token=<jwt>.
// The token is checked before the registry is touched: a rejected connection
// never creates or mutates a session.
func (g *Gateway) Connect(c *gin.Context) {
	docParam := c.Query("doc")
	tokenString := extractBearer(c.GetHeader("Authorization"))
	if tokenString == "" {
		// 浏览器 WebSocket 无法自定义 Header，允许从 query 取
		tokenString = strings.TrimSpace(c.Query("token"))
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	claims, err := g.verifier.Verify(tokenString, docParam)
	if err != nil {
		reject(conn, authCloseCode(err), err.Error())
		return
	}

	sess, err := g.registry.GetOrCreate(docParam)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrKeyConflict):
			reject(conn, CloseKeyConflict, "document key conflict")
		case errors.Is(err, session.ErrBadKey):
			reject(conn, CloseBadDocumentID, "bad document key")
		case errors.Is(err, session.ErrRegistryClosed):
			reject(conn, websocket.CloseGoingAway, "server shutting down")
		default:
			reject(conn, websocket.CloseInternalServerErr, "session unavailable")
		}
		return
	}

	wsConn := newConn(conn, sess.Key(), claims.UserID, claims.Email, sess, g.presence, g.fanout)
	go wsConn.writeLoop()

	state, err := sess.Subscribe(wsConn)
	if err != nil {
		reject(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	// 新订阅者首帧追平到当前全量状态
	wsConn.SendUpdate(state)

	ctx := c.Request.Context()
	if g.presence != nil {
		if err := g.presence.AddMember(ctx, sess.Key().Full, claims.UserID, claims.Email, presenceTTL); err != nil {
			log.Printf("presence add error doc=%s user=%s: %v", sess.Key().Full, claims.UserID, err)
		}
	}

	wsConn.readLoop(ctx)
}

func authCloseCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return CloseMissingToken
	case errors.Is(err, auth.ErrExpiredToken):
		return CloseExpiredToken
	case errors.Is(err, auth.ErrDocumentMismatch):
		return CloseDocMismatch
	default:
		return CloseInvalidToken
	}
}

func reject(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
