package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/events"
	"collabsync/backend/internal/session"
)

const presenceTTL = 600 * time.Second

type outFrame struct {
	messageType int
	payload     []byte
}

// Conn is one live editor connection bound to a session. It is the
// session.Subscriber the actor pushes frames at; writes go through a
// buffered channel so a slow reader never blocks the session goroutine.
type Conn struct {
	ws       *websocket.Conn
	key      session.Key
	userID   string
	email    string
	sess     *session.Session
	presence cache.PresenceCache
	fanout   events.Fanout

	send chan outFrame

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, key session.Key, userID, email string, sess *session.Session, presence cache.PresenceCache, fanout events.Fanout) *Conn {
	return &Conn{
		ws:       ws,
		key:      key,
		userID:   userID,
		email:    email,
		sess:     sess,
		presence: presence,
		fanout:   fanout,
		send:     make(chan outFrame, 64),
		done:     make(chan struct{}),
	}
}

// enqueue drops the frame when the buffer is full; the replica merge is
// idempotent and the client resyncs from full state on reconnect.
func (c *Conn) enqueue(f outFrame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- f:
	default:
	}
}

// SendUpdate implements session.Subscriber.
func (c *Conn) SendUpdate(update []byte) {
	c.enqueue(outFrame{messageType: websocket.BinaryMessage, payload: update})
}

// SendMeta implements session.Subscriber.
func (c *Conn) SendMeta(payload []byte) {
	c.enqueue(outFrame{messageType: websocket.TextMessage, payload: payload})
}

// Detach implements session.Subscriber: the session is going away. Close the
// transport; the read loop unwinds and cleans up.
func (c *Conn) Detach() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"), deadline)
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case f := <-c.send:
			if err := c.ws.WriteMessage(f.messageType, f.payload); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.sess.Unsubscribe(c)
		if c.presence != nil {
			if err := c.presence.RemoveMember(ctx, c.key.Full, c.userID); err != nil {
				log.Printf("presence remove error doc=%s user=%s: %v", c.key.Full, c.userID, err)
			}
		}
		c.closeOnce.Do(func() {
			close(c.done)
			_ = c.ws.Close()
		})
	}()

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			// 同一连接的更新按发送顺序应用
			if err := c.sess.ApplyUpdate(payload, c.userID, c); err != nil {
				if err == session.ErrSessionClosed {
					return
				}
				log.Printf("apply update error doc=%s user=%s: %v", c.key.Full, c.userID, err)
				c.sendServerMessage(ServerMessage{Type: "error", Content: "UPDATE_REJECTED"})
				continue
			}
			// 多实例扇出目前是 no-op 占位
			c.fanout.Publish(c.key.Storage, payload)

		case websocket.TextMessage:
			c.handleControl(ctx, payload)
		}
	}
}

func (c *Conn) handleControl(ctx context.Context, payload []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.sendServerMessage(ServerMessage{Type: "error", Content: "BAD_MESSAGE"})
		return
	}
	switch msg.Type {
	case "heartbeat":
		if c.presence != nil {
			if err := c.presence.AddMember(ctx, c.key.Full, c.userID, c.email, presenceTTL); err != nil {
				log.Printf("presence add error doc=%s user=%s: %v", c.key.Full, c.userID, err)
			}
		}
		c.sendServerMessage(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

	case "members":
		if c.presence == nil {
			c.sendServerMessage(ServerMessage{Type: "members", DocID: c.key.Full})
			return
		}
		members, err := c.presence.AliveMembers(ctx, c.key.Full)
		if err != nil {
			log.Printf("presence members error doc=%s: %v", c.key.Full, err)
			return
		}
		out := make([]PresenceMember, len(members))
		for i, m := range members {
			out[i] = PresenceMember{UserID: m.UserID, Email: m.Email}
		}
		c.sendServerMessage(ServerMessage{Type: "members", DocID: c.key.Full, Members: out})

	default:
		c.sendServerMessage(ServerMessage{Type: "ignored", Content: "Unknown message type"})
	}
}

func (c *Conn) sendServerMessage(msg ServerMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.SendMeta(b)
}
