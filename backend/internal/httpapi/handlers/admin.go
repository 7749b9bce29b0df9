package handlers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"collabsync/backend/internal/session"
	"collabsync/backend/internal/ws"
)

// Events is the best-effort side channel the admin surface publishes to.
// May be nil.
type Events interface {
	RoomClosed(docID, actorID string)
	MetadataBroadcast(docID string, payload []byte)
}

type Admin struct {
	registry *session.Registry
	events   Events
}

func NewAdmin(registry *session.Registry, events Events) *Admin {
	return &Admin{registry: registry, events: events}
}

// CloseRoom force-evicts a session (used on document deletion). The flush is
// synchronous; subscriber connections are closed as the session detaches them.
func (a *Admin) CloseRoom(c *gin.Context) {
	key, err := session.ParseKey(c.Param("doc"))
	if err != nil {
		c.JSON(400, gin.H{"code": "BAD_DOCUMENT_KEY"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()
	if err := a.registry.Evict(ctx, key.Storage); err != nil {
		log.Printf("admin close room failed doc=%s: %v", key.Storage, err)
		c.JSON(500, gin.H{"code": "EVICT_FAILED", "message": err.Error()})
		return
	}
	if a.events != nil {
		a.events.RoomClosed(key.Storage, "admin")
	}
	c.JSON(200, gin.H{"closed": key.Storage})
}

// BroadcastMeta pushes an out-of-band notification (e.g. a title change) to
// every subscriber of a document. The replica is never touched; delivery is
// best effort.
func (a *Admin) BroadcastMeta(c *gin.Context) {
	key, err := session.ParseKey(c.Param("doc"))
	if err != nil {
		c.JSON(400, gin.H{"code": "BAD_DOCUMENT_KEY"})
		return
	}

	var payload json.RawMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(400, gin.H{"code": "BAD_PAYLOAD", "message": err.Error()})
		return
	}

	sess, ok := a.registry.Lookup(key.Storage)
	if !ok {
		c.JSON(404, gin.H{"code": "ROOM_NOT_FOUND"})
		return
	}

	frame, err := json.Marshal(ws.MetaMessage{Type: "meta", DocID: key.Full, Payload: payload})
	if err != nil {
		c.JSON(500, gin.H{"code": "INTERNAL"})
		return
	}
	if err := sess.BroadcastMeta(frame); err != nil {
		c.JSON(404, gin.H{"code": "ROOM_NOT_FOUND"})
		return
	}
	if a.events != nil {
		a.events.MetadataBroadcast(key.Storage, payload)
	}
	c.JSON(200, gin.H{"broadcast": key.Storage})
}
