package events

import "time"

// 事件类型
const (
	TypeSnapshotSaved     = "SNAPSHOT_SAVED"
	TypeRoomClosed        = "ROOM_CLOSED"
	TypeMetadataBroadcast = "METADATA_BROADCAST"
)

// DocEvent is the side-channel notification published for back-office
// consumers. Best effort, at-most-once: losing one never rolls back or
// blocks the mutation it describes.
type DocEvent struct {
	EventType  string    `json:"eventType"`
	DocID      string    `json:"docId"`
	ActorID    string    `json:"actorId,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Fanout would relay replica updates to sibling instances. Multi-instance
// fan-out is out of scope; NopFanout is the placeholder wired today.
type Fanout interface {
	Publish(docID string, update []byte)
}

type NopFanout struct{}

func (NopFanout) Publish(string, []byte) {}
