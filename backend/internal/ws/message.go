package ws

// 更新走二进制帧，控制消息走 JSON 文本帧。

type ClientMessage struct {
	Type string `json:"type"`
}

type PresenceMember struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
}

type ServerMessage struct {
	Type    string           `json:"type"`
	DocID   string           `json:"docId,omitempty"`
	Members []PresenceMember `json:"members,omitempty"`
	Content string           `json:"content,omitempty"`
}

// MetaMessage wraps an out-of-band broadcast (e.g. a title change) pushed by
// the admin surface. Carries no replica state.
type MetaMessage struct {
	Type    string `json:"type"` // 固定 "meta"
	DocID   string `json:"docId"`
	Payload any    `json:"payload"`
}
