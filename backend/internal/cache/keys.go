package cache

import "fmt"

// 键语义：
// - roomKey(docKey):   房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docKey):  房间内 userId→email 映射（Hash）

const (
	keyRoomFmt  = "presence:room:{doc:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt = "presence:room:names:{doc:%s}" // Hash<userId -> email>
)

func roomKey(docKey string) string  { return fmt.Sprintf(keyRoomFmt, docKey) }
func namesKey(docKey string) string { return fmt.Sprintf(keyNamesFmt, docKey) }
