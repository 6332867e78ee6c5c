package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):    会话在线连接（ZSet<connId, expireAtUnix>，score=expireAt）
// - membersKey(sessionID): 连接元数据 connId→"userId|platform"（Hash）

const (
	keyRoomFmt    = "presence:session:{%s}"         // ZSet<connId, expireAtUnix>
	keyMembersFmt = "presence:session:members:{%s}" // Hash<connId -> userId|platform>
)

func roomKey(sessionID string) string    { return fmt.Sprintf(keyRoomFmt, sessionID) }
func membersKey(sessionID string) string { return fmt.Sprintf(keyMembersFmt, sessionID) }
