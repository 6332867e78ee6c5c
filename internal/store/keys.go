package store

import "fmt"

// 键语义：
// - SessionKey(id): 会话持久化快照（String，JSON blob，TTL = 会话剩余存活时间）

const keySessionFmt = "sync:session:{%s}"

func SessionKey(sessionID string) string { return fmt.Sprintf(keySessionFmt, sessionID) }
