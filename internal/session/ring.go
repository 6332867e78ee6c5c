package session

import "time"

// historyRing 近期变更的有界环形缓冲：容量满时丢最老的一条。只在持有所属
// 会话锁时访问。
type historyRing struct {
	records []ChangeRecord
	cap     int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &historyRing{records: make([]ChangeRecord, 0, capacity), cap: capacity}
}

func (r *historyRing) append(rec ChangeRecord) {
	if len(r.records) == r.cap {
		copy(r.records[0:], r.records[1:])
		r.records = r.records[:len(r.records)-1]
	}
	r.records = append(r.records, rec)
}

// latestConflicting returns the most recent record for the same field written
// by a different source within the conflict window.
func (r *historyRing) latestConflicting(fieldPath, sourceConnID string, since time.Time) (ChangeRecord, bool) {
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.AppliedAt.Before(since) {
			break
		}
		if rec.FieldPath == fieldPath && rec.SourceConnectionID != sourceConnID {
			return rec, true
		}
	}
	return ChangeRecord{}, false
}

// tail returns up to n most recent records, oldest first.
func (r *historyRing) tail(n int) []ChangeRecord {
	if n <= 0 || n > len(r.records) {
		n = len(r.records)
	}
	out := make([]ChangeRecord, n)
	copy(out, r.records[len(r.records)-n:])
	return out
}

// since returns records with a version strictly greater than v, oldest first.
func (r *historyRing) since(v uint64) []ChangeRecord {
	out := []ChangeRecord{}
	for _, rec := range r.records {
		if rec.Version > v {
			out = append(out, rec)
		}
	}
	return out
}
