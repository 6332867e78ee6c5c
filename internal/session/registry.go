package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"syncsession/internal/events"
	"syncsession/internal/resolve"
	"syncsession/internal/store"
)

// Registry 是会话权威状态的唯一拥有者。
// 并发契约：不同会话完全并行；同一会话的变更由 entry.mu 串行化，广播与
// 事件在持锁期间只做入队，所以所有观察者继承应用顺序。

// FieldRule 字段级覆盖：策略覆盖 sessionKind 默认，policy 供 merge 使用。
type FieldRule struct {
	Strategy resolve.Strategy    `mapstructure:"strategy"`
	Policy   resolve.FieldPolicy `mapstructure:"policy"`
}

type Config struct {
	ConflictWindow  time.Duration
	SessionTTL      time.Duration
	RingCapacity    int
	JoinReplay      int
	PendingCap      int
	DefaultStrategy resolve.Strategy
	StrategyByKind  map[Kind]resolve.Strategy
	FieldRules      map[string]FieldRule
}

func (c *Config) normalize() {
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = 5 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = 100
	}
	if c.JoinReplay <= 0 {
		c.JoinReplay = 10
	}
	if c.PendingCap <= 0 {
		c.PendingCap = 100
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = resolve.StrategyLatestWins
	}
}

// Broadcaster receives applied changes. Implementations must only enqueue:
// the registry calls this while holding the per-session lock.
type Broadcaster interface {
	StateChanged(sessionID string, rec ChangeRecord, snap StateSnapshot, excludeConnID string)
}

// ApplyRequest is one mutation entering the registry, from a live connection
// or from the programmatic API.
type ApplyRequest struct {
	SessionID          string
	FieldPath          string
	NewValue           any
	Platform           Platform
	UserID             string
	SourceConnectionID string
}

type entry struct {
	mu      sync.Mutex
	sess    *Session
	history *historyRing
	pending []PendingConflict
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cfg      Config
	store    store.Store
	resolver *resolve.Resolver
	events   events.Sink
	archive  *store.Archive
	bcast    Broadcaster
	logger   *slog.Logger

	loads singleflight.Group
}

func NewRegistry(cfg Config, st store.Store, res *resolve.Resolver, sink events.Sink, logger *slog.Logger) *Registry {
	cfg.normalize()
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]*entry),
		cfg:      cfg,
		store:    st,
		resolver: res,
		events:   sink,
		logger:   logger,
	}
}

// SetBroadcaster wires the fan-out engine after construction (the hub needs
// the registry and vice versa).
func (r *Registry) SetBroadcaster(b Broadcaster) { r.bcast = b }

// SetArchive wires the optional terminal-snapshot archive.
func (r *Registry) SetArchive(a *store.Archive) { r.archive = a }

func (r *Registry) JoinReplay() int { return r.cfg.JoinReplay }

// Create builds a new session with snapshot version 1. The snapshot starts
// dirty so the first flush cycle persists it.
func (r *Registry) Create(ctx context.Context, ownerID string, kind Kind, platform Platform, initial map[string]any) (Session, error) {
	now := time.Now()
	payload := clonePayload(initial)
	sess := &Session{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Kind:           kind,
		OriginPlatform: platform,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(r.cfg.SessionTTL),
		Access:         AccessPolicy{Mode: AccessPublic},
		Snapshot: StateSnapshot{
			Version:   1,
			Payload:   payload,
			Checksum:  Checksum(payload),
			UpdatedAt: now,
			Dirty:     true,
		},
	}
	e := &entry{sess: sess, history: newHistoryRing(r.cfg.RingCapacity)}

	r.mu.Lock()
	r.entries[sess.ID] = e
	r.mu.Unlock()

	r.events.Emit(events.Event{
		EventType: events.TypeSessionCreated,
		SessionID: sess.ID,
		Kind:      string(kind),
		Platform:  string(platform),
		UserID:    ownerID,
		Version:   1,
		At:        now,
	})
	return r.copyOf(e), nil
}

// Get returns a detached copy of the session, loading it from the store on a
// cache miss. Expired sessions are not found.
func (r *Registry) Get(ctx context.Context, sessionID string) (Session, error) {
	e, err := r.getEntry(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	return r.copyOf(e), nil
}

// Authorize is Get plus the access-policy check, the join path in one call.
func (r *Registry) Authorize(ctx context.Context, sessionID, userID string) (Session, error) {
	e, err := r.getEntry(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sess.Access.Allows(userID, e.sess.OwnerID) {
		return Session{}, ErrAccessDenied
	}
	return copyLocked(e), nil
}

// ApplyChange is the single mutation path. Steps: conflict lookup in the
// recent-history window, resolution, apply + version bump, record append,
// fan-out. Returns ErrConflictPending when a user-choice conflict defers.
func (r *Registry) ApplyChange(ctx context.Context, req ApplyRequest) (ChangeRecord, StateSnapshot, error) {
	if req.FieldPath == "" {
		return ChangeRecord{}, StateSnapshot{}, ErrBadField
	}
	e, err := r.getEntry(ctx, req.SessionID)
	if err != nil {
		return ChangeRecord{}, StateSnapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.sess.Expired(now) {
		return ChangeRecord{}, StateSnapshot{}, ErrSessionNotFound
	}

	value := req.NewValue
	conflicting, hasConflict := e.history.latestConflicting(req.FieldPath, req.SourceConnectionID, now.Add(-r.cfg.ConflictWindow))
	if hasConflict {
		strategy, policy := r.ruleFor(e.sess.Kind, req.FieldPath)
		oldValue, _ := getPath(e.sess.Snapshot.Payload, req.FieldPath)
		outcome, rerr := r.resolver.Resolve(
			resolve.Candidate{Value: oldValue, Platform: string(conflicting.OriginPlatform), AppliedAt: conflicting.AppliedAt},
			resolve.Candidate{Value: req.NewValue, Platform: string(req.Platform), AppliedAt: now},
			strategy, policy,
		)
		r.events.Emit(events.Event{
			EventType:    events.TypeConflictDetected,
			SessionID:    e.sess.ID,
			FieldPath:    req.FieldPath,
			Platform:     string(req.Platform),
			UserID:       req.UserID,
			ConnectionID: req.SourceConnectionID,
			Strategy:     string(strategy),
			At:           now,
		})
		if rerr != nil {
			// 配置错误而不是用户错误：拒绝本次变更，旧值保持权威
			r.logger.Error("conflict resolution misconfigured",
				slog.String("sessionId", e.sess.ID),
				slog.String("field", req.FieldPath),
				slog.String("strategy", string(strategy)),
				slog.Any("error", rerr))
			return ChangeRecord{}, StateSnapshot{}, ErrConflictResolution
		}
		if outcome.Deferred {
			// 裁决队列和历史环一样有界：满了按“保留旧值”丢最老的一条
			if len(e.pending) >= r.cfg.PendingCap {
				r.logger.Warn("pending conflict queue full, dropping oldest",
					slog.String("sessionId", e.sess.ID),
					slog.String("conflictId", e.pending[0].ID))
				e.pending = append(e.pending[:0], e.pending[1:]...)
			}
			e.pending = append(e.pending, PendingConflict{
				ID:              uuid.NewString(),
				SessionID:       e.sess.ID,
				FieldPath:       req.FieldPath,
				OldValue:        cloneValue(oldValue),
				NewValue:        cloneValue(req.NewValue),
				OldPlatform:     conflicting.OriginPlatform,
				NewPlatform:     req.Platform,
				NewConnectionID: req.SourceConnectionID,
				NewUserID:       req.UserID,
				DetectedAt:      now,
			})
			return ChangeRecord{}, copyLocked(e).Snapshot, ErrConflictPending
		}
		value = outcome.Value
	}

	rec, snap, err := r.applyLocked(e, req, value, now)
	if err != nil {
		return ChangeRecord{}, StateSnapshot{}, err
	}
	return rec, snap, nil
}

// applyLocked performs the actual mutation. Caller holds e.mu.
func (r *Registry) applyLocked(e *entry, req ApplyRequest, value any, now time.Time) (ChangeRecord, StateSnapshot, error) {
	oldValue, _ := getPath(e.sess.Snapshot.Payload, req.FieldPath)
	if err := setPath(e.sess.Snapshot.Payload, req.FieldPath, cloneValue(value)); err != nil {
		return ChangeRecord{}, StateSnapshot{}, err
	}
	e.sess.Snapshot.Version++
	e.sess.Snapshot.Checksum = Checksum(e.sess.Snapshot.Payload)
	e.sess.Snapshot.UpdatedAt = now
	e.sess.Snapshot.Dirty = true
	e.sess.LastActivityAt = now

	rec := ChangeRecord{
		ID:                 uuid.NewString(),
		SessionID:          e.sess.ID,
		FieldPath:          req.FieldPath,
		OldValue:           cloneValue(oldValue),
		NewValue:           cloneValue(value),
		Version:            e.sess.Snapshot.Version,
		AppliedAt:          now,
		OriginPlatform:     req.Platform,
		SourceConnectionID: req.SourceConnectionID,
	}
	e.history.append(rec)

	snap := copyLocked(e).Snapshot

	// 持锁入队：广播和事件由此继承每会话的应用顺序
	if r.bcast != nil {
		r.bcast.StateChanged(e.sess.ID, rec, snap, req.SourceConnectionID)
	}
	r.events.Emit(events.Event{
		EventType:    events.TypeStateChanged,
		SessionID:    e.sess.ID,
		Kind:         string(e.sess.Kind),
		Platform:     string(req.Platform),
		UserID:       req.UserID,
		ConnectionID: req.SourceConnectionID,
		FieldPath:    req.FieldPath,
		Version:      rec.Version,
		At:           now,
	})
	return rec, snap, nil
}

// History returns up to limit recent change records, oldest first.
func (r *Registry) History(ctx context.Context, sessionID string, limit int) ([]ChangeRecord, error) {
	e, err := r.getEntry(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.tail(limit), nil
}

// ChangesSince serves sync_request: records newer than the client's version
// plus the current snapshot for full reconciliation.
func (r *Registry) ChangesSince(ctx context.Context, sessionID string, sinceVersion uint64) ([]ChangeRecord, StateSnapshot, error) {
	e, err := r.getEntry(ctx, sessionID)
	if err != nil {
		return nil, StateSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.since(sinceVersion), copyLocked(e).Snapshot, nil
}

func (r *Registry) PendingConflicts(ctx context.Context, sessionID string) ([]PendingConflict, error) {
	e, err := r.getEntry(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingConflict, len(e.pending))
	copy(out, e.pending)
	return out, nil
}

// ResolvePending adjudicates a queued user-choice conflict. choice "keep"
// drops the challenger; "take" applies it as a normal mutation attributed to
// the adjudicator.
func (r *Registry) ResolvePending(ctx context.Context, sessionID, conflictID, choice, userID string) (StateSnapshot, error) {
	e, err := r.getEntry(ctx, sessionID)
	if err != nil {
		return StateSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i, p := range e.pending {
		if p.ID == conflictID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return StateSnapshot{}, ErrConflictNotFound
	}
	p := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)

	if choice != "take" {
		return copyLocked(e).Snapshot, nil
	}
	_, snap, err := r.applyLocked(e, ApplyRequest{
		SessionID:          sessionID,
		FieldPath:          p.FieldPath,
		NewValue:           p.NewValue,
		Platform:           p.NewPlatform,
		UserID:             userID,
		SourceConnectionID: p.NewConnectionID,
	}, p.NewValue, time.Now())
	return snap, err
}

// UpdateAccess replaces the access policy; owner only.
func (r *Registry) UpdateAccess(ctx context.Context, sessionID, userID string, policy AccessPolicy) error {
	e, err := r.getEntry(ctx, sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.OwnerID != userID {
		return ErrAccessDenied
	}
	e.sess.Access = policy
	e.sess.Snapshot.Dirty = true
	return nil
}

// Close flushes, archives and evicts a session; owner only.
func (r *Registry) Close(ctx context.Context, sessionID, userID string) error {
	e, err := r.getEntry(ctx, sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.sess.OwnerID != userID {
		e.mu.Unlock()
		return ErrAccessDenied
	}
	e.mu.Unlock()

	// 先出注册表再终结，后续变更无法再路由到这个会话
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
	r.terminate(ctx, e, "closed", events.TypeSessionClosed)
	return nil
}

// FlushDirty persists every dirty session once and returns how many were
// written. Clean sessions are skipped entirely. Serialization happens under
// the session lock, the store write does not, so a slow store never stalls
// ApplyChange.
func (r *Registry) FlushDirty(ctx context.Context) int {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	flushed := 0
	for _, e := range snapshot {
		e.mu.Lock()
		if !e.sess.Snapshot.Dirty {
			e.mu.Unlock()
			continue
		}
		job, err := r.prepareFlushLocked(e)
		sessionID := e.sess.ID
		e.mu.Unlock()

		if err == nil {
			err = r.writeFlush(ctx, e, job)
		}
		if err != nil {
			// 存储不可用：保持 dirty，下个周期重试，不向客户端暴露
			r.logger.Warn("flush failed, will retry",
				slog.String("sessionId", sessionID),
				slog.Any("error", err))
			continue
		}
		flushed++
	}
	return flushed
}

// SweepExpired evicts sessions past their deadline after a final flush and
// archive write. Returns the number evicted.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time) int {
	r.mu.RLock()
	expired := make(map[string]*entry)
	for id, e := range r.entries {
		expired[id] = e
	}
	r.mu.RUnlock()

	evicted := 0
	for id, e := range expired {
		e.mu.Lock()
		if !e.sess.Expired(now) {
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		r.terminate(ctx, e, "expired", events.TypeSessionExpired)
		evicted++
	}
	return evicted
}

// terminate runs the common end-of-life sequence: final flush, archive row,
// lifecycle event. The entry is already removed from the registry map; the
// lock is only held to snapshot state, never across store or archive writes.
func (r *Registry) terminate(ctx context.Context, e *entry, reason string, evtType events.Type) {
	e.mu.Lock()
	dirty := e.sess.Snapshot.Dirty
	job, jerr := r.prepareFlushLocked(e)
	payload, _ := json.Marshal(e.sess.Snapshot.Payload)
	arch := store.ArchivedSession{
		SessionID: e.sess.ID,
		Kind:      string(e.sess.Kind),
		OwnerID:   e.sess.OwnerID,
		Version:   e.sess.Snapshot.Version,
		Checksum:  e.sess.Snapshot.Checksum,
		Payload:   payload,
		Reason:    reason,
	}
	e.mu.Unlock()

	if dirty {
		if jerr == nil {
			jerr = r.writeFlush(ctx, e, job)
		}
		if jerr != nil {
			r.logger.Warn("final flush failed",
				slog.String("sessionId", arch.SessionID),
				slog.Any("error", jerr))
		}
	}
	if err := r.archive.SaveTerminalSnapshot(ctx, arch); err != nil {
		r.logger.Warn("archive write failed",
			slog.String("sessionId", arch.SessionID),
			slog.Any("error", err))
	}
	r.events.Emit(events.Event{
		EventType: evtType,
		SessionID: arch.SessionID,
		Kind:      arch.Kind,
		Version:   arch.Version,
		At:        time.Now(),
	})
}

// persistedSession is the durable blob: the session plus the history tail and
// pending conflicts, so a restart can replay recent context to joiners.
type persistedSession struct {
	Session Session           `json:"session"`
	History []ChangeRecord    `json:"history,omitempty"`
	Pending []PendingConflict `json:"pending,omitempty"`
}

// flushJob is a serialized session handed to the store writer after the
// session lock is released.
type flushJob struct {
	sessionID string
	key       string
	blob      []byte
	ttl       time.Duration
	version   uint64
}

// prepareFlushLocked serializes the durable blob with the remaining lifetime
// as TTL. Caller holds e.mu.
func (r *Registry) prepareFlushLocked(e *entry) (flushJob, error) {
	blob, err := json.Marshal(persistedSession{
		Session: *e.sess,
		History: e.history.tail(0),
		Pending: e.pending,
	})
	if err != nil {
		return flushJob{}, err
	}
	ttl := time.Until(e.sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return flushJob{
		sessionID: e.sess.ID,
		key:       store.SessionKey(e.sess.ID),
		blob:      blob,
		ttl:       ttl,
		version:   e.sess.Snapshot.Version,
	}, nil
}

// writeFlush performs the store write without holding the session lock, then
// clears the dirty flag — unless a newer change landed while the write was in
// flight, in which case the session stays dirty for the next cycle.
func (r *Registry) writeFlush(ctx context.Context, e *entry, job flushJob) error {
	if err := r.store.SetWithTTL(ctx, job.key, job.blob, job.ttl); err != nil {
		return err
	}
	e.mu.Lock()
	if e.sess.Snapshot.Version == job.version {
		e.sess.Snapshot.Dirty = false
	}
	e.mu.Unlock()
	r.events.Emit(events.Event{
		EventType: events.TypeSnapshotFlushed,
		SessionID: job.sessionID,
		Version:   job.version,
		At:        time.Now(),
	})
	return nil
}

// ruleFor picks the strategy and merge policy for one field: field override
// first, then the session-kind default, then the global default.
func (r *Registry) ruleFor(kind Kind, fieldPath string) (resolve.Strategy, resolve.FieldPolicy) {
	rule, ok := r.cfg.FieldRules[fieldPath]
	strategy := rule.Strategy
	if !ok || strategy == "" {
		if s, found := r.cfg.StrategyByKind[kind]; found {
			strategy = s
		} else {
			strategy = r.cfg.DefaultStrategy
		}
	}
	return strategy, rule.Policy
}

// getEntry returns the live entry, loading from the store on a miss.
// Concurrent misses for the same id collapse into one store read.
func (r *Registry) getEntry(ctx context.Context, sessionID string) (*entry, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	r.mu.RLock()
	e := r.entries[sessionID]
	r.mu.RUnlock()
	if e != nil {
		if r.expiredEntry(e) {
			return nil, ErrSessionNotFound
		}
		return e, nil
	}

	v, err, _ := r.loads.Do(sessionID, func() (any, error) {
		return r.loadFromStore(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	e = v.(*entry)
	if r.expiredEntry(e) {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

func (r *Registry) expiredEntry(e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Expired(time.Now())
}

func (r *Registry) loadFromStore(ctx context.Context, sessionID string) (*entry, error) {
	blob, ok, err := r.store.Get(ctx, store.SessionKey(sessionID))
	if err != nil {
		r.logger.Warn("store read failed",
			slog.String("sessionId", sessionID),
			slog.Any("error", err))
		return nil, ErrSessionNotFound
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	var p persistedSession
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, ErrSessionNotFound
	}

	sess := p.Session
	sess.Snapshot.Dirty = false
	e := &entry{sess: &sess, history: newHistoryRing(r.cfg.RingCapacity), pending: p.Pending}
	for _, rec := range p.History {
		e.history.append(rec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.entries[sessionID]; existing != nil {
		return existing, nil
	}
	r.entries[sessionID] = e
	return e, nil
}

func (r *Registry) copyOf(e *entry) Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyLocked(e)
}

// copyLocked detaches a session value from the authoritative state. Caller
// holds e.mu.
func copyLocked(e *entry) Session {
	s := *e.sess
	s.Snapshot.Payload = clonePayload(e.sess.Snapshot.Payload)
	return s
}
