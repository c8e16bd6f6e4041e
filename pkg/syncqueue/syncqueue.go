// Package syncqueue keeps the ordered queue of writes that have not yet been
// confirmed by the remote service and replays them against it.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wurt83ow/hifzkeeper/pkg/models"
	"github.com/wurt83ow/hifzkeeper/pkg/storage"
)

const (
	QueueKey      = "sync_queue"
	DeadLetterKey = "sync_dead_letter"

	// BackgroundSyncTag is the tag registered for deferred replay.
	BackgroundSyncTag = "sync-queue"
)

var ErrUnknownPayload = errors.New("syncqueue: unknown payload type")

// Remote is the remote data service the queue replays against. Any returned
// error means "retry later".
type Remote interface {
	RecordAttendance(ctx context.Context, e models.AttendanceEntry) error
	InsertRecitations(ctx context.Context, records []models.RecitationEntry) error
	InsertBonusPoints(ctx context.Context, records []models.BonusPointsEntry) error
	UpdateStudent(ctx context.Context, studentID string, fields map[string]any) error
	InsertCheckRecords(ctx context.Context, records []models.CheckRecord) error
	UpsertTeachingSession(ctx context.Context, s models.TeachingSession) error
}

// LocalCache is the part of the offline snapshot cleared once a write is
// confirmed.
type LocalCache interface {
	ClearLocalAttendance(ctx context.Context, studentID, date string) error
	ClearLocalRecitations(ctx context.Context, studentID, date string) error
	ClearLocalBonusPoints(ctx context.Context, studentID, date string) error
}

// BackgroundSync asks the platform to trigger a replay once connectivity is
// back. It is optional.
type BackgroundSync interface {
	Register(ctx context.Context, tag string) error
}

// Recorder persists replay bookkeeping.
type Recorder interface {
	RecordReplay(at time.Time, succeeded, failed, pending int) error
}

// RetryPolicy is off in its zero value: failed items are retried on every
// pass, forever.
type RetryPolicy struct {
	// MaxAttempts moves an item to the dead-letter list after that many
	// failures. Zero means unlimited.
	MaxAttempts int
	// BaseDelay enables exponential backoff between attempts.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) delay(attempts int) time.Duration {
	if p.BaseDelay <= 0 || attempts <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Result summarises one ReplayAll call.
type Result struct {
	Attempted    int
	Succeeded    int
	Failed       int
	Skipped      int
	DeadLettered int
	// Coalesced is set when the call found a replay already running and
	// was folded into it as a follow-up.
	Coalesced bool
}

func (r *Result) add(o Result) {
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.DeadLettered += o.DeadLettered
}

type Manager struct {
	backend  storage.Backend
	remote   Remote
	cache    LocalCache
	bgSync   BackgroundSync
	recorder Recorder
	policy   RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	// guards read-modify-write of the queue and dead-letter keys
	mu sync.Mutex

	replayMu  sync.Mutex
	replaying bool
	followUp  bool

	events eventBus
}

type Option func(*Manager)

func WithBackgroundSync(bg BackgroundSync) Option {
	return func(m *Manager) { m.bgSync = bg }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a queue over backend. cache may be nil.
func NewManager(backend storage.Backend, remote Remote, cache LocalCache, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		remote:  remote,
		cache:   cache,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "syncqueue")
	return m
}

// Enqueue appends a new item for payload and persists the queue. A
// background-sync registration is attempted but its failure is not an error.
func (m *Manager) Enqueue(ctx context.Context, payload models.Payload) (models.SyncQueueItem, error) {
	if payload == nil {
		return models.SyncQueueItem{}, errors.New("syncqueue: nil payload")
	}
	item := models.SyncQueueItem{
		ID:         m.newID(),
		Type:       payload.ItemType(),
		Payload:    payload,
		EnqueuedAt: m.now().UTC(),
	}

	m.mu.Lock()
	items, err := m.load(ctx, QueueKey)
	if err == nil {
		items = append(items, item)
		err = m.save(ctx, QueueKey, items)
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("failed to enqueue sync item", "type", item.Type, "error", err)
		return models.SyncQueueItem{}, err
	}
	m.logger.Debug("sync item enqueued", "id", item.ID, "type", item.Type)

	if m.bgSync != nil {
		if err := m.bgSync.Register(ctx, BackgroundSyncTag); err != nil {
			m.logger.Debug("background sync registration unavailable", "error", err)
		}
	}
	return item, nil
}

// PeekQueue returns the pending items in replay order.
func (m *Manager) PeekQueue(ctx context.Context) ([]models.SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, QueueKey)
}

func (m *Manager) Pending(ctx context.Context) (int, error) {
	items, err := m.PeekQueue(ctx)
	return len(items), err
}

// Dequeue removes the item with id. Missing ids are ignored.
func (m *Manager) Dequeue(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, err := m.load(ctx, QueueKey)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].ID == id {
			items = append(items[:i], items[i+1:]...)
			return m.save(ctx, QueueKey, items)
		}
	}
	return nil
}

// Clear drops every pending item.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.backend.Delete(ctx, QueueKey); err != nil {
		return fmt.Errorf("clear sync queue: %w", err)
	}
	m.logger.Info("sync queue cleared")
	return nil
}

func (m *Manager) DeadLetters(ctx context.Context) ([]models.SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, DeadLetterKey)
}

// RetryDeadLetters moves dead-lettered items back to the end of the queue
// with their attempt counters reset. It returns how many were moved.
func (m *Manager) RetryDeadLetters(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dead, err := m.load(ctx, DeadLetterKey)
	if err != nil || len(dead) == 0 {
		return 0, err
	}
	items, err := m.load(ctx, QueueKey)
	if err != nil {
		return 0, err
	}
	for _, it := range dead {
		it.Attempts = 0
		it.NextAttemptAt = time.Time{}
		it.LastError = ""
		items = append(items, it)
	}
	if err := m.save(ctx, QueueKey, items); err != nil {
		return 0, err
	}
	if err := m.backend.Delete(ctx, DeadLetterKey); err != nil {
		return 0, err
	}
	return len(dead), nil
}

// ReplayAll replays the items queued at call time, one at a time and in
// order. A failed item stays queued and the pass moves on. If a replay is
// already running the call returns at once with Coalesced set, and the
// running replay does one more pass over items it has not tried yet.
func (m *Manager) ReplayAll(ctx context.Context) (Result, error) {
	m.replayMu.Lock()
	if m.replaying {
		m.followUp = true
		m.replayMu.Unlock()
		m.logger.Debug("replay already running, queued follow-up pass")
		return Result{Coalesced: true}, nil
	}
	m.replaying = true
	m.replayMu.Unlock()

	var total Result
	attempted := make(map[string]struct{})
	for {
		res, err := m.replayPass(ctx, attempted)
		total.add(res)

		m.replayMu.Lock()
		again := err == nil && m.followUp
		m.followUp = false
		if !again {
			m.replaying = false
		}
		m.replayMu.Unlock()

		if !again {
			m.finish(ctx, total)
			return total, err
		}
	}
}

func (m *Manager) replayPass(ctx context.Context, attempted map[string]struct{}) (Result, error) {
	var res Result
	items, err := m.PeekQueue(ctx)
	if err != nil {
		return res, err
	}
	now := m.now()
	for _, item := range items {
		if _, seen := attempted[item.ID]; seen {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !item.NextAttemptAt.IsZero() && item.NextAttemptAt.After(now) {
			res.Skipped++
			continue
		}
		attempted[item.ID] = struct{}{}
		res.Attempted++

		if err := m.dispatch(ctx, item); err != nil {
			res.Failed++
			m.logger.Warn("sync item failed, leaving queued",
				"id", item.ID, "type", item.Type, "attempts", item.Attempts+1, "error", err)
			dead := m.recordFailure(ctx, item, err)
			if dead {
				res.DeadLettered++
				m.events.emit(Event{Kind: EventDeadLettered, Item: item, Err: err})
			} else {
				m.events.emit(Event{Kind: EventSyncFailed, Item: item, Err: err})
			}
			continue
		}

		if err := m.Dequeue(ctx, item.ID); err != nil {
			// the remote write happened; a later pass resubmits it
			m.logger.Error("failed to dequeue synced item", "id", item.ID, "error", err)
			continue
		}
		m.clearLocal(ctx, item)
		res.Succeeded++
		m.logger.Debug("sync item completed", "id", item.ID, "type", item.Type)
		m.events.emit(Event{Kind: EventSyncComplete, Item: item})
	}
	return res, nil
}

func (m *Manager) dispatch(ctx context.Context, item models.SyncQueueItem) error {
	switch p := item.Payload.(type) {
	case models.AttendancePayload:
		return m.remote.RecordAttendance(ctx, p.AttendanceEntry)
	case models.RecitationPayload:
		return m.remote.InsertRecitations(ctx, p.Records)
	case models.BonusPointsPayload:
		return m.remote.InsertBonusPoints(ctx, p.Records)
	case models.StudentUpdatePayload:
		return m.remote.UpdateStudent(ctx, p.StudentID, p.Fields)
	case models.CheckRecordsPayload:
		return m.remote.InsertCheckRecords(ctx, p.Records)
	case models.TeachingSessionPayload:
		return m.remote.UpsertTeachingSession(ctx, p.TeachingSession)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownPayload, p)
	}
}

func (m *Manager) clearLocal(ctx context.Context, item models.SyncQueueItem) {
	if m.cache == nil {
		return
	}
	var err error
	switch p := item.Payload.(type) {
	case models.AttendancePayload:
		err = m.cache.ClearLocalAttendance(ctx, p.StudentID, p.Date)
	case models.RecitationPayload:
		for _, k := range uniqueKeys(len(p.Records), func(i int) (string, string) {
			return p.Records[i].StudentID, p.Records[i].Date
		}) {
			err = errors.Join(err, m.cache.ClearLocalRecitations(ctx, k[0], k[1]))
		}
	case models.BonusPointsPayload:
		for _, k := range uniqueKeys(len(p.Records), func(i int) (string, string) {
			return p.Records[i].StudentID, p.Records[i].Date
		}) {
			err = errors.Join(err, m.cache.ClearLocalBonusPoints(ctx, k[0], k[1]))
		}
	}
	if err != nil {
		m.logger.Warn("failed to clear local cache entry", "id", item.ID, "type", item.Type, "error", err)
	}
}

func uniqueKeys(n int, at func(int) (string, string)) [][2]string {
	seen := make(map[[2]string]struct{}, n)
	keys := make([][2]string, 0, n)
	for i := 0; i < n; i++ {
		sid, date := at(i)
		k := [2]string{sid, date}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// recordFailure updates the item in place and reports whether it was moved
// to the dead-letter list.
func (m *Manager) recordFailure(ctx context.Context, item models.SyncQueueItem, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.load(ctx, QueueKey)
	if err != nil {
		m.logger.Error("failed to load queue after sync failure", "error", err)
		return false
	}
	idx := -1
	for i := range items {
		if items[i].ID == item.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	it := &items[idx]
	it.Attempts++
	it.LastError = cause.Error()
	if d := m.policy.delay(it.Attempts); d > 0 {
		it.NextAttemptAt = m.now().Add(d).UTC()
	}

	if m.policy.MaxAttempts > 0 && it.Attempts >= m.policy.MaxAttempts {
		dead, err := m.load(ctx, DeadLetterKey)
		if err != nil {
			m.logger.Error("failed to load dead-letter list", "error", err)
			return false
		}
		letter := *it
		rest := append(items[:idx:idx], items[idx+1:]...)
		// the item leaves the queue first so it is never in both lists
		if err := m.save(ctx, QueueKey, rest); err != nil {
			m.logger.Error("failed to drop dead-lettered item from queue", "id", item.ID, "error", err)
			return false
		}
		if err := m.save(ctx, DeadLetterKey, append(dead, letter)); err != nil {
			m.logger.Error("failed to dead-letter sync item, keeping it queued", "id", item.ID, "error", err)
			if err := m.save(ctx, QueueKey, items); err != nil {
				m.logger.Error("failed to restore sync item", "id", item.ID, "error", err)
			}
			return false
		}
		m.logger.Warn("sync item dead-lettered", "id", item.ID, "type", item.Type, "attempts", m.policy.MaxAttempts)
		return true
	}

	if err := m.save(ctx, QueueKey, items); err != nil {
		m.logger.Error("failed to record sync failure", "id", item.ID, "error", err)
	}
	return false
}

func (m *Manager) finish(ctx context.Context, total Result) {
	if m.recorder == nil || total.Attempted == 0 {
		return
	}
	pending, err := m.Pending(ctx)
	if err != nil {
		m.logger.Warn("failed to count pending items", "error", err)
	}
	if err := m.recorder.RecordReplay(m.now().UTC(), total.Succeeded, total.Failed, pending); err != nil {
		m.logger.Warn("failed to record replay", "error", err)
	}
}

// load must be called with mu held.
func (m *Manager) load(ctx context.Context, key string) ([]models.SyncQueueItem, error) {
	raw, err := m.backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	items := make([]models.SyncQueueItem, 0, len(entries))
	for _, e := range entries {
		var it models.SyncQueueItem
		if err := json.Unmarshal(e, &it); err != nil {
			m.logger.Warn("dropping undecodable sync item", "key", key, "error", err)
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// save must be called with mu held.
func (m *Manager) save(ctx context.Context, key string, items []models.SyncQueueItem) error {
	if len(items) == 0 {
		return m.backend.Delete(ctx, key)
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := m.backend.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
