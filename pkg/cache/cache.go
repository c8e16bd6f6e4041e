// Package cache holds the offline snapshot: the last students list fetched
// from the server plus attendance, recitation and bonus entries written
// locally and not yet confirmed by the remote service.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wurt83ow/hifzkeeper/pkg/models"
	"github.com/wurt83ow/hifzkeeper/pkg/storage"
)

// SnapshotKey is the storage key of the persisted snapshot.
const SnapshotKey = "offline_data"

type Cache struct {
	backend storage.Backend
	logger  *slog.Logger
	now     func() time.Time

	// serialises read-modify-write of the snapshot key
	mu sync.Mutex
}

func New(backend storage.Backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		backend: backend,
		logger:  logger.With("component", "cache"),
		now:     time.Now,
	}
}

// Snapshot returns a copy of the persisted snapshot. A missing or unreadable
// snapshot yields an empty one.
func (c *Cache) Snapshot(ctx context.Context) (*models.OfflineSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

// ReplaceSnapshot overwrites the snapshot wholesale, e.g. after a fresh
// server fetch.
func (c *Cache) ReplaceSnapshot(ctx context.Context, snap *models.OfflineSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap == nil {
		snap = models.NewOfflineSnapshot()
	}
	return c.save(ctx, snap)
}

// Reset drops the snapshot.
func (c *Cache) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend.Delete(ctx, SnapshotKey)
}

// CacheStudents replaces the students list and owner and stamps lastSync.
func (c *Cache) CacheStudents(ctx context.Context, students []models.Student, ownerID string) error {
	return c.update(ctx, func(s *models.OfflineSnapshot) {
		s.Students = append([]models.Student(nil), students...)
		s.TeacherID = ownerID
		s.LastSync = c.now().UTC()
	})
}

func (c *Cache) SaveLocalAttendance(ctx context.Context, e models.AttendanceEntry) error {
	return c.update(ctx, func(s *models.OfflineSnapshot) {
		s.Attendance[models.CompositeKey(e.StudentID, e.Date)] = e
	})
}

func (c *Cache) GetLocalAttendance(ctx context.Context, studentID, date string) (models.AttendanceEntry, bool, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return models.AttendanceEntry{}, false, err
	}
	e, ok := snap.Attendance[models.CompositeKey(studentID, date)]
	return e, ok, nil
}

func (c *Cache) ClearLocalAttendance(ctx context.Context, studentID, date string) error {
	return c.update(ctx, func(s *models.OfflineSnapshot) {
		delete(s.Attendance, models.CompositeKey(studentID, date))
	})
}

// SaveLocalRecitation appends; a student may recite several times a day.
func (c *Cache) SaveLocalRecitation(ctx context.Context, e models.RecitationEntry) error {
	return c.update(ctx, func(s *models.OfflineSnapshot) {
		key := models.CompositeKey(e.StudentID, e.Date)
		s.Recitations[key] = append(s.Recitations[key], e)
	})
}

func (c *Cache) GetLocalRecitations(ctx context.Context, studentID, date string) ([]models.RecitationEntry, bool, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	list, ok := snap.Recitations[models.CompositeKey(studentID, date)]
	return list, ok, nil
}

func (c *Cache) ClearLocalRecitations(ctx context.Context, studentID, date string) error {
	return c.update(ctx, func(s *models.OfflineSnapshot) {
		delete(s.Recitations, models.CompositeKey(studentID, date))
	})
}

func (c *Cache) SaveLocalBonusPoints(ctx context.Context, e models.BonusPointsEntry) error {
	return c.update(ctx, func(s *models.OfflineSnapshot) {
		s.BonusPoints[models.CompositeKey(e.StudentID, e.Date)] = e
	})
}

func (c *Cache) GetLocalBonusPoints(ctx context.Context, studentID, date string) (models.BonusPointsEntry, bool, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return models.BonusPointsEntry{}, false, err
	}
	e, ok := snap.BonusPoints[models.CompositeKey(studentID, date)]
	return e, ok, nil
}

func (c *Cache) ClearLocalBonusPoints(ctx context.Context, studentID, date string) error {
	return c.update(ctx, func(s *models.OfflineSnapshot) {
		delete(s.BonusPoints, models.CompositeKey(studentID, date))
	})
}

// MergeAttendanceData combines confirmed server statuses with locally cached
// ones. Server values always win; a local status is used only for a student
// the server map does not mention.
func (c *Cache) MergeAttendanceData(ctx context.Context, server map[string]string, students []models.Student, date string) (map[string]string, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string, len(server)+len(students))
	for id, status := range server {
		merged[id] = status
	}
	for _, st := range students {
		if _, ok := server[st.ID]; ok {
			continue
		}
		if e, ok := snap.Attendance[models.CompositeKey(st.ID, date)]; ok {
			merged[st.ID] = e.Status
		}
	}
	return merged, nil
}

func (c *Cache) update(ctx context.Context, fn func(*models.OfflineSnapshot)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, err := c.load(ctx)
	if err != nil {
		return err
	}
	fn(snap)
	return c.save(ctx, snap)
}

// load must be called with mu held.
func (c *Cache) load(ctx context.Context) (*models.OfflineSnapshot, error) {
	raw, err := c.backend.Get(ctx, SnapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return models.NewOfflineSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read offline snapshot: %w", err)
	}
	snap := models.NewOfflineSnapshot()
	if err := json.Unmarshal(raw, snap); err != nil {
		c.logger.Warn("discarding unreadable offline snapshot", "error", err)
		return models.NewOfflineSnapshot(), nil
	}
	if snap.Attendance == nil {
		snap.Attendance = make(map[string]models.AttendanceEntry)
	}
	if snap.Recitations == nil {
		snap.Recitations = make(map[string][]models.RecitationEntry)
	}
	if snap.BonusPoints == nil {
		snap.BonusPoints = make(map[string]models.BonusPointsEntry)
	}
	return snap, nil
}

// save must be called with mu held.
func (c *Cache) save(ctx context.Context, snap *models.OfflineSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode offline snapshot: %w", err)
	}
	if err := c.backend.Put(ctx, SnapshotKey, raw); err != nil {
		c.logger.Error("failed to persist offline snapshot", "error", err)
		return fmt.Errorf("write offline snapshot: %w", err)
	}
	return nil
}
