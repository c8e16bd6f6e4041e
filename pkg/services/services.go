package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wurt83ow/hifzkeeper/pkg/cache"
	"github.com/wurt83ow/hifzkeeper/pkg/gksync"
	"github.com/wurt83ow/hifzkeeper/pkg/models"
	"github.com/wurt83ow/hifzkeeper/pkg/syncqueue"
)

// Remote is the remote data service as used by UI actions.
type Remote interface {
	syncqueue.Remote
	FetchStudents(ctx context.Context, teacherID string) ([]models.Student, error)
	FetchAttendance(ctx context.Context, date string) (map[string]string, error)
}

type Queue interface {
	Enqueue(ctx context.Context, payload models.Payload) (models.SyncQueueItem, error)
}

type Connectivity interface {
	Online() bool
}

// Outcome says where a write ended up.
type Outcome int

const (
	// Synced means the remote service confirmed the write.
	Synced Outcome = iota + 1
	// Queued means the write waits in the sync queue.
	Queued
)

func (o Outcome) String() string {
	switch o {
	case Synced:
		return "synced"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

type Service struct {
	cache  *cache.Cache
	queue  Queue
	remote Remote
	net    Connectivity
	logger *slog.Logger

	// safetyNet also enqueues writes the remote already confirmed.
	safetyNet bool
}

type Option func(*Service)

func WithConnectivity(c Connectivity) Option {
	return func(s *Service) { s.net = c }
}

// WithSafetyNet enqueues every write, even one confirmed online.
func WithSafetyNet(on bool) Option {
	return func(s *Service) { s.safetyNet = on }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServices(c *cache.Cache, queue Queue, remote Remote, opts ...Option) *Service {
	s := &Service{
		cache:  c,
		queue:  queue,
		remote: remote,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "services")
	return s
}

func (s *Service) online() bool {
	return s.net == nil || s.net.Online()
}

// write runs the common path of every UI write: try the remote when online,
// queue on failure or when offline. confirmed runs after a remote success.
func (s *Service) write(ctx context.Context, payload models.Payload, send func(context.Context) error, confirmed func(context.Context) error) (Outcome, error) {
	if s.online() {
		err := send(ctx)
		if err == nil {
			if confirmed != nil {
				if cerr := confirmed(ctx); cerr != nil {
					s.logger.Warn("failed to clear confirmed local entry", "type", payload.ItemType(), "error", cerr)
				}
			}
			if s.safetyNet {
				if _, qerr := s.queue.Enqueue(ctx, payload); qerr != nil {
					s.logger.Warn("safety-net enqueue failed", "type", payload.ItemType(), "error", qerr)
				}
			}
			return Synced, nil
		}
		// любая ошибка удаленного сервиса означает "повторить позже"
		var apiErr *gksync.APIError
		if errors.As(err, &apiErr) {
			s.logger.Warn("remote rejected write, queueing", "type", payload.ItemType(), "status", apiErr.Status)
		} else {
			s.logger.Info("remote unavailable, queueing", "type", payload.ItemType(), "error", err)
		}
	}

	if _, err := s.queue.Enqueue(ctx, payload); err != nil {
		return 0, fmt.Errorf("queue %s: %w", payload.ItemType(), err)
	}
	return Queued, nil
}

// MarkAttendance records a student's attendance for a day.
func (s *Service) MarkAttendance(ctx context.Context, e models.AttendanceEntry) (Outcome, error) {
	if err := s.cache.SaveLocalAttendance(ctx, e); err != nil {
		return 0, err
	}
	return s.write(ctx, models.AttendancePayload{AttendanceEntry: e},
		func(ctx context.Context) error { return s.remote.RecordAttendance(ctx, e) },
		func(ctx context.Context) error {
			if s.safetyNet {
				return nil
			}
			return s.cache.ClearLocalAttendance(ctx, e.StudentID, e.Date)
		})
}

func (s *Service) AddRecitations(ctx context.Context, records []models.RecitationEntry) (Outcome, error) {
	if len(records) == 0 {
		return 0, errors.New("no recitation records")
	}
	for _, r := range records {
		if err := s.cache.SaveLocalRecitation(ctx, r); err != nil {
			return 0, err
		}
	}
	return s.write(ctx, models.RecitationPayload{Records: records},
		func(ctx context.Context) error { return s.remote.InsertRecitations(ctx, records) },
		func(ctx context.Context) error {
			if s.safetyNet {
				return nil
			}
			var errs []error
			for _, r := range records {
				errs = append(errs, s.cache.ClearLocalRecitations(ctx, r.StudentID, r.Date))
			}
			return errors.Join(errs...)
		})
}

func (s *Service) AddBonusPoints(ctx context.Context, records []models.BonusPointsEntry) (Outcome, error) {
	if len(records) == 0 {
		return 0, errors.New("no bonus records")
	}
	for _, r := range records {
		if err := s.cache.SaveLocalBonusPoints(ctx, r); err != nil {
			return 0, err
		}
	}
	return s.write(ctx, models.BonusPointsPayload{Records: records},
		func(ctx context.Context) error { return s.remote.InsertBonusPoints(ctx, records) },
		func(ctx context.Context) error {
			if s.safetyNet {
				return nil
			}
			var errs []error
			for _, r := range records {
				errs = append(errs, s.cache.ClearLocalBonusPoints(ctx, r.StudentID, r.Date))
			}
			return errors.Join(errs...)
		})
}

func (s *Service) UpdateStudent(ctx context.Context, studentID string, fields map[string]any) (Outcome, error) {
	if studentID == "" || len(fields) == 0 {
		return 0, errors.New("student id and fields are required")
	}
	return s.write(ctx, models.StudentUpdatePayload{StudentID: studentID, Fields: fields},
		func(ctx context.Context) error { return s.remote.UpdateStudent(ctx, studentID, fields) }, nil)
}

func (s *Service) AddCheckRecords(ctx context.Context, records []models.CheckRecord) (Outcome, error) {
	if len(records) == 0 {
		return 0, errors.New("no check records")
	}
	return s.write(ctx, models.CheckRecordsPayload{Records: records},
		func(ctx context.Context) error { return s.remote.InsertCheckRecords(ctx, records) }, nil)
}

func (s *Service) SaveTeachingSession(ctx context.Context, ts models.TeachingSession) (Outcome, error) {
	return s.write(ctx, models.TeachingSessionPayload{TeachingSession: ts},
		func(ctx context.Context) error { return s.remote.UpsertTeachingSession(ctx, ts) }, nil)
}

// RefreshStudents replaces the cached students with the server's list. When
// the server cannot be reached the cached list is returned with fromCache
// set.
func (s *Service) RefreshStudents(ctx context.Context, teacherID string) (students []models.Student, fromCache bool, err error) {
	if s.online() {
		students, err = s.remote.FetchStudents(ctx, teacherID)
		if err == nil {
			if err := s.cache.CacheStudents(ctx, students, teacherID); err != nil {
				return nil, false, err
			}
			return students, false, nil
		}
		if !errors.Is(err, gksync.ErrNetworkUnavailable) {
			return nil, false, err
		}
		s.logger.Info("serving cached students", "error", err)
	}

	snap, err := s.cache.Snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	return snap.Students, true, nil
}

// AttendanceView merges confirmed attendance for date with entries still
// waiting to sync. Server values win.
func (s *Service) AttendanceView(ctx context.Context, date string) (map[string]string, error) {
	snap, err := s.cache.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	server := map[string]string{}
	if s.online() {
		fetched, err := s.remote.FetchAttendance(ctx, date)
		switch {
		case err == nil:
			server = fetched
		case errors.Is(err, gksync.ErrNetworkUnavailable):
			s.logger.Info("attendance from local cache only", "date", date)
		default:
			return nil, err
		}
	}
	return s.cache.MergeAttendanceData(ctx, server, snap.Students, date)
}
