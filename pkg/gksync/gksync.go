// Package gksync is the client of the remote data service: a hosted
// Postgres exposed through a PostgREST-style table API.
package gksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wurt83ow/hifzkeeper/pkg/appcontext"
	"github.com/wurt83ow/hifzkeeper/pkg/models"
)

var ErrNetworkUnavailable = errors.New("network unavailable")

// Table names on the remote service.
const (
	TableAttendance       = "attendance"
	TableRecitations      = "recitations"
	TableBonusPoints      = "bonus_points"
	TableStudents         = "students"
	TableCheckRecords     = "check_records"
	TableTeachingSessions = "teaching_sessions"
)

const preferMerge = "resolution=merge-duplicates,return=minimal"

// APIError is a non-2xx answer from the remote service.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Sync implements the remote writes replayed by the sync queue and the reads
// used to refresh the offline snapshot.
type Sync struct {
	client *Client
	logger *slog.Logger
}

// NewSync builds a Sync for serverURL. apiKey is sent on every request; the
// bearer token is the access token from the request context, or apiKey when
// the context has none.
func NewSync(serverURL, apiKey string, logger *slog.Logger, opts ...ClientOption) (*Sync, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]ClientOption{WithRequestEditorFn(authEditor(apiKey))}, opts...)
	client, err := NewClient(serverURL, opts...)
	if err != nil {
		return nil, err
	}
	return &Sync{
		client: client,
		logger: logger.With("component", "gksync"),
	}, nil
}

// DefaultHTTPClient is used when no doer is supplied through options.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func authEditor(apiKey string) RequestEditorFn {
	return func(ctx context.Context, req *http.Request) error {
		if apiKey != "" {
			req.Header.Set("apikey", apiKey)
		}
		token, ok := appcontext.GetJWTToken(ctx)
		if !ok {
			token = apiKey
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return nil
	}
}

func (s *Sync) RecordAttendance(ctx context.Context, e models.AttendanceEntry) error {
	resp, err := s.client.PostTable(ctx, TableAttendance,
		&TableParams{OnConflict: "student_id,date"}, e, WithPrefer(preferMerge))
	return s.check(resp, err, nil)
}

func (s *Sync) InsertRecitations(ctx context.Context, records []models.RecitationEntry) error {
	if len(records) == 0 {
		return nil
	}
	resp, err := s.client.PostTable(ctx, TableRecitations, nil, records, WithPrefer("return=minimal"))
	return s.check(resp, err, nil)
}

func (s *Sync) InsertBonusPoints(ctx context.Context, records []models.BonusPointsEntry) error {
	if len(records) == 0 {
		return nil
	}
	resp, err := s.client.PostTable(ctx, TableBonusPoints, nil, records, WithPrefer("return=minimal"))
	return s.check(resp, err, nil)
}

func (s *Sync) UpdateStudent(ctx context.Context, studentID string, fields map[string]any) error {
	resp, err := s.client.PatchTable(ctx, TableStudents,
		&TableParams{Filters: []Filter{Eq("id", studentID)}}, fields, WithPrefer("return=minimal"))
	return s.check(resp, err, nil)
}

func (s *Sync) InsertCheckRecords(ctx context.Context, records []models.CheckRecord) error {
	if len(records) == 0 {
		return nil
	}
	resp, err := s.client.PostTable(ctx, TableCheckRecords, nil, records, WithPrefer("return=minimal"))
	return s.check(resp, err, nil)
}

func (s *Sync) UpsertTeachingSession(ctx context.Context, ts models.TeachingSession) error {
	resp, err := s.client.PostTable(ctx, TableTeachingSessions,
		&TableParams{OnConflict: "teacher_id,date"}, ts, WithPrefer(preferMerge))
	return s.check(resp, err, nil)
}

// FetchStudents returns the students of teacherID ordered by name.
func (s *Sync) FetchStudents(ctx context.Context, teacherID string) ([]models.Student, error) {
	var students []models.Student
	resp, err := s.client.GetTable(ctx, TableStudents, &TableParams{
		Select:  "*",
		Order:   "name.asc",
		Filters: []Filter{Eq("teacher_id", teacherID)},
	})
	if err := s.check(resp, err, &students); err != nil {
		return nil, err
	}
	return students, nil
}

// FetchAttendance returns the confirmed status per student for date.
func (s *Sync) FetchAttendance(ctx context.Context, date string) (map[string]string, error) {
	var rows []models.AttendanceEntry
	resp, err := s.client.GetTable(ctx, TableAttendance, &TableParams{
		Select:  "student_id,status",
		Filters: []Filter{Eq("date", date)},
	})
	if err := s.check(resp, err, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.StudentID] = r.Status
	}
	return out, nil
}

// Ping reports whether the service answers at all. Any HTTP answer counts.
func (s *Sync) Ping(ctx context.Context) error {
	resp, err := s.client.Head(ctx)
	if err != nil {
		return ErrNetworkUnavailable
	}
	resp.Body.Close()
	return nil
}

// check converts a transport result into the package errors and decodes the
// body into out when out is non-nil.
func (s *Sync) check(resp *http.Response, err error, out any) error {
	if err != nil {
		s.logger.Debug("remote request failed", "error", err)
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrNetworkUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Status: resp.StatusCode,
			Body:   string(body),
		}
		if resp.Request != nil {
			apiErr.Method = resp.Request.Method
			apiErr.Path = resp.Request.URL.Path
		}
		s.logger.Warn("remote rejected request", "status", apiErr.Status, "path", apiErr.Path)
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
