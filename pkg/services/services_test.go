package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wurt83ow/hifzkeeper/pkg/cache"
	"github.com/wurt83ow/hifzkeeper/pkg/gksync"
	"github.com/wurt83ow/hifzkeeper/pkg/models"
	"github.com/wurt83ow/hifzkeeper/pkg/storage"
	"github.com/wurt83ow/hifzkeeper/pkg/syncqueue"
)

type fakeRemote struct {
	err        error
	students   []models.Student
	attendance map[string]string
	calls      int
}

func (f *fakeRemote) hit() error { f.calls++; return f.err }

func (f *fakeRemote) RecordAttendance(context.Context, models.AttendanceEntry) error { return f.hit() }
func (f *fakeRemote) InsertRecitations(context.Context, []models.RecitationEntry) error {
	return f.hit()
}
func (f *fakeRemote) InsertBonusPoints(context.Context, []models.BonusPointsEntry) error {
	return f.hit()
}
func (f *fakeRemote) UpdateStudent(context.Context, string, map[string]any) error { return f.hit() }
func (f *fakeRemote) InsertCheckRecords(context.Context, []models.CheckRecord) error {
	return f.hit()
}
func (f *fakeRemote) UpsertTeachingSession(context.Context, models.TeachingSession) error {
	return f.hit()
}

func (f *fakeRemote) FetchStudents(context.Context, string) ([]models.Student, error) {
	if err := f.hit(); err != nil {
		return nil, err
	}
	return f.students, nil
}

func (f *fakeRemote) FetchAttendance(context.Context, string) (map[string]string, error) {
	if err := f.hit(); err != nil {
		return nil, err
	}
	return f.attendance, nil
}

type switchNet struct{ online bool }

func (n *switchNet) Online() bool { return n.online }

func setup(t *testing.T, remote *fakeRemote, online bool, opts ...Option) (*Service, *cache.Cache, *syncqueue.Manager) {
	t.Helper()
	backend := storage.NewMemory()
	c := cache.New(backend, nil)
	q := syncqueue.NewManager(backend, remote, c)
	opts = append([]Option{WithConnectivity(&switchNet{online: online})}, opts...)
	return NewServices(c, q, remote, opts...), c, q
}

func TestMarkAttendanceOnline(t *testing.T) {
	remote := &fakeRemote{}
	s, c, q := setup(t, remote, true)
	ctx := context.Background()

	out, err := s.MarkAttendance(ctx, models.AttendanceEntry{StudentID: "A", Date: "2024-01-01", Status: "present"})
	require.NoError(t, err)
	assert.Equal(t, Synced, out)
	assert.Equal(t, 1, remote.calls)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	_, ok, err := c.GetLocalAttendance(ctx, "A", "2024-01-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkAttendanceOffline(t *testing.T) {
	remote := &fakeRemote{}
	s, c, q := setup(t, remote, false)
	ctx := context.Background()

	out, err := s.MarkAttendance(ctx, models.AttendanceEntry{StudentID: "A", Date: "2024-01-01", Status: "late"})
	require.NoError(t, err)
	assert.Equal(t, Queued, out)
	assert.Zero(t, remote.calls)

	items, err := q.PeekQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.TypeAttendance, items[0].Type)

	e, ok, err := c.GetLocalAttendance(ctx, "A", "2024-01-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "late", e.Status)
}

func TestRemoteFailureQueues(t *testing.T) {
	remote := &fakeRemote{err: gksync.ErrNetworkUnavailable}
	s, _, q := setup(t, remote, true)
	ctx := context.Background()

	out, err := s.AddBonusPoints(ctx, []models.BonusPointsEntry{{StudentID: "B", Date: "d", Points: 3}})
	require.NoError(t, err)
	assert.Equal(t, Queued, out)

	// a rejected write is retried later as well
	remote.err = &gksync.APIError{Status: 409}
	out, err = s.AddRecitations(ctx, []models.RecitationEntry{{StudentID: "B", Date: "d", Surah: "Al-Asr"}})
	require.NoError(t, err)
	assert.Equal(t, Queued, out)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestSafetyNetKeepsQueueAndCache(t *testing.T) {
	remote := &fakeRemote{}
	s, c, q := setup(t, remote, true, WithSafetyNet(true))
	ctx := context.Background()

	out, err := s.MarkAttendance(ctx, models.AttendanceEntry{StudentID: "A", Date: "d", Status: "present"})
	require.NoError(t, err)
	assert.Equal(t, Synced, out)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	_, ok, err := c.GetLocalAttendance(ctx, "A", "d")
	require.NoError(t, err)
	assert.True(t, ok)

	// the replay clears the local entry once confirmed again
	_, err = q.ReplayAll(ctx)
	require.NoError(t, err)
	_, ok, err = c.GetLocalAttendance(ctx, "A", "d")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOtherWrites(t *testing.T) {
	remote := &fakeRemote{}
	s, _, _ := setup(t, remote, false)
	ctx := context.Background()

	out, err := s.UpdateStudent(ctx, "A", map[string]any{"name": "Aisha"})
	require.NoError(t, err)
	assert.Equal(t, Queued, out)

	out, err = s.AddCheckRecords(ctx, []models.CheckRecord{{StudentID: "A", Date: "d", Kind: "juz"}})
	require.NoError(t, err)
	assert.Equal(t, Queued, out)

	out, err = s.SaveTeachingSession(ctx, models.TeachingSession{TeacherID: "T", Date: "d"})
	require.NoError(t, err)
	assert.Equal(t, Queued, out)

	_, err = s.UpdateStudent(ctx, "", nil)
	assert.Error(t, err)
	_, err = s.AddCheckRecords(ctx, nil)
	assert.Error(t, err)
}

func TestRefreshStudents(t *testing.T) {
	remote := &fakeRemote{students: []models.Student{{ID: "s1", Name: "Aisha"}}}
	s, c, _ := setup(t, remote, true)
	ctx := context.Background()

	students, fromCache, err := s.RefreshStudents(ctx, "T")
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Len(t, students, 1)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "T", snap.TeacherID)

	remote.err = gksync.ErrNetworkUnavailable
	students, fromCache, err = s.RefreshStudents(ctx, "T")
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, []models.Student{{ID: "s1", Name: "Aisha"}}, students)

	remote.err = errors.New("boom")
	_, _, err = s.RefreshStudents(ctx, "T")
	assert.Error(t, err)
}

func TestAttendanceView(t *testing.T) {
	remote := &fakeRemote{attendance: map[string]string{"s1": "present"}}
	s, c, _ := setup(t, remote, true)
	ctx := context.Background()

	require.NoError(t, c.CacheStudents(ctx, []models.Student{{ID: "s1"}, {ID: "s2"}}, "T"))
	require.NoError(t, c.SaveLocalAttendance(ctx, models.AttendanceEntry{StudentID: "s1", Date: "d", Status: "absent"}))
	require.NoError(t, c.SaveLocalAttendance(ctx, models.AttendanceEntry{StudentID: "s2", Date: "d", Status: "late"}))

	view, err := s.AttendanceView(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "present", "s2": "late"}, view)

	remote.err = gksync.ErrNetworkUnavailable
	view, err = s.AttendanceView(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "absent", "s2": "late"}, view)
}
