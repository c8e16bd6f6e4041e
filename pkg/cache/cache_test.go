package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wurt83ow/hifzkeeper/pkg/models"
	"github.com/wurt83ow/hifzkeeper/pkg/storage"
)

func newTestCache(t *testing.T) (*Cache, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory()
	c := New(backend, nil)
	c.now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	return c, backend
}

func TestEmptySnapshot(t *testing.T) {
	c, _ := newTestCache(t)

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Students)
	assert.NotNil(t, snap.Attendance)
	assert.NotNil(t, snap.Recitations)
	assert.NotNil(t, snap.BonusPoints)
	assert.True(t, snap.LastSync.IsZero())
}

func TestCacheStudentsStampsLastSync(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	students := []models.Student{{ID: "s1", Name: "Aisha"}, {ID: "s2", Name: "Bilal"}}
	require.NoError(t, c.CacheStudents(ctx, students, "teacher-1"))
	require.NoError(t, c.CacheStudents(ctx, students[:1], "teacher-2"))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, students[:1], snap.Students)
	assert.Equal(t, "teacher-2", snap.TeacherID)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), snap.LastSync)
}

func TestAttendanceLastWriteWins(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SaveLocalAttendance(ctx, models.AttendanceEntry{StudentID: "s1", Date: "2024-01-01", Status: "absent"}))
	require.NoError(t, c.SaveLocalAttendance(ctx, models.AttendanceEntry{StudentID: "s1", Date: "2024-01-01", Status: "present", Points: 1}))

	e, ok, err := c.GetLocalAttendance(ctx, "s1", "2024-01-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "present", e.Status)
	assert.Equal(t, 1, e.Points)

	_, ok, err = c.GetLocalAttendance(ctx, "s1", "2024-01-02")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ClearLocalAttendance(ctx, "s1", "2024-01-01"))
	_, ok, err = c.GetLocalAttendance(ctx, "s1", "2024-01-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecitationsAppend(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	first := models.RecitationEntry{StudentID: "s1", Date: "2024-01-01", Surah: "Al-Mulk", FromAyah: 1, ToAyah: 10}
	second := models.RecitationEntry{StudentID: "s1", Date: "2024-01-01", Surah: "Al-Mulk", FromAyah: 11, ToAyah: 20}
	require.NoError(t, c.SaveLocalRecitation(ctx, first))
	require.NoError(t, c.SaveLocalRecitation(ctx, second))

	list, ok, err := c.GetLocalRecitations(ctx, "s1", "2024-01-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []models.RecitationEntry{first, second}, list)

	require.NoError(t, c.ClearLocalRecitations(ctx, "s1", "2024-01-01"))
	_, ok, err = c.GetLocalRecitations(ctx, "s1", "2024-01-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBonusPoints(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SaveLocalBonusPoints(ctx, models.BonusPointsEntry{StudentID: "s2", Date: "2024-01-01", Points: 3}))
	require.NoError(t, c.SaveLocalBonusPoints(ctx, models.BonusPointsEntry{StudentID: "s2", Date: "2024-01-01", Points: 5}))

	e, ok, err := c.GetLocalBonusPoints(ctx, "s2", "2024-01-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, e.Points)

	require.NoError(t, c.ClearLocalBonusPoints(ctx, "s2", "2024-01-01"))
	_, ok, err = c.GetLocalBonusPoints(ctx, "s2", "2024-01-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMergeAttendanceServerWins(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	date := "2024-01-01"

	require.NoError(t, c.SaveLocalAttendance(ctx, models.AttendanceEntry{StudentID: "s2", Date: date, Status: "late"}))
	students := []models.Student{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}}

	merged, err := c.MergeAttendanceData(ctx, map[string]string{"s1": "present"}, students, date)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "present", "s2": "late"}, merged)

	// a local entry never overrides confirmed server state
	require.NoError(t, c.SaveLocalAttendance(ctx, models.AttendanceEntry{StudentID: "s1", Date: date, Status: "absent"}))
	merged, err = c.MergeAttendanceData(ctx, map[string]string{"s1": "present"}, students, date)
	require.NoError(t, err)
	assert.Equal(t, "present", merged["s1"])
	assert.Equal(t, "late", merged["s2"])
	assert.NotContains(t, merged, "s3")
}

func TestMergeIgnoresOtherDates(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SaveLocalAttendance(ctx, models.AttendanceEntry{StudentID: "s2", Date: "2024-01-02", Status: "late"}))
	merged, err := c.MergeAttendanceData(ctx, nil, []models.Student{{ID: "s2"}}, "2024-01-01")
	require.NoError(t, err)
	assert.Empty(t, merged)
}

func TestUnreadableSnapshotStartsEmpty(t *testing.T) {
	c, backend := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, SnapshotKey, []byte("{not json")))
	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Attendance)

	require.NoError(t, c.SaveLocalAttendance(ctx, models.AttendanceEntry{StudentID: "s1", Date: "d", Status: "present"}))
	_, ok, err := c.GetLocalAttendance(ctx, "s1", "d")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplaceAndReset(t *testing.T) {
	c, backend := newTestCache(t)
	ctx := context.Background()

	snap := models.NewOfflineSnapshot()
	snap.TeacherID = "t9"
	snap.Students = []models.Student{{ID: "s5"}}
	require.NoError(t, c.ReplaceSnapshot(ctx, snap))

	got, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t9", got.TeacherID)

	require.NoError(t, c.Reset(ctx))
	_, err = backend.Get(ctx, SnapshotKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
