package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemType tags a queued operation with the remote write it stands for.
type ItemType string

const (
	TypeAttendance      ItemType = "attendance"
	TypeRecitation      ItemType = "recitation"
	TypeBonusPoints     ItemType = "bonus_points"
	TypeStudentUpdate   ItemType = "student_update"
	TypeCheckRecords    ItemType = "check_records"
	TypeTeachingSession ItemType = "teaching_session"
)

// ItemTypes lists every known type in a stable order.
var ItemTypes = []ItemType{
	TypeAttendance,
	TypeRecitation,
	TypeBonusPoints,
	TypeStudentUpdate,
	TypeCheckRecords,
	TypeTeachingSession,
}

type Student struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TeacherID   string `json:"teacher_id,omitempty"`
	GroupName   string `json:"group_name,omitempty"`
	TotalPoints int    `json:"total_points"`
}

type AttendanceEntry struct {
	StudentID string `json:"student_id"`
	Date      string `json:"date"`
	Status    string `json:"status"`
	Points    int    `json:"points"`
}

type RecitationEntry struct {
	StudentID string `json:"student_id"`
	Date      string `json:"date"`
	Surah     string `json:"surah"`
	FromAyah  int    `json:"from_ayah"`
	ToAyah    int    `json:"to_ayah"`
	Grade     string `json:"grade,omitempty"`
	Points    int    `json:"points"`
}

type BonusPointsEntry struct {
	StudentID string `json:"student_id"`
	Date      string `json:"date"`
	Points    int    `json:"points"`
	Reason    string `json:"reason,omitempty"`
}

type CheckRecord struct {
	StudentID string `json:"student_id"`
	Date      string `json:"date"`
	Kind      string `json:"kind"`
	Passed    bool   `json:"passed"`
	Notes     string `json:"notes,omitempty"`
}

type TeachingSession struct {
	ID           string `json:"id,omitempty"`
	TeacherID    string `json:"teacher_id"`
	Date         string `json:"date"`
	StudentCount int    `json:"student_count"`
	Notes        string `json:"notes,omitempty"`
}

// Payload is the closed set of queued operations. Only the payload types of
// this package implement it.
type Payload interface {
	ItemType() ItemType
	isPayload()
}

type AttendancePayload struct {
	AttendanceEntry
}

type RecitationPayload struct {
	Records []RecitationEntry `json:"records"`
}

type BonusPointsPayload struct {
	Records []BonusPointsEntry `json:"records"`
}

type StudentUpdatePayload struct {
	StudentID string         `json:"student_id"`
	Fields    map[string]any `json:"fields"`
}

type CheckRecordsPayload struct {
	Records []CheckRecord `json:"records"`
}

type TeachingSessionPayload struct {
	TeachingSession
}

func (AttendancePayload) ItemType() ItemType      { return TypeAttendance }
func (RecitationPayload) ItemType() ItemType      { return TypeRecitation }
func (BonusPointsPayload) ItemType() ItemType     { return TypeBonusPoints }
func (StudentUpdatePayload) ItemType() ItemType   { return TypeStudentUpdate }
func (CheckRecordsPayload) ItemType() ItemType    { return TypeCheckRecords }
func (TeachingSessionPayload) ItemType() ItemType { return TypeTeachingSession }

func (AttendancePayload) isPayload()      {}
func (RecitationPayload) isPayload()      {}
func (BonusPointsPayload) isPayload()     {}
func (StudentUpdatePayload) isPayload()   {}
func (CheckRecordsPayload) isPayload()    {}
func (TeachingSessionPayload) isPayload() {}

// DecodePayload builds the concrete payload for t from its JSON form.
func DecodePayload(t ItemType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeAttendance:
		var v AttendancePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeRecitation:
		var v RecitationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeBonusPoints:
		var v BonusPointsPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeStudentUpdate:
		var v StudentUpdatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeCheckRecords:
		var v CheckRecordsPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeTeachingSession:
		var v TeachingSessionPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown sync item type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// SyncQueueItem is one pending write waiting for the remote service.
type SyncQueueItem struct {
	ID            string
	Type          ItemType
	Payload       Payload
	EnqueuedAt    time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

type syncQueueItemJSON struct {
	ID            string          `json:"id"`
	Type          ItemType        `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Attempts      int             `json:"attempts,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitzero"`
	LastError     string          `json:"last_error,omitempty"`
}

func (it SyncQueueItem) MarshalJSON() ([]byte, error) {
	if it.Payload == nil {
		return nil, fmt.Errorf("sync item %s has no payload", it.ID)
	}
	raw, err := json.Marshal(it.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(syncQueueItemJSON{
		ID:            it.ID,
		Type:          it.Payload.ItemType(),
		Payload:       raw,
		EnqueuedAt:    it.EnqueuedAt,
		Attempts:      it.Attempts,
		NextAttemptAt: it.NextAttemptAt,
		LastError:     it.LastError,
	})
}

func (it *SyncQueueItem) UnmarshalJSON(data []byte) error {
	var aux syncQueueItemJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p, err := DecodePayload(aux.Type, aux.Payload)
	if err != nil {
		return err
	}
	*it = SyncQueueItem{
		ID:            aux.ID,
		Type:          aux.Type,
		Payload:       p,
		EnqueuedAt:    aux.EnqueuedAt,
		Attempts:      aux.Attempts,
		NextAttemptAt: aux.NextAttemptAt,
		LastError:     aux.LastError,
	}
	return nil
}

// OfflineSnapshot is the locally persisted view used while offline.
type OfflineSnapshot struct {
	Students    []Student                    `json:"students"`
	Attendance  map[string]AttendanceEntry   `json:"attendance"`
	Recitations map[string][]RecitationEntry `json:"recitations"`
	BonusPoints map[string]BonusPointsEntry  `json:"bonusPoints"`
	LastSync    time.Time                    `json:"lastSync,omitzero"`
	TeacherID   string                       `json:"teacherId,omitempty"`
}

// NewOfflineSnapshot returns an empty snapshot with all maps allocated.
func NewOfflineSnapshot() *OfflineSnapshot {
	return &OfflineSnapshot{
		Students:    []Student{},
		Attendance:  make(map[string]AttendanceEntry),
		Recitations: make(map[string][]RecitationEntry),
		BonusPoints: make(map[string]BonusPointsEntry),
	}
}

// CompositeKey scopes a per-day record to a student.
func CompositeKey(studentID, date string) string {
	return studentID + "_" + date
}

// CachedResponse is a stored HTTP response in a worker cache namespace.
type CachedResponse struct {
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header,omitempty"`
	Body     []byte              `json:"body"`
	StoredAt time.Time           `json:"stored_at"`
}
