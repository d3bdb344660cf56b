package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lecture-attendance-go/internal/presence"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SaveSession persists a finished lecture and the finalized presence
// records in one transaction. Persons are upserted by identity key.
func SaveSession(db *gorm.DB, sessionID, groupID string, startedAt, endedAt time.Time, records []presence.Record) (*Lecture, error) {
	tx := db.Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", tx.Error)
	}

	lecture := Lecture{
		SessionID: sessionID,
		GroupID:   groupID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
	}
	if err := tx.Create(&lecture).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to create lecture record: %w", err)
	}

	for _, rec := range records {
		var person Person
		err := tx.Where("key = ?", rec.Key).FirstOrCreate(&person, Person{Key: rec.Key, Name: rec.Name}).Error
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to find or create person '%s': %w", rec.Key, err)
		}
		// Pick up a name learned later in the session.
		if rec.Name != "" && person.Name != rec.Name {
			if err := tx.Model(&person).Update("name", rec.Name).Error; err != nil {
				tx.Rollback()
				return nil, fmt.Errorf("failed to update person name '%s': %w", rec.Key, err)
			}
		}

		att := AttendanceRecord{
			LectureID:  lecture.ID,
			PersonID:   person.ID,
			DurationMs: rec.Accumulated.Milliseconds(),
			FirstSeen:  rec.FirstSeen,
			LastSeen:   rec.LastSeen,
			LastScore:  rec.LastScore,
		}
		if rec.LastBox != nil {
			SetLastBox(&att, [4]float64(*rec.LastBox))
		}
		if err := tx.Create(&att).Error; err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to create attendance record for '%s': %w", rec.Key, err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("failed to commit session transaction: %w", err)
	}

	log.Infof("Persisted session %s with %d attendance record(s)", sessionID, len(records))
	return &lecture, nil
}

// SetLastBox attaches the last known bounding box (fractional [x,y,w,h]) to
// an attendance record. Best effort; marshal failures fall back to an empty
// JSON object.
func SetLastBox(att *AttendanceRecord, box [4]float64) {
	raw, err := json.Marshal(box)
	if err != nil {
		raw = []byte("{}")
	}
	att.LastBox = datatypes.JSON(raw)
}

// LectureFilter bounds history queries.
type LectureFilter struct {
	From   time.Time
	To     time.Time
	Group  string
	Limit  int
	Offset int
}

// ListLectures returns lectures newest first, filtered by date range and
// group when set.
func ListLectures(db *gorm.DB, f LectureFilter) ([]Lecture, error) {
	q := db.Model(&Lecture{}).Order("started_at DESC")
	if !f.From.IsZero() {
		q = q.Where("started_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("started_at <= ?", f.To)
	}
	if f.Group != "" {
		q = q.Where("group_id = ?", f.Group)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var lectures []Lecture
	if err := q.Find(&lectures).Error; err != nil {
		return nil, fmt.Errorf("failed to list lectures: %w", err)
	}
	return lectures, nil
}

// Roster returns the attendance records of one lecture with persons
// preloaded, longest presence first.
func Roster(db *gorm.DB, lectureID uint) ([]AttendanceRecord, error) {
	var records []AttendanceRecord
	err := db.Preload("Person").
		Where("lecture_id = ?", lectureID).
		Order("duration_ms DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load roster for lecture %d: %w", lectureID, err)
	}
	return records, nil
}

// LectureBySession finds a lecture by its backend session identifier.
func LectureBySession(db *gorm.DB, sessionID string) (*Lecture, error) {
	var lecture Lecture
	result := db.Where("session_id = ?", sessionID).First(&lecture)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lecture by session '%s': %w", sessionID, result.Error)
	}
	return &lecture, nil
}

// PersonHistory returns every attendance record of one identity key.
func PersonHistory(db *gorm.DB, key string) ([]AttendanceRecord, error) {
	var person Person
	result := db.Where("key = ?", key).First(&person)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return []AttendanceRecord{}, nil
		}
		return nil, fmt.Errorf("failed to find person '%s': %w", key, result.Error)
	}

	var records []AttendanceRecord
	err := db.Where("person_id = ?", person.ID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history for person '%s': %w", key, err)
	}
	return records, nil
}

// PresenceMatrix builds the cross-session table: lecture session id → set of
// person keys that attended it, plus the session ids in listing order
// (newest first) from the same query, so columns cannot drift from the
// matrix. Consumed by the CSV matrix export.
func PresenceMatrix(db *gorm.DB, f LectureFilter) ([]string, map[string]map[string]bool, map[string]string, error) {
	lectures, err := ListLectures(db, f)
	if err != nil {
		return nil, nil, nil, err
	}

	ids := make([]string, 0, len(lectures))
	matrix := make(map[string]map[string]bool, len(lectures))
	names := make(map[string]string)
	for _, lecture := range lectures {
		records, err := Roster(db, lecture.ID)
		if err != nil {
			return nil, nil, nil, err
		}
		set := make(map[string]bool, len(records))
		for _, rec := range records {
			set[rec.Person.Key] = true
			if rec.Person.Name != "" {
				names[rec.Person.Key] = rec.Person.Name
			}
		}
		ids = append(ids, lecture.SessionID)
		matrix[lecture.SessionID] = set
	}
	return ids, matrix, names, nil
}

// DeleteLecturesBefore removes lectures (and cascaded attendance records)
// older than the cutoff. Returns the number of lectures removed.
func DeleteLecturesBefore(db *gorm.DB, cutoff time.Time) (int64, error) {
	var lectures []Lecture
	if err := db.Where("created_at < ?", cutoff).Find(&lectures).Error; err != nil {
		return 0, fmt.Errorf("failed to find old lectures: %w", err)
	}
	if len(lectures) == 0 {
		return 0, nil
	}

	tx := db.Begin()
	if tx.Error != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", tx.Error)
	}
	var ids []uint
	for _, l := range lectures {
		ids = append(ids, l.ID)
	}
	if err := tx.Where("lecture_id IN ?", ids).Delete(&AttendanceRecord{}).Error; err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to delete attendance records: %w", err)
	}
	if err := tx.Where("id IN ?", ids).Delete(&Lecture{}).Error; err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to delete lectures: %w", err)
	}
	if err := tx.Commit().Error; err != nil {
		return 0, fmt.Errorf("failed to commit cleanup transaction: %w", err)
	}
	return int64(len(lectures)), nil
}
