package storage

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Lecture represents one monitoring session, bounded by start and stop.
type Lecture struct {
	gorm.Model
	SessionID string    `gorm:"uniqueIndex;not null"` // Identifier assigned by the backend at start
	GroupID   string    `gorm:"index"`
	StartedAt time.Time `gorm:"index"`
	EndedAt   time.Time
	Records   []AttendanceRecord `gorm:"foreignKey:LectureID;constraint:OnDelete:CASCADE;"`
}

// Person represents a tracked identity across lectures.
type Person struct {
	gorm.Model
	Key  string `gorm:"uniqueIndex;not null"` // Identity key derived from detections
	Name string `gorm:"index"`
}

// AttendanceRecord is the finalized presence state of one person for one
// lecture, written when the session stops.
type AttendanceRecord struct {
	gorm.Model
	LectureID  uint  `gorm:"index;not null"`
	PersonID   uint  `gorm:"index;not null"`
	DurationMs int64 // Accumulated presence over the session
	FirstSeen  time.Time
	LastSeen   time.Time
	LastScore  float64
	LastBox    datatypes.JSON `gorm:"type:json"` // Last known bounding box, fractional [x,y,w,h]
	Person     Person         `gorm:"foreignKey:PersonID"`
}
