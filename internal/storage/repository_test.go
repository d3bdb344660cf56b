package storage

import (
	"encoding/json"
	"testing"
	"time"

	"lecture-attendance-go/internal/presence"
	"lecture-attendance-go/internal/stream"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlog "gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlog.Default.LogMode(gormlog.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&Lecture{}, &Person{}, &AttendanceRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

var sessionStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func sampleRecords() []presence.Record {
	return []presence.Record{
		{
			Key:         "u1",
			Name:        "Alice",
			Accumulated: 42 * time.Minute,
			FirstSeen:   sessionStart,
			LastSeen:    sessionStart.Add(45 * time.Minute),
			LastScore:   0.93,
			LastBox:     &stream.BBox{0.25, 0.5, 0.125, 0.25},
		},
		{
			Key:         "u2",
			Name:        "Bob",
			Accumulated: 30 * time.Minute,
			FirstSeen:   sessionStart.Add(5 * time.Minute),
			LastSeen:    sessionStart.Add(40 * time.Minute),
			LastScore:   0.81,
		},
	}
}

func TestSaveSessionRoundTrip(t *testing.T) {
	db := testDB(t)

	lecture, err := SaveSession(db, "sess-1", "G1", sessionStart, sessionStart.Add(time.Hour), sampleRecords())
	if err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if lecture.ID == 0 || lecture.SessionID != "sess-1" {
		t.Fatalf("unexpected lecture: %+v", lecture)
	}

	roster, err := Roster(db, lecture.ID)
	if err != nil {
		t.Fatalf("Roster failed: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster size = %d, want 2", len(roster))
	}
	// Longest presence first.
	if roster[0].Person.Key != "u1" || roster[0].DurationMs != (42*time.Minute).Milliseconds() {
		t.Errorf("roster[0] = %+v", roster[0])
	}
	if roster[1].Person.Key != "u2" {
		t.Errorf("roster[1] = %+v", roster[1])
	}

	// The last known box survives as a JSON column; a record without one
	// stays NULL.
	var box [4]float64
	if err := json.Unmarshal(roster[0].LastBox, &box); err != nil {
		t.Fatalf("LastBox is not valid JSON: %v (raw %q)", err, roster[0].LastBox)
	}
	if box != [4]float64{0.25, 0.5, 0.125, 0.25} {
		t.Errorf("LastBox = %v", box)
	}
	if len(roster[1].LastBox) != 0 {
		t.Errorf("boxless record persisted LastBox %q", roster[1].LastBox)
	}
}

func TestSaveSessionUpsertsPersons(t *testing.T) {
	db := testDB(t)

	if _, err := SaveSession(db, "sess-1", "", sessionStart, sessionStart.Add(time.Hour), sampleRecords()); err != nil {
		t.Fatal(err)
	}
	// Second session with the same identity but a newly learned name.
	records := []presence.Record{{Key: "u1", Name: "Alice Liddell", Accumulated: time.Minute, FirstSeen: sessionStart, LastSeen: sessionStart}}
	if _, err := SaveSession(db, "sess-2", "", sessionStart.Add(time.Hour), sessionStart.Add(2*time.Hour), records); err != nil {
		t.Fatal(err)
	}

	var count int64
	if err := db.Model(&Person{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("person count = %d, want 2 (upsert by key)", count)
	}

	var person Person
	if err := db.Where("key = ?", "u1").First(&person).Error; err != nil {
		t.Fatal(err)
	}
	if person.Name != "Alice Liddell" {
		t.Errorf("person name = %q, want the later name", person.Name)
	}
}

func TestListLecturesFilter(t *testing.T) {
	db := testDB(t)
	for i, group := range []string{"G1", "G1", "G2"} {
		start := sessionStart.Add(time.Duration(i) * 24 * time.Hour)
		if _, err := SaveSession(db, "sess-"+group+string(rune('0'+i)), group, start, start.Add(time.Hour), nil); err != nil {
			t.Fatal(err)
		}
	}

	all, err := ListLectures(db, LectureFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d lectures, want 3", len(all))
	}
	// Newest first.
	if !all[0].StartedAt.After(all[2].StartedAt) {
		t.Errorf("lectures not ordered newest first: %v, %v", all[0].StartedAt, all[2].StartedAt)
	}

	g1, err := ListLectures(db, LectureFilter{Group: "G1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(g1) != 2 {
		t.Errorf("group filter returned %d lectures, want 2", len(g1))
	}

	recent, err := ListLectures(db, LectureFilter{From: sessionStart.Add(36 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Errorf("date filter returned %d lectures, want 1", len(recent))
	}
}

func TestLectureBySession(t *testing.T) {
	db := testDB(t)
	if _, err := SaveSession(db, "known", "", sessionStart, sessionStart, nil); err != nil {
		t.Fatal(err)
	}

	found, err := LectureBySession(db, "known")
	if err != nil || found == nil {
		t.Fatalf("expected lecture, got %v, %v", found, err)
	}
	missing, err := LectureBySession(db, "missing")
	if err != nil {
		t.Fatalf("missing lecture must not be an error, got %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown session, got %+v", missing)
	}
}

func TestPresenceMatrix(t *testing.T) {
	db := testDB(t)
	rec := func(key, name string) []presence.Record {
		return []presence.Record{{Key: key, Name: name, Accumulated: time.Minute, FirstSeen: sessionStart, LastSeen: sessionStart}}
	}
	if _, err := SaveSession(db, "L1", "", sessionStart, sessionStart, append(rec("u1", "Alice"), rec("u2", "Bob")...)); err != nil {
		t.Fatal(err)
	}
	if _, err := SaveSession(db, "L2", "", sessionStart.Add(time.Hour), sessionStart.Add(time.Hour), rec("u1", "Alice")); err != nil {
		t.Fatal(err)
	}

	ids, matrix, names, err := PresenceMatrix(db, LectureFilter{})
	if err != nil {
		t.Fatal(err)
	}
	// Session ids come from the same query as the matrix, newest first.
	if len(ids) != 2 || ids[0] != "L2" || ids[1] != "L1" {
		t.Errorf("session ids = %v, want [L2 L1]", ids)
	}
	if !matrix["L1"]["u1"] || !matrix["L1"]["u2"] || !matrix["L2"]["u1"] || matrix["L2"]["u2"] {
		t.Errorf("unexpected matrix: %+v", matrix)
	}
	if names["u1"] != "Alice" || names["u2"] != "Bob" {
		t.Errorf("unexpected names: %+v", names)
	}
}

func TestPersonHistory(t *testing.T) {
	db := testDB(t)
	records := []presence.Record{{Key: "u1", Name: "Alice", Accumulated: time.Minute, FirstSeen: sessionStart, LastSeen: sessionStart}}
	for _, id := range []string{"L1", "L2"} {
		if _, err := SaveSession(db, id, "", sessionStart, sessionStart, records); err != nil {
			t.Fatal(err)
		}
	}

	history, err := PersonHistory(db, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("history length = %d, want 2", len(history))
	}

	empty, err := PersonHistory(db, "nobody")
	if err != nil {
		t.Fatalf("unknown person must not be an error, got %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty history, got %d", len(empty))
	}
}

func TestDeleteLecturesBefore(t *testing.T) {
	db := testDB(t)
	if _, err := SaveSession(db, "old", "", sessionStart, sessionStart, sampleRecords()); err != nil {
		t.Fatal(err)
	}

	// Nothing older than a cutoff in the past.
	n, err := DeleteLecturesBefore(db, sessionStart.Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("expected no deletions, got %d, %v", n, err)
	}

	// Everything older than a future cutoff.
	n, err = DeleteLecturesBefore(db, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d lectures, want 1", n)
	}

	var count int64
	if err := db.Model(&AttendanceRecord{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("attendance records survived lecture deletion: %d", count)
	}
}
