package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"lecture-attendance-go/internal/presence"
)

// utf8BOM keeps spreadsheet applications from mangling non-ASCII names,
// matching the export format of the original reports.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// WriteAttendance writes one flat row per presence record: identity key,
// name, presence flag, total duration with the open interval projected at
// now, first seen and last seen.
func WriteAttendance(w io.Writer, records []presence.Record, now time.Time) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}
	cw := csv.NewWriter(w)
	cw.UseCRLF = true

	header := []string{"id", "name", "present", "duration_ms", "first_seen", "last_seen"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		total := rec.Accumulated
		if rec.Present {
			if open := now.Sub(rec.PresentSince); open > 0 {
				total += open
			}
		}
		row := []string{
			rec.Key,
			rec.Name,
			strconv.FormatBool(rec.Present),
			strconv.FormatInt(total.Milliseconds(), 10),
			formatTime(rec.FirstSeen),
			formatTime(rec.LastSeen),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteMatrix writes the cross-session table: one row per person, one
// column per lecture (1 = present), plus a total column. Lecture order is
// the given order; persons are sorted by display name.
func WriteMatrix(w io.Writer, lectureIDs []string, matrix map[string]map[string]bool, names map[string]string) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}
	cw := csv.NewWriter(w)
	cw.UseCRLF = true

	if len(lectureIDs) == 0 {
		cw.Flush()
		return cw.Error()
	}

	personSet := make(map[string]bool)
	for _, id := range lectureIDs {
		for key := range matrix[id] {
			personSet[key] = true
		}
	}
	if len(personSet) == 0 {
		cw.Flush()
		return cw.Error()
	}

	displayName := func(key string) string {
		if n := names[key]; n != "" {
			return n
		}
		return key
	}

	persons := make([]string, 0, len(personSet))
	for key := range personSet {
		persons = append(persons, key)
	}
	sort.Slice(persons, func(i, j int) bool {
		return displayName(persons[i]) < displayName(persons[j])
	})

	header := make([]string, 0, len(lectureIDs)+2)
	header = append(header, "Person")
	for _, id := range lectureIDs {
		header = append(header, "lecture_"+id)
	}
	header = append(header, "total")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, key := range persons {
		row := make([]string, 0, len(header))
		row = append(row, displayName(key))
		total := 0
		for _, id := range lectureIDs {
			present := 0
			if matrix[id][key] {
				present = 1
				total++
			}
			row = append(row, strconv.Itoa(present))
		}
		row = append(row, strconv.Itoa(total))
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
