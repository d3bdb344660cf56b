package presence

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"lecture-attendance-go/internal/metrics"
	"lecture-attendance-go/internal/stream"

	log "github.com/sirupsen/logrus"
)

// Policy selects how presence decays within one deployment.
type Policy int

const (
	// PolicyBatch demotes identities that are absent from a detection batch.
	PolicyBatch Policy = iota
	// PolicyTimeout demotes identities only when their last-seen timestamp
	// goes stale; batch absence alone does not demote.
	PolicyTimeout
	// PolicyBoth applies batch absence and staleness as independent
	// demotion paths.
	PolicyBoth
)

// ParsePolicy maps the configuration string to a Policy, defaulting to
// PolicyBoth for unrecognized values.
func ParsePolicy(s string) Policy {
	switch s {
	case "batch":
		return PolicyBatch
	case "timeout":
		return PolicyTimeout
	case "both":
		return PolicyBoth
	default:
		log.Warnf("Unknown presence policy '%s', defaulting to 'both'", s)
		return PolicyBoth
	}
}

// Record is the accumulated attendance state for one identity key.
type Record struct {
	Key          string        `json:"key"`
	Name         string        `json:"name,omitempty"`
	Present      bool          `json:"present"`
	PresentSince time.Time     `json:"present_since,omitempty"` // Zero while absent
	Accumulated  time.Duration `json:"accumulated_ms"`          // Closed intervals only
	LastScore    float64       `json:"last_score,omitempty"`
	LastBox      *stream.BBox  `json:"last_box,omitempty"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
}

// Transition is one presence flip produced by a tracker operation.
type Transition struct {
	Key     string    `json:"key"`
	Name    string    `json:"name,omitempty"`
	Arrived bool      `json:"arrived"` // false = left
	At      time.Time `json:"at"`
}

// Tracker owns the identity-key → Record mapping for one active session.
// The map is reset wholesale between sessions, never merged.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	policy  Policy
}

// NewTracker creates an empty tracker with the given decay policy.
func NewTracker(policy Policy) *Tracker {
	return &Tracker{
		records: make(map[string]*Record),
		policy:  policy,
	}
}

// KeyFor derives the identity key for a detection. Priority: stable person
// identifier, then detection id, then a synthesized name+quantized-origin
// key. The fallback trades identity continuity for availability: a shifting
// box can fragment one person across keys, which is accepted behavior.
func KeyFor(d stream.Detection) string {
	if d.PersonID != "" {
		return d.PersonID
	}
	if d.ID != "" {
		return d.ID
	}
	name := d.Name
	if name == "" {
		name = "unknown"
	}
	var x, y float64
	if d.BBox != nil {
		x = d.BBox.X()
		y = d.BBox.Y()
	}
	return fmt.Sprintf("%s_%d_%d", name, int(math.Round(x*1000)), int(math.Round(y*1000)))
}

// ApplyDetectionBatch reconciles one atomic visibility snapshot at time now.
// The batch is the authority on who is currently visible: under the batch
// and both policies, present records missing from it are demoted with no
// grace period. Returned transitions are in demotion-then-arrival order.
func (t *Tracker) ApplyDetectionBatch(batch []stream.Detection, now time.Time) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Dedup by key; the last detection wins display fields, but the batch is
	// a set for presence transitions.
	seen := make(map[string]stream.Detection, len(batch))
	var order []string
	for _, d := range batch {
		key := KeyFor(d)
		if _, ok := seen[key]; !ok {
			order = append(order, key)
		}
		seen[key] = d
	}

	var transitions []Transition

	if t.policy != PolicyTimeout {
		for key, rec := range t.records {
			if !rec.Present {
				continue
			}
			if _, visible := seen[key]; visible {
				continue
			}
			t.closeInterval(rec, now)
			transitions = append(transitions, Transition{Key: key, Name: rec.Name, Arrived: false, At: now})
		}
	}

	for _, key := range order {
		d := seen[key]
		rec, ok := t.records[key]
		if !ok {
			rec = &Record{
				Key:          key,
				Name:         d.Name,
				Present:      true,
				PresentSince: now,
				LastScore:    d.Score,
				LastBox:      d.BBox,
				FirstSeen:    now,
				LastSeen:     now,
			}
			t.records[key] = rec
			transitions = append(transitions, Transition{Key: key, Name: rec.Name, Arrived: true, At: now})
			continue
		}

		if !rec.Present {
			rec.Present = true
			rec.PresentSince = now
			transitions = append(transitions, Transition{Key: key, Name: rec.Name, Arrived: true, At: now})
		}
		// Refresh display fields; prefer the new name only when provided.
		if d.Name != "" {
			rec.Name = d.Name
		}
		if d.Score != 0 {
			rec.LastScore = d.Score
		}
		if d.BBox != nil {
			rec.LastBox = d.BBox
		}
		rec.LastSeen = now
	}

	metrics.PresentCount.Set(float64(t.presentCountLocked()))
	return transitions
}

// ApplyTimeoutSweep demotes present records whose last-seen age exceeds the
// grace period. It runs on an independent timer because batches may stop
// arriving entirely without an explicit "gone" signal.
func (t *Tracker) ApplyTimeoutSweep(now time.Time, grace time.Duration) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var transitions []Transition
	for key, rec := range t.records {
		if !rec.Present {
			continue
		}
		if now.Sub(rec.LastSeen) <= grace {
			continue
		}
		t.closeInterval(rec, now)
		transitions = append(transitions, Transition{Key: key, Name: rec.Name, Arrived: false, At: now})
	}

	metrics.PresentCount.Set(float64(t.presentCountLocked()))
	return transitions
}

// FinalizeAll closes every still-open interval using the given timestamp.
// After it returns no record is present; calling it again is a no-op.
func (t *Tracker) FinalizeAll(now time.Time) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var transitions []Transition
	for key, rec := range t.records {
		if !rec.Present {
			continue
		}
		t.closeInterval(rec, now)
		transitions = append(transitions, Transition{Key: key, Name: rec.Name, Arrived: false, At: now})
	}

	metrics.PresentCount.Set(0)
	return transitions
}

// CurrentTotal returns the accumulated duration plus, if the identity is
// currently present, the elapsed time of the open interval. Read-only.
func (t *Tracker) CurrentTotal(key string, now time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return 0, false
	}
	total := rec.Accumulated
	if rec.Present {
		if open := now.Sub(rec.PresentSince); open > 0 {
			total += open
		}
	}
	return total, true
}

// Snapshot returns a copy of all records ordered by first appearance.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].Key < out[j].Key
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// PresentCount returns the number of currently-present identities.
func (t *Tracker) PresentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.presentCountLocked()
}

// Reset clears the record map wholesale for a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*Record)
	metrics.PresentCount.Set(0)
}

// closeInterval flushes an open interval into the accumulated duration.
// Negative deltas (clock anomalies) are floored to zero; the accumulated
// duration never decreases. Caller holds the lock.
func (t *Tracker) closeInterval(rec *Record, now time.Time) {
	elapsed := now.Sub(rec.PresentSince)
	if elapsed < 0 {
		elapsed = 0
	}
	rec.Accumulated += elapsed
	rec.PresentSince = time.Time{}
	rec.Present = false
}

func (t *Tracker) presentCountLocked() int {
	n := 0
	for _, rec := range t.records {
		if rec.Present {
			n++
		}
	}
	return n
}
