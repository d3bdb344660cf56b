package stream

import (
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// FakeChannel synthesizes detection batches on a timer. It is a demo/test
// mode selected explicitly via stream.mode = "fake" in the configuration,
// never an implicit fallback when a live connection fails.
type FakeChannel struct {
	interval time.Duration

	mu       sync.Mutex
	handlers []handlerEntry
	nextID   int
	ticker   *time.Ticker
	done     chan struct{}
	running  bool
	tick     int
}

// NewFakeChannel creates a fake source emitting one batch per interval.
func NewFakeChannel(interval time.Duration) *FakeChannel {
	if interval <= 0 {
		interval = time.Second
	}
	return &FakeChannel{interval: interval}
}

// Connect starts the synthetic detection loop. The token is ignored.
func (f *FakeChannel) Connect(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.done = make(chan struct{})
	f.ticker = time.NewTicker(f.interval)
	log.Info("Fake stream channel started (demo mode)")
	go f.loop(f.ticker, f.done)
}

func (f *FakeChannel) loop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.mu.Lock()
			f.tick++
			tick := f.tick
			entries := make([]handlerEntry, len(f.handlers))
			copy(entries, f.handlers)
			f.mu.Unlock()

			msg := Message{Kind: KindDetections, Detections: fakeBatch(tick)}
			for _, e := range entries {
				e.fn(msg)
			}
		}
	}
}

// fakeBatch produces a small cast of identities that drift around the frame
// and occasionally walk out, so presence transitions are exercised.
func fakeBatch(tick int) *DetectionsPayload {
	people := []struct {
		id   string
		name string
	}{
		{"demo-1", "Alice"},
		{"demo-2", "Bob"},
		{"demo-3", "Carol"},
	}

	var dets []Detection
	for i, p := range people {
		// Each person leaves the room for a stretch of ticks on their own cycle.
		if (tick/10+i)%3 == 0 {
			continue
		}
		phase := float64(tick)/7 + float64(i)*2.1
		box := BBox{
			0.1 + 0.25*float64(i) + 0.03*math.Sin(phase),
			0.3 + 0.05*math.Cos(phase),
			0.12,
			0.22,
		}
		dets = append(dets, Detection{
			ID:    p.id,
			Name:  p.name,
			Score: 0.85 + 0.1*math.Abs(math.Sin(phase)),
			BBox:  &box,
		})
	}
	if dets == nil {
		dets = []Detection{}
	}
	return &DetectionsPayload{Type: "detections", Detections: dets}
}

// Send logs and discards the message; there is no backend in demo mode.
func (f *FakeChannel) Send(v interface{}) {
	log.Debugf("Fake channel discarding outbound message: %v", v)
}

// AddHandler registers an observer and returns its registration id.
func (f *FakeChannel) AddHandler(h Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers = append(f.handlers, handlerEntry{id: f.nextID, fn: h})
	return f.nextID
}

// RemoveHandler deregisters the observer with the given id.
func (f *FakeChannel) RemoveHandler(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.handlers {
		if e.id == id {
			f.handlers = append(f.handlers[:i], f.handlers[i+1:]...)
			return
		}
	}
}

// WaitOpen always succeeds immediately.
func (f *FakeChannel) WaitOpen(timeout time.Duration) bool { return true }

// Connected reports whether the synthetic loop is running.
func (f *FakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Close stops the synthetic detection loop.
func (f *FakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	f.ticker.Stop()
	close(f.done)
}
