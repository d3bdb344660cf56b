package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lecture-attendance-go/internal/api"
	"lecture-attendance-go/internal/config"
	"lecture-attendance-go/internal/sse"
	"lecture-attendance-go/internal/storage"
	"lecture-attendance-go/internal/stream"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlog "gorm.io/gorm/logger"
)

// stubSource records interactions and lets tests push decoded messages
// through the controller's handler.
type stubSource struct {
	mu       sync.Mutex
	handlers map[int]stream.Handler
	nextID   int
	sent     []interface{}
	closed   bool
	onSend   func(v interface{})
}

func newStubSource() *stubSource {
	return &stubSource{handlers: make(map[int]stream.Handler)}
}

func (s *stubSource) Connect(token string) {}

func (s *stubSource) Send(v interface{}) {
	s.mu.Lock()
	s.sent = append(s.sent, v)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(v)
	}
}

func (s *stubSource) setOnSend(fn func(v interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSend = fn
}

func (s *stubSource) AddHandler(h stream.Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers[s.nextID] = h
	return s.nextID
}

func (s *stubSource) RemoveHandler(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
}

func (s *stubSource) WaitOpen(timeout time.Duration) bool { return true }

func (s *stubSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *stubSource) emit(msg stream.Message) {
	s.mu.Lock()
	handlers := make([]stream.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (s *stubSource) sentActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var actions []string
	for _, v := range s.sent {
		if m, ok := v.(map[string]interface{}); ok {
			if a, ok := m["action"].(string); ok {
				actions = append(actions, a)
			}
		}
	}
	return actions
}

func testConfig() *config.Config {
	return &config.Config{
		Stream: config.StreamConfig{
			Mode:          "fake",
			OpenTimeoutMs: 50,
		},
		Presence: config.PresenceConfig{
			Policy:       "batch", // no sweep ticker in tests
			GraceSeconds: 15,
			SweepSeconds: 5,
		},
	}
}

func testController(t *testing.T) (*Controller, *stubSource) {
	t.Helper()
	source := newStubSource()
	backend := api.NewClient(config.BackendConfig{URL: "http://127.0.0.1:1", Timeout: 1}, &api.MemoryTokenStore{})
	c := NewController(testConfig(), backend, nil, sse.NewHub(), nil, func(endpoint string) stream.Source {
		return source
	})
	return c, source
}

func detectionsMsg(ids ...string) stream.Message {
	dets := make([]stream.Detection, 0, len(ids))
	for _, id := range ids {
		dets = append(dets, stream.Detection{PersonID: id, Name: id, Score: 0.9})
	}
	return stream.Message{
		Kind:       stream.KindDetections,
		Detections: &stream.DetectionsPayload{Type: "detections", Detections: dets},
	}
}

func TestStartStopLifecycle(t *testing.T) {
	c, source := testController(t)

	id, err := c.Start(context.Background(), "G1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !strings.HasPrefix(id, "demo-") {
		t.Errorf("demo session id = %q", id)
	}

	status := c.Status()
	if !status.Running || status.SessionID != id || status.GroupID != "G1" {
		t.Errorf("unexpected status: %+v", status)
	}

	// Starting again while running is an error that reports the live id.
	if _, err := c.Start(context.Background(), "G2"); err == nil {
		t.Error("second Start should fail while a session is running")
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.Status().Running {
		t.Error("controller still running after Stop")
	}
	if !source.closed {
		t.Error("source not closed on Stop")
	}

	actions := source.sentActions()
	if len(actions) != 2 || actions[0] != "subscribe" || actions[1] != "stop_session" {
		t.Errorf("sent actions = %v", actions)
	}
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	c, _ := testController(t)
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("idle Stop returned %v", err)
	}
}

func TestDetectionsDrivePresence(t *testing.T) {
	c, source := testController(t)
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(context.Background())

	source.emit(detectionsMsg("u1", "u2"))

	records := c.Records()
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	for _, rec := range records {
		if !rec.Present {
			t.Errorf("record %s not present", rec.Key)
		}
	}
	if c.Status().PresentCount != 2 {
		t.Errorf("present count = %d", c.Status().PresentCount)
	}

	// u2 leaves.
	source.emit(detectionsMsg("u1"))
	if c.Status().PresentCount != 1 {
		t.Errorf("present count after departure = %d", c.Status().PresentCount)
	}

	if _, ok := c.CurrentTotal("u1"); !ok {
		t.Error("CurrentTotal lost a tracked identity")
	}
}

func TestStopClearsPresence(t *testing.T) {
	c, source := testController(t)
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	source.emit(detectionsMsg("u1"))
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(c.Records()) != 0 {
		t.Error("presence records survived Stop")
	}
	if _, ok := c.CurrentTotal("u1"); ok {
		t.Error("CurrentTotal found a record after Stop")
	}
}

func TestSnapshotRequiresFrame(t *testing.T) {
	c, source := testController(t)
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(context.Background())

	if _, err := c.Snapshot(320, 240); err == nil {
		t.Error("Snapshot before the first frame should fail")
	}

	// Deliver one frame, then snapshots work.
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 12)), nil); err != nil {
		t.Fatal(err)
	}
	source.emit(stream.Message{
		Kind: stream.KindFrame,
		Frame: &stream.FramePayload{
			Type:        "frame",
			ImageBase64: base64.StdEncoding.EncodeToString(buf.Bytes()),
		},
	})

	payload, err := c.Snapshot(320, 240)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(payload) == 0 || payload[0] != 0xFF || payload[1] != 0xD8 {
		t.Error("snapshot is not a JPEG stream")
	}
}

func TestBinaryFramesAccepted(t *testing.T) {
	c, source := testController(t)
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(context.Background())

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 12)), nil); err != nil {
		t.Fatal(err)
	}
	source.emit(stream.Message{Kind: stream.KindBinary, Blob: buf.Bytes()})

	if _, err := c.Snapshot(320, 240); err != nil {
		t.Errorf("Snapshot after binary frame failed: %v", err)
	}
}

func TestUndecodableFrameDropped(t *testing.T) {
	c, source := testController(t)
	if _, err := c.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(context.Background())

	source.emit(stream.Message{
		Kind:  stream.KindFrame,
		Frame: &stream.FramePayload{Type: "frame", ImageBase64: "!!garbage!!"},
	})
	if _, err := c.Snapshot(320, 240); err == nil {
		t.Error("garbage frame should not satisfy Snapshot")
	}
}

func TestConcurrentStartAdmitsOne(t *testing.T) {
	source := newStubSource()
	backend := api.NewClient(config.BackendConfig{URL: "http://127.0.0.1:1", Timeout: 1}, &api.MemoryTokenStore{})
	var factoryCalls int32
	c := NewController(testConfig(), backend, nil, sse.NewHub(), nil, func(string) stream.Source {
		atomic.AddInt32(&factoryCalls, 1)
		return source
	})

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Start(context.Background(), "")
		}(i)
	}
	wg.Wait()
	defer c.Stop(context.Background())

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		}
	}
	if admitted != 1 {
		t.Errorf("%d concurrent starts succeeded, want exactly 1", admitted)
	}
	if n := atomic.LoadInt32(&factoryCalls); n != 1 {
		t.Errorf("source factory called %d times, want 1", n)
	}
}

func TestLateBatchFinalizedAndPersisted(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlog.Default.LogMode(gormlog.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&storage.Lecture{}, &storage.Person{}, &storage.AttendanceRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	source := newStubSource()
	backend := api.NewClient(config.BackendConfig{URL: "http://127.0.0.1:1", Timeout: 1}, &api.MemoryTokenStore{})
	c := NewController(testConfig(), backend, db, sse.NewHub(), nil, func(string) stream.Source {
		return source
	})

	id, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	source.emit(detectionsMsg("u1"))

	// A batch still in flight when the stop message goes out must be folded
	// into the final snapshot, not dropped or left reopened.
	source.setOnSend(func(v interface{}) {
		if m, ok := v.(map[string]interface{}); ok && m["action"] == "stop_session" {
			source.emit(detectionsMsg("u1", "late"))
		}
	})
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	lecture, err := storage.LectureBySession(db, id)
	if err != nil || lecture == nil {
		t.Fatalf("persisted lecture not found: %v, %v", lecture, err)
	}
	roster, err := storage.Roster(db, lecture.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster size = %d, want 2 (late arrival persisted)", len(roster))
	}
}

func TestStreamEndpointCarriesLectureID(t *testing.T) {
	c, _ := testController(t)
	c.cfg.Stream.URL = "ws://stream.local:8081"
	c.cfg.Stream.Path = "/ws/lecture"

	got := c.streamEndpoint("sess 42")
	if got != "ws://stream.local:8081/ws/lecture?lecture_id=sess+42" {
		t.Errorf("endpoint = %q", got)
	}
}
