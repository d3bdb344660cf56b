package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"lecture-attendance-go/internal/api"
	"lecture-attendance-go/internal/config"
	"lecture-attendance-go/internal/metrics"
	"lecture-attendance-go/internal/notify"
	"lecture-attendance-go/internal/overlay"
	"lecture-attendance-go/internal/presence"
	"lecture-attendance-go/internal/sse"
	"lecture-attendance-go/internal/storage"
	"lecture-attendance-go/internal/stream"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SourceFactory builds the stream source for a session endpoint. Wired to
// the live websocket channel or, in demo mode, the fake channel.
type SourceFactory func(endpoint string) stream.Source

// Controller glues the stream channel, the presence tracker, the overlay
// renderer and the collaborators (backend RPC, storage, SSE, MQTT) into one
// lecture session at a time.
type Controller struct {
	cfg      *config.Config
	backend  *api.Client
	db       *gorm.DB
	hub      *sse.Hub
	notifier *notify.MQTTNotifier
	factory  SourceFactory
	now      func() time.Time

	mu         sync.Mutex
	running    bool
	sessionID  string
	groupID    string
	startedAt  time.Time
	source     stream.Source
	handlerID  int
	tracker    *presence.Tracker
	renderer   *overlay.Renderer
	frames     *FrameHolder
	detections []stream.Detection
	sweepStop  chan struct{}
}

// NewController wires a controller. db and notifier may be nil (no
// persistence / no MQTT).
func NewController(cfg *config.Config, backend *api.Client, db *gorm.DB, hub *sse.Hub, notifier *notify.MQTTNotifier, factory SourceFactory) *Controller {
	return &Controller{
		cfg:      cfg,
		backend:  backend,
		db:       db,
		hub:      hub,
		notifier: notifier,
		factory:  factory,
		now:      time.Now,
		tracker:  presence.NewTracker(presence.ParsePolicy(cfg.Presence.Policy)),
		renderer: overlay.NewRenderer(1),
		frames:   &FrameHolder{},
	}
}

// Status is the observable state of the controller.
type Status struct {
	Running      bool      `json:"running"`
	SessionID    string    `json:"session_id,omitempty"`
	GroupID      string    `json:"group_id,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Connected    bool      `json:"connected"`
	PresentCount int       `json:"present_count"`
}

// Start begins a lecture session: obtains a session identifier from the
// backend (demo mode mints one locally), resets presence state, opens the
// stream channel and subscribes it to the session. The open handshake is
// awaited with a bounded timeout; the session proceeds regardless so a slow
// stream never blocks the start.
func (c *Controller) Start(ctx context.Context, groupID string) (string, error) {
	c.mu.Lock()
	if c.running {
		id := c.sessionID
		c.mu.Unlock()
		if id == "" {
			return "", fmt.Errorf("session start already in progress")
		}
		return id, fmt.Errorf("session %s already running", id)
	}
	// Reserve the session slot before the RPC so a concurrent Start cannot
	// pass the admission check while this one is still in flight.
	c.running = true
	c.sessionID = ""
	c.mu.Unlock()

	var sessionID string
	if c.cfg.Stream.Mode == "fake" {
		sessionID = "demo-" + uuid.NewString()
	} else {
		id, err := c.backend.StartLecture(ctx, groupID)
		if err != nil {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return "", err
		}
		sessionID = id
	}

	endpoint := c.streamEndpoint(sessionID)
	source := c.factory(endpoint)

	c.mu.Lock()
	c.sessionID = sessionID
	c.groupID = groupID
	c.startedAt = c.now()
	c.source = source
	c.tracker.Reset()
	c.frames.Clear()
	c.detections = nil
	c.handlerID = source.AddHandler(c.handleMessage)
	c.mu.Unlock()

	source.Connect(c.backend.Token())
	if !source.WaitOpen(c.cfg.Stream.OpenTimeout()) {
		log.Warnf("Stream open handshake still pending after %s, continuing", c.cfg.Stream.OpenTimeout())
	}
	source.Send(map[string]interface{}{
		"action":    "subscribe",
		"lectureId": sessionID,
	})

	c.startSweep()
	metrics.SessionActive.Set(1)
	c.hub.BroadcastEvent("status", c.Status())
	log.Infof("Session %s started (group '%s')", sessionID, groupID)
	return sessionID, nil
}

// Stop finalizes all open presence intervals at the stop timestamp,
// persists the session, closes the channel and notifies the backend.
// Idempotent: stopping with no active session is a no-op. A failing
// lecture-end RPC is logged but never leaves the controller running.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	sessionID := c.sessionID
	groupID := c.groupID
	startedAt := c.startedAt
	source := c.source
	handlerID := c.handlerID
	c.source = nil
	c.mu.Unlock()

	// Quiesce the message flow first: once the handler is removed and the
	// source closed, no batch can reopen records behind the finalize below.
	if source != nil {
		source.Send(map[string]interface{}{"action": "stop_session"})
		source.RemoveHandler(handlerID)
		source.Close()
	}
	c.stopSweep()

	stopAt := c.now()
	transitions := c.tracker.FinalizeAll(stopAt)
	c.hub.BroadcastTransitions(transitions)
	c.notifier.PublishTransitions(sessionID, transitions)

	records := c.tracker.Snapshot()
	if c.db != nil {
		if _, err := storage.SaveSession(c.db, sessionID, groupID, startedAt, stopAt, records); err != nil {
			log.Errorf("Failed to persist session %s: %v", sessionID, err)
		}
	}

	if c.cfg.Stream.Mode != "fake" {
		if err := c.backend.EndLecture(ctx, sessionID); err != nil {
			// The session is already down locally; surface the failure but
			// never resurrect the running state.
			log.Errorf("Lecture end RPC failed for %s: %v", sessionID, err)
		}
	}

	c.mu.Lock()
	c.sessionID = ""
	c.groupID = ""
	c.startedAt = time.Time{}
	c.detections = nil
	c.mu.Unlock()
	c.tracker.Reset()
	c.frames.Clear()

	metrics.SessionActive.Set(0)
	c.hub.BroadcastEvent("status", c.Status())
	log.Infof("Session %s stopped", sessionID)
	return nil
}

// Status returns the observable controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	connected := false
	if c.source != nil {
		connected = c.source.Connected()
	}
	return Status{
		Running:      c.running,
		SessionID:    c.sessionID,
		GroupID:      c.groupID,
		StartedAt:    c.startedAt,
		Connected:    connected,
		PresentCount: c.tracker.PresentCount(),
	}
}

// Source returns the active stream source, or nil between sessions.
func (c *Controller) Source() stream.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Records exposes the live presence snapshot for display and export.
func (c *Controller) Records() []presence.Record {
	return c.tracker.Snapshot()
}

// CurrentTotal projects one identity's total at now without mutating state.
func (c *Controller) CurrentTotal(key string) (time.Duration, bool) {
	return c.tracker.CurrentTotal(key, c.now())
}

// Snapshot renders the current overlay at the given on-screen size and
// returns it as JPEG bytes. Returns an error before the first frame.
func (c *Controller) Snapshot(width, height int) ([]byte, error) {
	frame, burnedIn, _ := c.frames.Get()
	if frame == nil {
		return nil, fmt.Errorf("no frame received yet")
	}

	c.mu.Lock()
	dets := make([]stream.Detection, len(c.detections))
	copy(dets, c.detections)
	img := c.renderer.Render(frame, width, height, dets, burnedIn)
	c.mu.Unlock()

	return overlay.EncodeJPEG(img, 0.85)
}

// handleMessage routes one decoded stream message. Messages arrive in
// channel order on a single goroutine, which preserves the batch ordering
// the tracker requires.
func (c *Controller) handleMessage(msg stream.Message) {
	switch msg.Kind {
	case stream.KindDetections:
		metrics.DetectionBatches.Inc()
		now := c.now()
		transitions := c.tracker.ApplyDetectionBatch(msg.Detections.Detections, now)

		c.mu.Lock()
		c.detections = msg.Detections.Detections
		c.mu.Unlock()

		c.hub.BroadcastTransitions(transitions)
		c.hub.BroadcastPresence(c.tracker.Snapshot())
		c.mu.Lock()
		sessionID := c.sessionID
		c.mu.Unlock()
		c.notifier.PublishTransitions(sessionID, transitions)

	case stream.KindFrame:
		metrics.FramesReceived.Inc()
		img, err := overlay.DecodeBase64Frame(msg.Frame.ImageBase64)
		if err != nil {
			log.Warnf("Dropping undecodable frame: %v", err)
			return
		}
		c.frames.Set(img, nil, msg.Frame.WithBoxes(), c.now())

	case stream.KindBinary:
		metrics.FramesReceived.Inc()
		img, err := overlay.DecodeFrameBytes(msg.Blob)
		if err != nil {
			log.Warnf("Dropping undecodable binary frame: %v", err)
			return
		}
		c.frames.Set(img, msg.Blob, false, c.now())

	case stream.KindLog:
		log.Debugf("Stream log: %s", msg.Text)
		c.hub.BroadcastEvent("log", msg.Text)

	case stream.KindUnknown:
		log.Debugf("Unrecognized stream message: %s", string(msg.Raw))
	}
}

// startSweep launches the timeout-sweep ticker, decoupled from batch
// arrival, for the timeout and both policies.
func (c *Controller) startSweep() {
	policy := presence.ParsePolicy(c.cfg.Presence.Policy)
	if policy == presence.PolicyBatch {
		return
	}

	c.mu.Lock()
	if c.sweepStop != nil {
		close(c.sweepStop)
	}
	c.sweepStop = make(chan struct{})
	stop := c.sweepStop
	c.mu.Unlock()

	grace := c.cfg.Presence.GraceDuration()
	ticker := time.NewTicker(c.cfg.Presence.SweepInterval())
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				transitions := c.tracker.ApplyTimeoutSweep(c.now(), grace)
				if len(transitions) > 0 {
					c.hub.BroadcastTransitions(transitions)
					c.hub.BroadcastPresence(c.tracker.Snapshot())
					c.mu.Lock()
					sessionID := c.sessionID
					c.mu.Unlock()
					c.notifier.PublishTransitions(sessionID, transitions)
				}
			}
		}
	}()
}

func (c *Controller) stopSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweepStop != nil {
		close(c.sweepStop)
		c.sweepStop = nil
	}
}

func (c *Controller) streamEndpoint(sessionID string) string {
	base := c.cfg.Stream.URL + c.cfg.Stream.Path
	u, err := url.Parse(base)
	if err != nil {
		log.Warnf("Invalid stream base URL '%s': %v", base, err)
		return base + "?lecture_id=" + url.QueryEscape(sessionID)
	}
	q := u.Query()
	q.Set("lecture_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}
