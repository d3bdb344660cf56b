package sender

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"lecture-attendance-go/internal/config"
	"lecture-attendance-go/internal/metrics"
	"lecture-attendance-go/internal/overlay"

	log "github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
)

// BinarySender is the outbound half of the stream channel the sender needs.
type BinarySender interface {
	SendBinary(payload []byte)
	Connected() bool
}

// Sender streams JPEG frames from a source directory to the backend at a
// bounded rate, standing in for a live camera capture. Frames are
// downscaled into a transmission buffer that is allocated once and reused,
// never per frame.
type Sender struct {
	cfg    config.SenderConfig
	out    BinarySender
	buf    *image.RGBA // Reused transmission back buffer
	frames []string
	next   int

	mu      sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	running bool
}

// New creates a sender for the configured source directory.
func New(cfg config.SenderConfig, out BinarySender) (*Sender, error) {
	entries, err := os.ReadDir(cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame source dir '%s': %w", cfg.SourceDir, err)
	}

	var frames []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") {
			frames = append(frames, filepath.Join(cfg.SourceDir, e.Name()))
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no JPEG frames found in '%s'", cfg.SourceDir)
	}
	sort.Strings(frames)

	return &Sender{
		cfg:    cfg,
		out:    out,
		buf:    image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
		frames: frames,
	}, nil
}

// Start begins transmitting at the configured frame rate.
func (s *Sender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})

	interval := time.Second / time.Duration(s.cfg.FPS)
	s.ticker = time.NewTicker(interval)
	log.Infof("Frame sender started: %d frame(s), %d fps, %dx%d", len(s.frames), s.cfg.FPS, s.cfg.Width, s.cfg.Height)

	go s.loop(s.ticker, s.done)
}

func (s *Sender) loop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.sendOnce(); err != nil {
				log.Warnf("Frame send skipped: %v", err)
			}
		}
	}
}

func (s *Sender) sendOnce() error {
	if !s.out.Connected() {
		return fmt.Errorf("channel not connected")
	}

	s.mu.Lock()
	path := s.frames[s.next]
	s.next = (s.next + 1) % len(s.frames)
	s.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read frame '%s': %w", path, err)
	}
	img, err := overlay.DecodeFrameBytes(raw)
	if err != nil {
		return fmt.Errorf("failed to decode frame '%s': %w", path, err)
	}

	// Downscale into the reused buffer.
	xdraw.ApproxBiLinear.Scale(s.buf, s.buf.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	payload, err := overlay.EncodeJPEG(s.buf, s.cfg.JPEGQuality)
	if err != nil {
		return err
	}
	s.out.SendBinary(payload)
	metrics.FramesSent.Inc()
	return nil
}

// Stop halts transmission. Safe to call repeatedly.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.ticker.Stop()
	close(s.done)
	log.Info("Frame sender stopped")
}
