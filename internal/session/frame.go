package session

import (
	"image"
	"sync"
	"time"
)

// FrameHolder retains the single most recently decoded frame. Exactly one
// frame is outstanding at a time; each replacement releases the previous
// one wholesale, so memory use stays bounded at one decoded image.
type FrameHolder struct {
	mu        sync.Mutex
	img       image.Image
	raw       []byte
	withBoxes bool
	updatedAt time.Time
}

// Set replaces the retained frame.
func (f *FrameHolder) Set(img image.Image, raw []byte, withBoxes bool, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.img = img
	f.raw = raw
	f.withBoxes = withBoxes
	f.updatedAt = at
}

// Get returns the retained frame, whether boxes are burned in, and the
// time of the last update. The image may be nil before the first frame.
func (f *FrameHolder) Get() (image.Image, bool, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.img, f.withBoxes, f.updatedAt
}

// Clear drops the retained frame.
func (f *FrameHolder) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.img = nil
	f.raw = nil
	f.withBoxes = false
	f.updatedAt = time.Time{}
}
