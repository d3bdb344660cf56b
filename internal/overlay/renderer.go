package overlay

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // frame decoding
	"math"
	"strings"

	"lecture-attendance-go/internal/stream"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	boxColor   = color.RGBA{0, 255, 0, 255}   // lime
	labelBack  = color.RGBA{0, 0, 0, 153}     // black at 60%
	labelText  = color.RGBA{255, 255, 255, 255}
	labelFace  = basicfont.Face7x13
)

const (
	strokeWidth  = 2
	labelHeight  = 18
	labelPadding = 6
)

// Renderer paints bounding boxes and labels over the latest frame. The
// drawing surface is a back buffer reused across renders and reallocated
// only when the target size changes.
type Renderer struct {
	buf   *image.RGBA
	scale float64 // Device-pixel-ratio analog applied to the transform
}

// NewRenderer creates a renderer with the given pixel scale (>= 1).
func NewRenderer(scale float64) *Renderer {
	if scale <= 0 {
		scale = 1
	}
	return &Renderer{scale: scale}
}

// Render recomputes the drawing surface at the given on-screen size and
// paints the frame plus one stroked rectangle and label per detection with
// a bounding box. It must be re-run whenever either the frame or the batch
// changes; the two update independently and no cadence ratio is assumed.
// When burnedIn is true the backend already drew the rectangles into the
// frame pixels, so only the labels are painted.
func (r *Renderer) Render(frame image.Image, width, height int, dets []stream.Detection, burnedIn bool) *image.RGBA {
	pw := int(math.Max(1, math.Round(float64(width)*r.scale)))
	ph := int(math.Max(1, math.Round(float64(height)*r.scale)))
	r.ensureBuffer(pw, ph)

	// Clear, then blit the frame across the whole surface.
	clear := image.Rect(0, 0, pw, ph)
	xdraw.Draw(r.buf, clear, image.NewUniform(color.Black), image.Point{}, xdraw.Src)
	if frame != nil {
		xdraw.ApproxBiLinear.Scale(r.buf, clear, frame, frame.Bounds(), xdraw.Src, nil)
	}

	fw := float64(width) * r.scale
	fh := float64(height) * r.scale
	for _, d := range dets {
		if d.BBox == nil {
			continue
		}
		x := int(math.Round(d.BBox.X() * fw))
		y := int(math.Round(d.BBox.Y() * fh))
		w := int(math.Round(d.BBox.W() * fw))
		h := int(math.Round(d.BBox.H() * fh))

		if !burnedIn {
			r.strokeRect(x, y, w, h)
		}
		r.drawLabel(labelFor(d), x, y)
	}
	return r.buf
}

// Buffer exposes the current back buffer (for snapshot encoding).
func (r *Renderer) Buffer() *image.RGBA { return r.buf }

func (r *Renderer) ensureBuffer(w, h int) {
	if r.buf != nil {
		b := r.buf.Bounds()
		if b.Dx() == w && b.Dy() == h {
			return
		}
	}
	r.buf = image.NewRGBA(image.Rect(0, 0, w, h))
}

func (r *Renderer) strokeRect(x, y, w, h int) {
	sw := int(math.Max(1, math.Round(strokeWidth*r.scale)))
	fill := image.NewUniform(boxColor)
	// Four edges drawn as filled bars.
	xdraw.Draw(r.buf, image.Rect(x, y, x+w, y+sw), fill, image.Point{}, xdraw.Over)
	xdraw.Draw(r.buf, image.Rect(x, y+h-sw, x+w, y+h), fill, image.Point{}, xdraw.Over)
	xdraw.Draw(r.buf, image.Rect(x, y, x+sw, y+h), fill, image.Point{}, xdraw.Over)
	xdraw.Draw(r.buf, image.Rect(x+w-sw, y, x+w, y+h), fill, image.Point{}, xdraw.Over)
}

// drawLabel paints the filled label background and text at the box's
// top-left corner. The background is clamped so it never draws above y=0.
func (r *Renderer) drawLabel(label string, x, y int) {
	if label == "" {
		return
	}
	lh := int(math.Round(labelHeight * r.scale))
	pad := int(math.Round(labelPadding * r.scale))

	textWidth := font.MeasureString(labelFace, label).Ceil()
	top := y - lh
	if top < 0 {
		top = 0
	}
	bg := image.Rect(x, top, x+textWidth+pad, top+lh)
	xdraw.Draw(r.buf, bg, image.NewUniform(labelBack), image.Point{}, xdraw.Over)

	drawer := &font.Drawer{
		Dst:  r.buf,
		Src:  image.NewUniform(labelText),
		Face: labelFace,
		Dot: fixed.Point26_6{
			X: fixed.I(x + pad/2),
			Y: fixed.I(top + lh - 4),
		},
	}
	drawer.DrawString(label)
}

func labelFor(d stream.Detection) string {
	if d.Name != "" {
		if d.Score > 0 {
			return fmt.Sprintf("%s (%.0f%%)", d.Name, d.Score*100)
		}
		return d.Name
	}
	if d.ID != "" {
		return d.ID
	}
	return "unknown"
}

// DecodeBase64Frame decodes a frame delivered as a base64 string, with or
// without a data-URI prefix.
func DecodeBase64Frame(s string) (image.Image, error) {
	if idx := strings.Index(s, "base64,"); idx >= 0 {
		s = s[idx+len("base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 frame: %w", err)
	}
	return DecodeFrameBytes(raw)
}

// DecodeFrameBytes decodes raw image bytes (JPEG from binary frames).
func DecodeFrameBytes(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame image: %w", err)
	}
	return img, nil
}

// EncodeJPEG serializes an overlay surface for snapshot download.
func EncodeJPEG(img image.Image, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	q := int(math.Round(quality * 100))
	if q <= 0 || q > 100 {
		q = jpeg.DefaultQuality
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("failed to encode overlay JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
