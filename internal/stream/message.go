package stream

import (
	"encoding/json"
	"unicode/utf8"

	"lecture-attendance-go/internal/metrics"
)

// Kind tags the closed set of message variants produced by the channel
// decoder. Downstream components switch on it exhaustively instead of
// duck-typing raw payloads.
type Kind int

const (
	KindUnknown Kind = iota
	KindFrame
	KindDetections
	KindLog
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindDetections:
		return "detections"
	case KindLog:
		return "log"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// BBox is a bounding box in fractional coordinates [x, y, w, h], each 0..1
// of the frame width/height.
type BBox [4]float64

func (b BBox) X() float64 { return b[0] }
func (b BBox) Y() float64 { return b[1] }
func (b BBox) W() float64 { return b[2] }
func (b BBox) H() float64 { return b[3] }

// Detection is one detected face in a batch. All fields are optional on the
// wire; identity correlation falls back across them (see presence.KeyFor).
type Detection struct {
	ID       string  `json:"id,omitempty"`
	PersonID string  `json:"person_id,omitempty"` // Stable external identifier, e.g. enrollment number
	Name     string  `json:"name,omitempty"`
	Score    float64 `json:"score,omitempty"`
	BBox     *BBox   `json:"bbox,omitempty"`
}

// FramePayload carries one base64-encoded video frame.
type FramePayload struct {
	Type        string `json:"type"` // "frame" or "frame_with_boxes"
	ImageBase64 string `json:"imageBase64"`
}

// WithBoxes reports whether the backend already burned bounding boxes into
// the frame pixels.
func (f *FramePayload) WithBoxes() bool {
	return f.Type == "frame_with_boxes"
}

// DetectionsPayload carries one atomic "who is visible now" snapshot.
type DetectionsPayload struct {
	Type       string      `json:"type"`
	Detections []Detection `json:"detections"`
	TS         string      `json:"ts,omitempty"`
}

// Message is the tagged union delivered to channel handlers. Exactly the
// field matching Kind is populated.
type Message struct {
	Kind       Kind
	Frame      *FramePayload
	Detections *DetectionsPayload
	Text       string          // KindLog: raw non-JSON text payload
	Blob       []byte          // KindBinary: opaque image bytes (JPEG)
	Raw        json.RawMessage // KindUnknown: parsed JSON of an unrecognized shape
}

// typeHint carries the discriminator of an already-parsed JSON object.
type typeHint struct {
	Type string `json:"type"`
}

// DecodeText decodes a text payload: JSON parse first, falling back to a
// synthesized log record. Never returns an error; malformed input is data.
func DecodeText(payload []byte) Message {
	if msg, ok := decodeJSON(payload); ok {
		return msg
	}
	metrics.DecodeFailures.Inc()
	return Message{Kind: KindLog, Text: string(payload)}
}

// DecodeBinary decodes a binary payload. Some backends tunnel JSON over
// binary frames, so UTF-8 JSON is tried first; anything else is treated as
// an opaque image blob.
func DecodeBinary(payload []byte) Message {
	if utf8.Valid(payload) {
		if msg, ok := decodeJSON(payload); ok {
			return msg
		}
	}
	blob := make([]byte, len(payload))
	copy(blob, payload)
	return Message{Kind: KindBinary, Blob: blob}
}

func decodeJSON(payload []byte) (Message, bool) {
	if !json.Valid(payload) {
		return Message{}, false
	}

	// Valid JSON that is not an object (array, string, number) still counts
	// as a parsed message; it lands in the Unknown variant below.
	var hint typeHint
	_ = json.Unmarshal(payload, &hint)

	switch hint.Type {
	case "frame", "frame_with_boxes":
		var f FramePayload
		if err := json.Unmarshal(payload, &f); err != nil {
			return Message{}, false
		}
		return Message{Kind: KindFrame, Frame: &f}, true
	case "detections":
		var d DetectionsPayload
		if err := json.Unmarshal(payload, &d); err != nil {
			return Message{}, false
		}
		if d.Detections == nil {
			d.Detections = []Detection{}
		}
		return Message{Kind: KindDetections, Detections: &d}, true
	default:
		raw := make(json.RawMessage, len(payload))
		copy(raw, payload)
		return Message{Kind: KindUnknown, Raw: raw}, true
	}
}
