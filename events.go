package vp9pipe

import "time"

// Event types.
const (
	EventTypeEncodingStarted    = "encoding_started"
	EventTypeEncodingProgress   = "encoding_progress"
	EventTypeSceneChange        = "scene_change"
	EventTypeValidationComplete = "validation_complete"
	EventTypeEncodingComplete   = "encoding_complete"
	EventTypeWarning            = "warning"
	EventTypeError              = "error"
)

// Event is the interface for all vp9pipe events.
type Event interface {
	Type() string
	Timestamp() int64
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventType string `json:"type"`
	Time      int64  `json:"timestamp"`
}

func (e BaseEvent) Type() string     { return e.EventType }
func (e BaseEvent) Timestamp() int64 { return e.Time }

// EncodingStartedEvent is sent once the pipeline starts.
type EncodingStartedEvent struct {
	BaseEvent
	TotalFrames uint64 `json:"total_frames"`
}

// EncodingProgressEvent represents encoding progress updates.
type EncodingProgressEvent struct {
	BaseEvent
	Percent    float32 `json:"percent"`
	FramesDone uint64  `json:"frames_done"`
	FPS        float32 `json:"fps"`
	Bitrate    float64 `json:"bitrate"`
	AverageQP  float64 `json:"average_qp"`
	ETASeconds int64   `json:"eta_seconds"`
}

// SceneChangeEvent reports a detected scene change.
type SceneChangeEvent struct {
	BaseEvent
	PictureNumber int64 `json:"picture_number"`
}

// ValidationCompleteEvent represents validation of the written stream.
type ValidationCompleteEvent struct {
	BaseEvent
	ValidationPassed bool             `json:"validation_passed"`
	ValidationSteps  []ValidationStep `json:"validation_steps"`
}

// ValidationStep represents a single validation check.
type ValidationStep struct {
	Step    string `json:"step"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

// EncodingCompleteEvent represents successful encode completion.
type EncodingCompleteEvent struct {
	BaseEvent
	OutputFile    string  `json:"output_file"`
	Frames        uint64  `json:"frames"`
	EncodedSize   uint64  `json:"encoded_size"`
	Bitrate       float64 `json:"bitrate"`
	AverageQP     float64 `json:"average_qp"`
	VBVUnderflows int     `json:"vbv_underflows"`
}

// WarningEvent represents a warning message.
type WarningEvent struct {
	BaseEvent
	Message string `json:"message"`
}

// ErrorEvent represents an error.
type ErrorEvent struct {
	BaseEvent
	Title      string `json:"title"`
	Message    string `json:"message"`
	Context    string `json:"context"`
	Suggestion string `json:"suggestion"`
}

// EventHandler is called with events during encoding.
type EventHandler func(Event) error

// NewTimestamp returns the current Unix timestamp.
func NewTimestamp() int64 {
	return time.Now().Unix()
}
