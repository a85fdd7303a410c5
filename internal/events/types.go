package events

// Event type constants for kelindar/event.
const (
	TypeReconfigured uint32 = iota + 1
	TypeFrameDropped
	TypeKeyFrame
	TypePipelineState
	TypePipelineStats
	TypeFeedback
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ReconfiguredEvent is published after the encoder geometry or rates change.
type ReconfiguredEvent struct {
	StreamID    string `json:"stream_id" example:"cam0" doc:"Pipeline identifier"`
	Kind        string `json:"kind" example:"geometry" doc:"What changed: geometry or rate"`
	Width       int    `json:"width" example:"640" doc:"Encoded width"`
	Height      int    `json:"height" example:"480" doc:"Encoded height"`
	BitrateKbps int    `json:"bitrate_kbps" example:"1000" doc:"Target bitrate in kbit/s"`
	Framerate   int    `json:"framerate" example:"30" doc:"Target framerate"`
	Error       string `json:"error,omitempty" doc:"Set when the engine rejected the change"`
	Timestamp   string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ReconfiguredEvent.
func (e ReconfiguredEvent) Type() uint32 { return TypeReconfigured }

// FrameDroppedEvent reports a frame the source dropped before encoding.
type FrameDroppedEvent struct {
	StreamID      string `json:"stream_id" example:"cam0" doc:"Pipeline identifier"`
	RTPTimestamp  uint32 `json:"rtp_timestamp" example:"90000" doc:"90 kHz timestamp of the dropped frame"`
	DroppedFrames uint64 `json:"dropped_frames" example:"3" doc:"Drops reported since init"`
	Timestamp     string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FrameDroppedEvent.
func (e FrameDroppedEvent) Type() uint32 { return TypeFrameDropped }

// KeyFrameEvent is published for every completed IDR frame.
type KeyFrameEvent struct {
	StreamID     string `json:"stream_id" example:"cam0" doc:"Pipeline identifier"`
	RTPTimestamp uint32 `json:"rtp_timestamp" example:"90000" doc:"90 kHz timestamp of the frame"`
	Width        int    `json:"width" example:"640" doc:"Encoded width"`
	Height       int    `json:"height" example:"480" doc:"Encoded height"`
	Size         int    `json:"size" example:"24576" doc:"Payload size in bytes"`
	QP           int    `json:"qp" example:"28" doc:"Slice quantizer, -1 when unknown"`
	Timestamp    string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for KeyFrameEvent.
func (e KeyFrameEvent) Type() uint32 { return TypeKeyFrame }

// PipelineStateEvent is published on every pipeline state transition.
type PipelineStateEvent struct {
	StreamID  string `json:"stream_id" example:"cam0" doc:"Pipeline identifier"`
	From      string `json:"from" example:"ready" doc:"Previous state"`
	To        string `json:"to" example:"encoding" doc:"New state"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PipelineStateEvent.
func (e PipelineStateEvent) Type() uint32 { return TypePipelineState }

// PipelineStatsEvent carries periodic pipeline counters for SSE clients.
type PipelineStatsEvent struct {
	EventType      string `json:"type"`
	StreamID       string `json:"stream_id"`
	State          string `json:"state"`
	Pending        string `json:"pending"`
	Submitted      string `json:"submitted"`
	Completed      string `json:"completed"`
	Dropped        string `json:"dropped"`
	LastQP         string `json:"last_qp"`
	DownscaleShift string `json:"downscale_shift"`
	Timestamp      string `json:"timestamp"`
}

// Type returns the event type identifier for PipelineStatsEvent.
func (e PipelineStatsEvent) Type() uint32 { return TypePipelineStats }

// FeedbackEvent reports receiver RTCP feedback acted upon by the transport.
type FeedbackEvent struct {
	StreamID    string `json:"stream_id" example:"cam0" doc:"Pipeline identifier"`
	Kind        string `json:"kind" example:"pli" doc:"pli, fir or remb"`
	BitrateKbps int    `json:"bitrate_kbps,omitempty" doc:"Bitrate applied for remb"`
	Timestamp   string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FeedbackEvent.
func (e FeedbackEvent) Type() uint32 { return TypeFeedback }
