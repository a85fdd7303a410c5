// Package quality decides when the encoder should trade resolution or
// framerate for smoothness, based on reported quantizers and frame drops.
package quality

const (
	// MinFramerate floors the framerate used to size the sample window.
	MinFramerate = 10
	// MeasureSeconds is the span of the sample window.
	MeasureSeconds = 5
	// FramedropPercentThreshold is the drop percentage that forces a step down.
	FramedropPercentThreshold = 60
	// DefaultLowQPDenominator divides the codec's max QP to get the low
	// threshold.
	DefaultLowQPDenominator = 3
	// DefaultHighQP is the high threshold the pipeline configures.
	DefaultHighQP = 64
	// DefaultMinDimension is the smallest side a downscale may produce.
	DefaultMinDimension = 90
)

// Resolution is a frame size.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// State is a snapshot of the controller.
type State struct {
	AverageQP       int        `json:"average_qp"`
	LastQP          int        `json:"last_qp"`
	LowQP           int        `json:"low_qp"`
	HighQP          int        `json:"high_qp"`
	DroppedFrames   uint64     `json:"dropped_frames"`
	Framerate       int        `json:"framerate"`
	TargetFramerate int        `json:"target_framerate"`
	DownscaleShift  int        `json:"downscale_shift"`
	Target          Resolution `json:"target"`
}

// Scaler tracks recent quantizers and drops over a window of
// MeasureSeconds × framerate samples and adjusts a downscale shift: each
// step halves both frame dimensions.
//
// Scaler is not safe for concurrent use.
type Scaler struct {
	lowQP            int
	highQP           int
	useFramerateDrop bool
	framerateDown    bool
	targetFramerate  int
	framerate        int
	numSamples       int
	shift            int
	minWidth         int
	minHeight        int
	target           Resolution
	lastQP           int
	dropped          uint64
	qp               movingAverage
	dropPercent      movingAverage
}

// New returns a scaler with default thresholds for a codec max QP of 51.
func New() *Scaler {
	s := &Scaler{
		minWidth:  DefaultMinDimension,
		minHeight: DefaultMinDimension,
	}
	s.Init(51/DefaultLowQPDenominator, DefaultHighQP, false)
	s.ReportFramerate(30)
	return s
}

// Init sets the thresholds and clears all samples. With
// useFramerateReduction a step down first halves the target framerate
// before touching resolution.
func (s *Scaler) Init(lowQP, highQP int, useFramerateReduction bool) {
	s.clearSamples()
	s.lowQP = lowQP
	s.highQP = highQP
	s.useFramerateDrop = useFramerateReduction
	s.targetFramerate = -1
	s.framerateDown = false
}

// SetMinResolution overrides DefaultMinDimension.
func (s *Scaler) SetMinResolution(width, height int) {
	s.minWidth, s.minHeight = width, height
}

// ReportFramerate resizes the sample window.
func (s *Scaler) ReportFramerate(fps int) {
	s.framerate = fps
	s.numSamples = MeasureSeconds * max(fps, MinFramerate)
	s.qp.limit = s.numSamples
	s.dropPercent.limit = s.numSamples
}

// ReportQP records the quantizer of an encoded frame.
func (s *Scaler) ReportQP(qp int) {
	s.lastQP = qp
	s.dropPercent.add(0)
	s.qp.add(qp)
}

// ReportDroppedFrame records a frame the encoder did not produce.
func (s *Scaler) ReportDroppedFrame() {
	s.dropped++
	s.dropPercent.add(100)
}

// OnEncodeFrame evaluates the window for a frame of the given size and
// updates the target resolution.
func (s *Scaler) OnEncodeFrame(width, height int) {
	if avgDrop, ok := s.dropPercent.average(s.numSamples); ok && avgDrop >= FramedropPercentThreshold {
		s.stepDown()
	} else if avgQP, ok := s.qp.average(s.numSamples); ok && avgQP > s.highQP {
		s.stepDown()
	} else if ok && avgQP <= s.lowQP {
		s.stepUp()
	}
	s.updateTarget(width, height)
}

// DownscaleShift returns how many times each dimension is halved.
func (s *Scaler) DownscaleShift() int {
	return s.shift
}

// ScaledResolution returns the size frames should be encoded at.
func (s *Scaler) ScaledResolution() Resolution {
	return s.target
}

// TargetFramerate returns the reduced framerate, or -1 when none applies.
func (s *Scaler) TargetFramerate() int {
	return s.targetFramerate
}

// State returns a snapshot.
func (s *Scaler) State() State {
	avg, _ := s.qp.average(min(s.numSamples, s.qp.len()))
	return State{
		AverageQP:       avg,
		LastQP:          s.lastQP,
		LowQP:           s.lowQP,
		HighQP:          s.highQP,
		DroppedFrames:   s.dropped,
		Framerate:       s.framerate,
		TargetFramerate: s.targetFramerate,
		DownscaleShift:  s.shift,
		Target:          s.target,
	}
}

// Reset returns to full resolution and clears samples and counters. The
// thresholds and framerate are kept.
func (s *Scaler) Reset() {
	s.clearSamples()
	s.shift = 0
	s.targetFramerate = -1
	s.framerateDown = false
	s.target = Resolution{}
	s.lastQP = 0
	s.dropped = 0
}

func (s *Scaler) stepDown() {
	if s.useFramerateDrop && !s.framerateDown && s.framerate >= MinFramerate {
		s.targetFramerate = s.framerate / 2
		s.framerateDown = true
		s.clearSamples()
		return
	}
	if s.canHalve(s.target) {
		s.shift++
	}
	s.clearSamples()
}

func (s *Scaler) stepUp() {
	if s.useFramerateDrop && s.framerateDown {
		s.targetFramerate = -1
		s.framerateDown = false
		s.clearSamples()
		return
	}
	if s.shift > 0 {
		s.shift--
	}
	s.clearSamples()
}

// canHalve reports whether another step would still change the size. A
// zero target means no frame has been seen yet.
func (s *Scaler) canHalve(r Resolution) bool {
	if r.Width == 0 && r.Height == 0 {
		return true
	}
	return r.Width/2 >= s.minWidth && r.Height/2 >= s.minHeight
}

func (s *Scaler) updateTarget(width, height int) {
	s.target = Resolution{Width: width, Height: height}
	for shift := s.shift; shift > 0 && s.target.Width/2 >= s.minWidth && s.target.Height/2 >= s.minHeight; shift-- {
		s.target.Width /= 2
		s.target.Height /= 2
	}
}

func (s *Scaler) clearSamples() {
	s.qp.reset()
	s.dropPercent.reset()
}
