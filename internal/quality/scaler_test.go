package quality

import "testing"

const window = MeasureSeconds * MinFramerate

func newScaler(fps int) *Scaler {
	s := New()
	s.Init(51/DefaultLowQPDenominator, DefaultHighQP, false)
	s.ReportFramerate(fps)
	return s
}

func TestWindowSize(t *testing.T) {
	tests := []struct {
		fps  int
		want int
	}{
		{0, 50},
		{5, 50},
		{10, 50},
		{30, 150},
	}
	for _, tt := range tests {
		s := newScaler(tt.fps)
		if s.numSamples != tt.want {
			t.Errorf("fps %d: window = %d, want %d", tt.fps, s.numSamples, tt.want)
		}
	}
}

func TestNoDecisionBeforeWindowFills(t *testing.T) {
	s := newScaler(10)
	for range window - 1 {
		s.ReportDroppedFrame()
	}
	s.OnEncodeFrame(640, 480)
	if s.DownscaleShift() != 0 {
		t.Fatalf("shift = %d before the window filled", s.DownscaleShift())
	}

	s.ReportDroppedFrame()
	s.OnEncodeFrame(640, 480)
	if s.DownscaleShift() != 1 {
		t.Errorf("shift = %d, want 1 once drops fill the window", s.DownscaleShift())
	}
	if got := s.ScaledResolution(); got != (Resolution{320, 240}) {
		t.Errorf("ScaledResolution = %+v, want 320x240", got)
	}
}

func TestDropThreshold(t *testing.T) {
	tests := []struct {
		name      string
		drops     int
		wantShift int
	}{
		{"below threshold", window*FramedropPercentThreshold/100 - 1, 0},
		{"at threshold", window * FramedropPercentThreshold / 100, 1},
		{"all dropped", window, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScaler(10)
			for i := range window {
				if i < tt.drops {
					s.ReportDroppedFrame()
				} else {
					s.ReportQP(30)
				}
			}
			s.OnEncodeFrame(640, 480)
			if s.DownscaleShift() != tt.wantShift {
				t.Errorf("shift = %d, want %d", s.DownscaleShift(), tt.wantShift)
			}
		})
	}
}

func TestHighQPStepsDown(t *testing.T) {
	s := newScaler(10)
	s.Init(10, 40, false)
	for range window {
		s.ReportQP(45)
	}
	s.OnEncodeFrame(1280, 720)
	if s.DownscaleShift() != 1 {
		t.Errorf("shift = %d, want 1", s.DownscaleShift())
	}
}

func TestLowQPStepsUpToZero(t *testing.T) {
	s := newScaler(10)
	for range window {
		s.ReportDroppedFrame()
	}
	s.OnEncodeFrame(640, 480)
	if s.DownscaleShift() != 1 {
		t.Fatalf("setup: shift = %d", s.DownscaleShift())
	}

	for round := range 2 {
		for range window {
			s.ReportQP(5)
		}
		s.OnEncodeFrame(640, 480)
		if s.DownscaleShift() != 0 {
			t.Errorf("round %d: shift = %d, want 0", round, s.DownscaleShift())
		}
	}
	if got := s.ScaledResolution(); got != (Resolution{640, 480}) {
		t.Errorf("ScaledResolution = %+v", got)
	}
}

func TestMiddleQPHolds(t *testing.T) {
	s := newScaler(10)
	for range window {
		s.ReportQP(30)
	}
	s.OnEncodeFrame(640, 480)
	if s.DownscaleShift() != 0 {
		t.Errorf("shift = %d, want 0", s.DownscaleShift())
	}
}

func TestStepClearsSamples(t *testing.T) {
	s := newScaler(10)
	for range window {
		s.ReportDroppedFrame()
	}
	s.OnEncodeFrame(640, 480)
	s.OnEncodeFrame(640, 480)
	if s.DownscaleShift() != 1 {
		t.Errorf("shift = %d; a step must clear the window", s.DownscaleShift())
	}
}

func TestMinimumDimension(t *testing.T) {
	s := newScaler(10)
	for range 6 {
		for range window {
			s.ReportDroppedFrame()
		}
		s.OnEncodeFrame(400, 300)
	}
	// 400x300 -> 200x150 -> 100x75 would break the 90 px floor
	if got := s.ScaledResolution(); got != (Resolution{200, 150}) {
		t.Errorf("ScaledResolution = %+v, want 200x150", got)
	}
	if s.DownscaleShift() != 1 {
		t.Errorf("shift = %d, want it capped at 1", s.DownscaleShift())
	}
}

func TestFramerateReductionFirst(t *testing.T) {
	s := newScaler(30)
	s.Init(17, 64, true)
	for range 150 {
		s.ReportDroppedFrame()
	}
	s.OnEncodeFrame(640, 480)

	if s.TargetFramerate() != 15 {
		t.Errorf("TargetFramerate = %d, want 15", s.TargetFramerate())
	}
	if s.DownscaleShift() != 0 {
		t.Errorf("shift = %d; framerate should drop before resolution", s.DownscaleShift())
	}

	for range 150 {
		s.ReportQP(5)
	}
	s.OnEncodeFrame(640, 480)
	if s.TargetFramerate() != -1 {
		t.Errorf("TargetFramerate = %d, want -1 after recovery", s.TargetFramerate())
	}
}

func TestStateAndReset(t *testing.T) {
	s := newScaler(10)
	s.ReportQP(20)
	s.ReportQP(30)
	s.ReportDroppedFrame()

	st := s.State()
	if st.AverageQP != 25 || st.LastQP != 30 || st.DroppedFrames != 1 {
		t.Errorf("State = %+v", st)
	}
	if st.HighQP != DefaultHighQP || st.LowQP != 17 {
		t.Errorf("thresholds = %d/%d", st.LowQP, st.HighQP)
	}

	s.Reset()
	st = s.State()
	if st.DroppedFrames != 0 || st.AverageQP != 0 || st.DownscaleShift != 0 {
		t.Errorf("after Reset State = %+v", st)
	}
	if st.Framerate != 10 {
		t.Errorf("Reset should keep framerate, got %d", st.Framerate)
	}
}

func TestMovingAverage(t *testing.T) {
	var m movingAverage
	m.limit = 4
	for _, v := range []int{10, 20, 30, 40, 50} {
		m.add(v)
	}
	if m.len() != 4 {
		t.Fatalf("len = %d, want 4", m.len())
	}
	if avg, ok := m.average(4); !ok || avg != 35 {
		t.Errorf("average(4) = %d, %v", avg, ok)
	}
	if avg, ok := m.average(2); !ok || avg != 45 {
		t.Errorf("average(2) = %d, %v", avg, ok)
	}
	if _, ok := m.average(3); ok {
		t.Error("average(3) should fail after trimming to 2")
	}
}
