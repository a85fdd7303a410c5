package transport

import (
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
)

// NACKBufferSize is the number of packets to buffer for NACK retransmission.
// At 50Mbit/s with ~1200 byte packets, we get ~5200 packets/second, so this
// holds about 1.5 seconds.
const NACKBufferSize = 8192

// SRTPReplayProtectionWindow must be at least as large as NACKBufferSize.
const SRTPReplayProtectionWindow = 10000

// H264FmtpLine is offered for the published track. Baseline constrained so
// every browser decoder accepts it.
const H264FmtpLine = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"

// NewWebRTCAPI creates a WebRTC API for publishing one H.264 stream. RTCP
// from every peer is routed into fb.
func NewWebRTCAPI(fb *Feedback) (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := configureInterceptors(m, i); err != nil {
		return nil, err
	}
	i.Add(&feedbackInterceptorFactory{feedback: fb})

	s := pion.SettingEngine{}
	s.SetDTLSInsecureSkipHelloVerify(true)
	s.SetSRTPReplayProtectionWindow(SRTPReplayProtectionWindow)

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	), nil
}

// registerCodecs registers H.264 with RTCP feedback support.
func registerCodecs(m *pion.MediaEngine) error {
	videoRTCPFeedback := []pion.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}

	for _, codec := range []pion.RTPCodecParameters{
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH264,
				ClockRate:    H264ClockRate,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH264,
				ClockRate:    H264ClockRate,
				SDPFmtpLine:  H264FmtpLine,
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 97,
		},
		{
			// High Profile Level 3.1
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH264,
				ClockRate:    H264ClockRate,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=64001f",
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 98,
		},
	} {
		if err := m.RegisterCodec(codec, pion.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	return nil
}

// configureInterceptors sets up NACK, RTCP reports, stats and TWCC.
func configureInterceptors(m *pion.MediaEngine, i *interceptor.Registry) error {
	responder, err := nack.NewResponderInterceptor(
		nack.ResponderSize(NACKBufferSize),
	)
	if err != nil {
		return err
	}
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)
	i.Add(responder)

	receiver, err := report.NewReceiverInterceptor()
	if err != nil {
		return err
	}
	sender, err := report.NewSenderInterceptor()
	if err != nil {
		return err
	}
	i.Add(receiver)
	i.Add(sender)

	statsInterceptor, err := stats.NewInterceptor()
	if err != nil {
		return err
	}
	i.Add(statsInterceptor)

	m.RegisterFeedback(pion.RTCPFeedback{Type: pion.TypeRTCPFBTransportCC}, pion.RTPCodecTypeVideo)
	twccGenerator, err := twcc.NewSenderInterceptor()
	if err != nil {
		return err
	}
	i.Add(twccGenerator)

	return nil
}

type feedbackInterceptorFactory struct {
	feedback *Feedback
}

func (f *feedbackInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &feedbackInterceptor{feedback: f.feedback}, nil
}

// feedbackInterceptor hands every incoming RTCP compound packet to Feedback.
type feedbackInterceptor struct {
	interceptor.NoOp
	feedback *Feedback
}

func (r *feedbackInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return &feedbackReader{reader: reader, feedback: r.feedback}
}

type feedbackReader struct {
	reader   interceptor.RTCPReader
	feedback *Feedback
}

func (r *feedbackReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	n, attr, err := r.reader.Read(b, a)
	if err != nil {
		return n, attr, err
	}

	packets, parseErr := rtcp.Unmarshal(b[:n])
	if parseErr != nil {
		return n, attr, err
	}
	r.feedback.Handle(packets)

	return n, attr, err
}
