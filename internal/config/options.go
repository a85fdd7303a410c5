package config

// Options for the CLI: a flat structure mapped onto TOML tables and
// HWENCODE_ environment variables.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"hwencode.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Auth settings, empty disables authentication
	AuthUsername string `help:"Basic auth username" default:"" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Stream settings
	StreamID    string `help:"Stream identifier" default:"cam0" toml:"stream.id" env:"STREAM_ID"`
	Width       int    `help:"Frame width" default:"1280" toml:"stream.width" env:"STREAM_WIDTH"`
	Height      int    `help:"Frame height" default:"720" toml:"stream.height" env:"STREAM_HEIGHT"`
	Framerate   int    `help:"Maximum framerate" default:"30" toml:"stream.framerate" env:"STREAM_FRAMERATE"`
	BitrateKbps int    `help:"Target bitrate in kbit/s, 0 picks one from the resolution" default:"2000" toml:"stream.bitrate_kbps" env:"STREAM_BITRATE_KBPS"`

	// Encoder settings
	MaxQP           int  `help:"Highest acceptable quantizer" default:"51" toml:"encoder.max_qp" env:"ENCODER_MAX_QP"`
	GOP             int  `help:"Frames between periodic key frames" default:"60" toml:"encoder.gop" env:"ENCODER_GOP"`
	SegmentInterval int  `help:"Submissions between segment hints" default:"30" toml:"encoder.segment_interval" env:"ENCODER_SEGMENT_INTERVAL"`
	LedgerCapacity  int  `help:"Frames awaiting completion before the oldest is evicted" default:"512" toml:"encoder.ledger_capacity" env:"ENCODER_LEDGER_CAPACITY"`
	DynamicScaling  bool `help:"Downscale frames under sustained drops" default:"false" toml:"encoder.dynamic_scaling" env:"ENCODER_DYNAMIC_SCALING"`

	// Live rate changes
	RatesFile string `help:"TOML file with bitrate_kbps and framerate, applied on change" default:"" toml:"rates.file" env:"RATES_FILE"`

	// Recording
	RecordDir string `help:"Directory for fragmented MP4 recordings, empty disables" default:"" toml:"record.dir" env:"RECORD_DIR"`

	// WebRTC settings
	ICEServers      string `help:"Comma separated STUN/TURN server URLs" default:"" toml:"webrtc.ice_servers" env:"WEBRTC_ICE_SERVERS"`
	MinBitrateKbps  int    `help:"Floor for receiver bitrate estimates" default:"150" toml:"webrtc.min_bitrate_kbps" env:"WEBRTC_MIN_BITRATE_KBPS"`
	RateInterval    string `help:"Minimum time between estimate driven rate changes" default:"1s" toml:"webrtc.rate_interval" env:"WEBRTC_RATE_INTERVAL"`
	FeedbackEnabled bool   `help:"Apply receiver bitrate estimates to the encoder" default:"true" toml:"webrtc.feedback_enabled" env:"WEBRTC_FEEDBACK_ENABLED"`

	// Logging settings
	LoggingLevel     string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat    string `help:"Logging format (text, json, auto)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingPipeline  string `help:"Pipeline logging level" default:"info" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
	LoggingReconfig  string `help:"Reconfiguration logging level" default:"info" toml:"logging.reconfig" env:"LOGGING_RECONFIG"`
	LoggingTransport string `help:"WebRTC transport logging level" default:"info" toml:"logging.transport" env:"LOGGING_TRANSPORT"`
	LoggingAPI       string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}
