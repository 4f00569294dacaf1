package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultLocalPort is the UDP port bound for both sending and receiving
const DefaultLocalPort = 49170

// Config represents the complete voice link configuration
type Config struct {
	Peer      PeerConfig      `yaml:"peer"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	Codec     CodecConfig     `yaml:"codec"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Activity  ActivityConfig  `yaml:"activity"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PeerConfig identifies the single remote peer
type PeerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TransportConfig contains UDP socket configuration
type TransportConfig struct {
	BindAddress     string `yaml:"bind_address"`
	LocalPort       int    `yaml:"local_port"`
	ReadBufferSize  int    `yaml:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
	PollInterval    int    `yaml:"poll_interval_ms"` // milliseconds
	AcceptAnySource bool   `yaml:"accept_any_source"`
}

// AudioConfig contains audio device parameters
type AudioConfig struct {
	Backend         string  `yaml:"backend"`           // portaudio or null
	SampleRate      float64 `yaml:"sample_rate"`       // 0 = device default
	Channels        int     `yaml:"channels"`          // 0 = device default
	FramesPerBuffer int     `yaml:"frames_per_buffer"` // 0 = host default
	ToneFrequency   float64 `yaml:"tone_frequency"`    // null backend only, 0 = silence
}

// CodecConfig selects the quantization rule used on the wire
type CodecConfig struct {
	Rule  string  `yaml:"rule"`
	Scale float64 `yaml:"scale"`
}

// PlaybackConfig contains receive-side parameters
type PlaybackConfig struct {
	QueueCapacity  int    `yaml:"queue_capacity"`     // packets
	MaxBacklog     int    `yaml:"max_backlog"`        // packets kept before skipping, 0 = unbounded
	ReceiveTimeout int    `yaml:"receive_timeout_ms"` // milliseconds, legacy_blocking only
	LegacyBlocking bool   `yaml:"legacy_blocking"`
	RecordPath     string `yaml:"record_path"` // WAV file of received audio, empty = off
}

// PipelineConfig contains shared pipeline behaviour
type PipelineConfig struct {
	FailurePolicy string `yaml:"failure_policy"`   // continue or stop
	DrainTimeout  int    `yaml:"drain_timeout_ms"` // milliseconds
}

// ActivityConfig contains voice activity detection parameters
type ActivityConfig struct {
	Threshold float64 `yaml:"threshold"` // smoothed RMS level counted as voice
	Smoothing float64 `yaml:"smoothing"` // weight of the newest buffer, (0, 1]
	Hangover  int     `yaml:"hangover"`  // quiet buffers before activity ends
}

// HTTPConfig contains HTTP monitoring API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration usable without a config file.
// The peer section is left empty and must be supplied by the caller.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			BindAddress:     "0.0.0.0",
			LocalPort:       DefaultLocalPort,
			ReadBufferSize:  1 << 20,
			WriteBufferSize: 1 << 20,
			PollInterval:    100,
			AcceptAnySource: true,
		},
		Audio: AudioConfig{
			Backend: "portaudio",
		},
		Codec: CodecConfig{
			Rule:  "offset",
			Scale: 127,
		},
		Playback: PlaybackConfig{
			QueueCapacity:  32,
			MaxBacklog:     8,
			ReceiveTimeout: 5,
		},
		Pipeline: PipelineConfig{
			FailurePolicy: "continue",
			DrainTimeout:  500,
		},
		Activity: ActivityConfig{
			Threshold: 0.02,
			Smoothing: 0.3,
			Hangover:  25,
		},
		HTTP: HTTPConfig{
			Port:    8090,
			Address: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default.
// The result is not validated since the peer is usually supplied afterwards.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Peer.Validate(); err != nil {
		return fmt.Errorf("peer config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Codec.Validate(); err != nil {
		return fmt.Errorf("codec config: %w", err)
	}

	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Activity.Validate(); err != nil {
		return fmt.Errorf("activity config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates the peer address
func (p *PeerConfig) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", p.Port)
	}

	return nil
}

// Address returns the peer as a host:port string
func (p *PeerConfig) Address() string {
	return net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port))
}

// ResolveUDPAddr resolves the peer host to a UDP address
func (p *PeerConfig) ResolveUDPAddr() (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", p.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peer address %s: %w", p.Address(), err)
	}
	return addr, nil
}

// Validate validates transport configuration
func (t *TransportConfig) Validate() error {
	if t.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	// Port 0 lets the kernel pick, which is only useful in tests.
	if t.LocalPort < 0 || t.LocalPort > 65535 {
		return fmt.Errorf("local_port must be between 0 and 65535, got %d", t.LocalPort)
	}

	if t.ReadBufferSize < 0 || t.WriteBufferSize < 0 {
		return fmt.Errorf("socket buffer sizes cannot be negative")
	}

	if t.PollInterval < 1 {
		return fmt.Errorf("poll_interval_ms must be at least 1, got %d", t.PollInterval)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validBackends := map[string]bool{"portaudio": true, "null": true}
	if !validBackends[a.Backend] {
		return fmt.Errorf("backend must be 'portaudio' or 'null', got '%s'", a.Backend)
	}

	if a.SampleRate < 0 {
		return fmt.Errorf("sample_rate cannot be negative, got %f", a.SampleRate)
	}

	if a.Channels < 0 || a.Channels > 8 {
		return fmt.Errorf("channels must be between 0 and 8, got %d", a.Channels)
	}

	if a.FramesPerBuffer < 0 {
		return fmt.Errorf("frames_per_buffer cannot be negative, got %d", a.FramesPerBuffer)
	}

	if a.Backend == "null" && (a.SampleRate == 0 || a.Channels == 0 || a.FramesPerBuffer == 0) {
		return fmt.Errorf("null backend requires explicit sample_rate, channels and frames_per_buffer")
	}

	if a.ToneFrequency < 0 || (a.SampleRate > 0 && a.ToneFrequency >= a.SampleRate/2) {
		return fmt.Errorf("tone_frequency must be between 0 and the Nyquist frequency, got %f", a.ToneFrequency)
	}

	return nil
}

// Validate validates codec configuration
func (c *CodecConfig) Validate() error {
	validRules := map[string]bool{"offset": true, "signed": true, "saturate": true, "pcm16": true}
	if !validRules[c.Rule] {
		return fmt.Errorf("rule must be one of [offset, signed, saturate, pcm16], got '%s'", c.Rule)
	}

	if c.Scale <= 0 || c.Scale > 32767 {
		return fmt.Errorf("scale must be in (0, 32767], got %f", c.Scale)
	}

	return nil
}

// Validate validates playback configuration
func (p *PlaybackConfig) Validate() error {
	if p.QueueCapacity < 1 || p.QueueCapacity > 4096 {
		return fmt.Errorf("queue_capacity must be between 1 and 4096, got %d", p.QueueCapacity)
	}

	if p.MaxBacklog < 0 || p.MaxBacklog > p.QueueCapacity {
		return fmt.Errorf("max_backlog must be between 0 and queue_capacity, got %d", p.MaxBacklog)
	}

	if p.ReceiveTimeout < 1 {
		return fmt.Errorf("receive_timeout_ms must be at least 1, got %d", p.ReceiveTimeout)
	}

	// Recording happens on the receive task, which legacy mode does not run
	if p.RecordPath != "" && p.LegacyBlocking {
		return fmt.Errorf("record_path cannot be combined with legacy_blocking")
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	validPolicies := map[string]bool{"continue": true, "stop": true}
	if !validPolicies[p.FailurePolicy] {
		return fmt.Errorf("failure_policy must be 'continue' or 'stop', got '%s'", p.FailurePolicy)
	}

	if p.DrainTimeout < 1 {
		return fmt.Errorf("drain_timeout_ms must be at least 1, got %d", p.DrainTimeout)
	}

	return nil
}

// Validate validates voice activity configuration
func (a *ActivityConfig) Validate() error {
	if a.Threshold <= 0 || a.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %f", a.Threshold)
	}

	if a.Smoothing <= 0 || a.Smoothing > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %f", a.Smoothing)
	}

	if a.Hangover < 0 {
		return fmt.Errorf("hangover cannot be negative, got %d", a.Hangover)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path.
	return nil
}

// GetPollInterval returns the receive loop deadline as a time.Duration
func (t *TransportConfig) GetPollInterval() time.Duration {
	return time.Duration(t.PollInterval) * time.Millisecond
}

// GetReceiveTimeout returns the bounded receive wait as a time.Duration
func (p *PlaybackConfig) GetReceiveTimeout() time.Duration {
	return time.Duration(p.ReceiveTimeout) * time.Millisecond
}

// GetDrainTimeout returns the shutdown drain bound as a time.Duration
func (p *PipelineConfig) GetDrainTimeout() time.Duration {
	return time.Duration(p.DrainTimeout) * time.Millisecond
}
