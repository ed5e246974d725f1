// Package config provides configuration management for clipd.
// Configuration is loaded from environment variables with sensible defaults.
// A .env file, when present, is merged into the environment by the command
// before New is called.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort     = 8787
	DefaultBind     = "127.0.0.1"
	DefaultLogLevel = "info"

	DefaultFFmpegPath       = "ffmpeg"
	DefaultDownloadTimeout  = 60 * time.Second
	DefaultToolTimeout      = 600 * time.Second
	DefaultMaxDownloadBytes = 4 << 30 // 4 GiB

	DefaultVideoCodec = "libx264"
	DefaultAudioCodec = "aac"
	DefaultPreset     = "veryfast"
	DefaultCRF        = 23

	DefaultBlobBaseURL = "https://blob.vercel-storage.com"
	DefaultBlobPrefix  = "highlights"

	// Environment variable names
	EnvPort             = "CLIPD_PORT"
	EnvBind             = "CLIPD_BIND"
	EnvLogLevel         = "CLIPD_LOG_LEVEL"
	EnvScratchDir       = "CLIPD_SCRATCH_DIR"
	EnvFFmpegPath       = "CLIPD_FFMPEG_PATH"
	EnvDownloadTimeout  = "CLIPD_DOWNLOAD_TIMEOUT"
	EnvToolTimeout      = "CLIPD_TOOL_TIMEOUT"
	EnvMaxDownloadBytes = "CLIPD_MAX_DOWNLOAD_BYTES"
	EnvVideoCodec       = "CLIPD_VIDEO_CODEC"
	EnvAudioCodec       = "CLIPD_AUDIO_CODEC"
	EnvPreset           = "CLIPD_PRESET"
	EnvCRF              = "CLIPD_CRF"
	EnvBlobBaseURL      = "CLIPD_BLOB_BASE_URL"
	EnvBlobPrefix       = "CLIPD_BLOB_PREFIX"
	EnvAPIToken         = "CLIPD_API_TOKEN"

	// EnvBlobToken is the provider-issued write token. It has no default.
	EnvBlobToken = "BLOB_READ_WRITE_TOKEN"

	scratchDirName = "clipd"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	Bind() string
	Addr() string
	LogLevel() string
	ScratchDir() string
	FFmpegPath() string
	DownloadTimeout() time.Duration
	ToolTimeout() time.Duration
	MaxDownloadBytes() int64
	VideoCodec() string
	AudioCodec() string
	Preset() string
	CRF() int
	BlobBaseURL() string
	BlobPrefix() string
	BlobToken() string
	APIToken() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	bind     string
	logLevel string

	scratchDir       string
	ffmpegPath       string
	downloadTimeout  time.Duration
	toolTimeout      time.Duration
	maxDownloadBytes int64

	videoCodec string
	audioCodec string
	preset     string
	crf        int

	blobBaseURL string
	blobPrefix  string
	blobToken   string
	apiToken    string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:             DefaultPort,
		bind:             DefaultBind,
		logLevel:         DefaultLogLevel,
		scratchDir:       filepath.Join(os.TempDir(), scratchDirName),
		ffmpegPath:       DefaultFFmpegPath,
		downloadTimeout:  DefaultDownloadTimeout,
		toolTimeout:      DefaultToolTimeout,
		maxDownloadBytes: DefaultMaxDownloadBytes,
		videoCodec:       DefaultVideoCodec,
		audioCodec:       DefaultAudioCodec,
		preset:           DefaultPreset,
		crf:              DefaultCRF,
		blobBaseURL:      DefaultBlobBaseURL,
		blobPrefix:       DefaultBlobPrefix,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if err := cfg.SetPort(port); err != nil {
			return nil, err
		}
	}

	if b := os.Getenv(EnvBind); b != "" {
		cfg.bind = b
	}
	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	if sd := os.Getenv(EnvScratchDir); sd != "" {
		cfg.scratchDir = sd
	}
	if fp := os.Getenv(EnvFFmpegPath); fp != "" {
		cfg.ffmpegPath = fp
	}

	var err error
	if cfg.downloadTimeout, err = durationEnv(EnvDownloadTimeout, cfg.downloadTimeout); err != nil {
		return nil, err
	}
	if cfg.toolTimeout, err = durationEnv(EnvToolTimeout, cfg.toolTimeout); err != nil {
		return nil, err
	}

	if mb := os.Getenv(EnvMaxDownloadBytes); mb != "" {
		n, err := strconv.ParseInt(mb, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid %s: must be a non-negative integer", EnvMaxDownloadBytes)
		}
		cfg.maxDownloadBytes = n
	}

	if v := os.Getenv(EnvVideoCodec); v != "" {
		cfg.videoCodec = v
	}
	if v := os.Getenv(EnvAudioCodec); v != "" {
		cfg.audioCodec = v
	}
	if v := os.Getenv(EnvPreset); v != "" {
		cfg.preset = v
	}
	if v := os.Getenv(EnvCRF); v != "" {
		crf, err := strconv.Atoi(v)
		if err != nil || crf < 0 || crf > 51 {
			return nil, fmt.Errorf("invalid %s: must be between 0 and 51", EnvCRF)
		}
		cfg.crf = crf
	}

	if v := os.Getenv(EnvBlobBaseURL); v != "" {
		cfg.blobBaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv(EnvBlobPrefix); v != "" {
		cfg.blobPrefix = strings.Trim(v, "/")
	}
	cfg.blobToken = strings.TrimSpace(os.Getenv(EnvBlobToken))
	cfg.apiToken = strings.TrimSpace(os.Getenv(EnvAPIToken))

	return cfg, nil
}

// SetPort overrides the port, e.g. from a command-line flag.
func (c *EnvConfig) SetPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
	}
	c.port = port
	return nil
}

// SetLogLevel overrides the log level, e.g. from a command-line flag.
func (c *EnvConfig) SetLogLevel(level string) {
	c.logLevel = level
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// Bind returns the interface the HTTP server listens on
func (c *EnvConfig) Bind() string {
	return c.bind
}

// Addr returns the host:port listen address
func (c *EnvConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.bind, c.port)
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// ScratchDir returns the root under which per-job scratch directories are created
func (c *EnvConfig) ScratchDir() string {
	return c.scratchDir
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

// DownloadTimeout bounds the whole source download, body included
func (c *EnvConfig) DownloadTimeout() time.Duration {
	return c.downloadTimeout
}

// ToolTimeout bounds each individual media tool invocation
func (c *EnvConfig) ToolTimeout() time.Duration {
	return c.toolTimeout
}

// MaxDownloadBytes caps the source size; zero disables the cap
func (c *EnvConfig) MaxDownloadBytes() int64 {
	return c.maxDownloadBytes
}

func (c *EnvConfig) VideoCodec() string {
	return c.videoCodec
}

func (c *EnvConfig) AudioCodec() string {
	return c.audioCodec
}

func (c *EnvConfig) Preset() string {
	return c.preset
}

func (c *EnvConfig) CRF() int {
	return c.crf
}

func (c *EnvConfig) BlobBaseURL() string {
	return c.blobBaseURL
}

func (c *EnvConfig) BlobPrefix() string {
	return c.blobPrefix
}

// BlobToken returns the blob store write token, empty when unset
func (c *EnvConfig) BlobToken() string {
	return c.blobToken
}

// APIToken returns the inbound bearer token, empty when auth is disabled
func (c *EnvConfig) APIToken() string {
	return c.apiToken
}

// durationEnv accepts Go duration syntax ("90s", "10m") or bare seconds ("600").
func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s: must be positive", name)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
