// Package config holds the player's settings: input selection, outputs,
// the status API, and every pacing and buffering constant.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/zsiec/duet/internal/avsync"
	"github.com/zsiec/duet/internal/captions"
	"github.com/zsiec/duet/internal/demux"
	"github.com/zsiec/duet/internal/ingest/srt"
	"github.com/zsiec/duet/internal/pipeline"
	"github.com/zsiec/duet/internal/queue"
)

// Config is the full player configuration.
type Config struct {
	// Input is a file path or URL opened through libav. Exactly one of
	// Input, SRTListen and SRTPull must be set.
	Input string
	// SRTListen accepts one SRT publisher on this address.
	SRTListen string
	// SRTPull dials a remote SRT listener at this address.
	SRTPull     string
	StreamKey   string
	SRTLatency  time.Duration
	DialTimeout time.Duration

	AudioOut    string // WAV path; empty disables audio output
	VideoOut    string // Y4M path or "-" for stdout; empty discards pictures
	CaptionsOut string // caption log path or "-" for stderr
	NoCaptions  bool

	APIAddr  string
	CertFile string
	KeyFile  string

	Watermark         int
	DriftThreshold    time.Duration
	ClosePollInterval time.Duration
	ClosePollAttempts int
	ReaderPoll        time.Duration
	CaptionBacklog    int
	AudioSampleRate   int // 0 keeps the stream's rate
	AudioChannels     int
}

// Default returns the configuration used when no flags are given.
// Network addresses fall back to environment variables.
func Default() Config {
	return Config{
		SRTListen:         os.Getenv("SRT_ADDR"),
		SRTLatency:        srt.DefaultLatency,
		DialTimeout:       srt.DefaultDialTimeout,
		APIAddr:           envOr("API_ADDR", ""),
		Watermark:         queue.DefaultWatermark,
		DriftThreshold:    avsync.DefaultDriftThreshold,
		ClosePollInterval: pipeline.DefaultClosePollInterval,
		ClosePollAttempts: pipeline.DefaultClosePollAttempts,
		ReaderPoll:        demux.DefaultPollInterval,
		CaptionBacklog:    captions.DefaultMaxPending,
		AudioChannels:     2,
	}
}

// BindFlags registers every setting on fs, using c's current values as
// defaults.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVarP(&c.Input, "input", "i", c.Input, "File path or URL to play")
	fs.StringVar(&c.SRTListen, "srt-listen", c.SRTListen, "Wait for an SRT publisher on this address (env SRT_ADDR)")
	fs.StringVar(&c.SRTPull, "srt-pull", c.SRTPull, "Pull from a remote SRT listener at host:port")
	fs.StringVarP(&c.StreamKey, "stream-key", "k", c.StreamKey, "SRT stream key to accept or request")
	fs.DurationVar(&c.SRTLatency, "srt-latency", c.SRTLatency, "SRT receive latency")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "SRT pull dial timeout")

	fs.StringVarP(&c.AudioOut, "audio-out", "a", c.AudioOut, "Write audio to this WAV file")
	fs.StringVarP(&c.VideoOut, "video-out", "v", c.VideoOut, "Write video to this Y4M file (- for stdout)")
	fs.StringVar(&c.CaptionsOut, "captions-out", c.CaptionsOut, "Write closed captions to this file (- for stderr)")
	fs.BoolVar(&c.NoCaptions, "no-captions", c.NoCaptions, "Disable closed caption extraction")

	fs.StringVar(&c.APIAddr, "api", c.APIAddr, "Serve the status API on this address (env API_ADDR)")
	fs.StringVar(&c.CertFile, "cert", c.CertFile, "TLS certificate for the status API (self-signed if empty)")
	fs.StringVar(&c.KeyFile, "key", c.KeyFile, "TLS key for the status API")

	fs.IntVar(&c.Watermark, "watermark", c.Watermark, "Queue length below which the reader fetches more units")
	fs.DurationVar(&c.DriftThreshold, "drift-threshold", c.DriftThreshold, "A/V drift tolerated before skipping or catching up")
	fs.DurationVar(&c.ClosePollInterval, "close-poll-interval", c.ClosePollInterval, "Interval between decode loop stop checks on close")
	fs.IntVar(&c.ClosePollAttempts, "close-poll-attempts", c.ClosePollAttempts, "Stop checks before close gives up waiting")
	fs.DurationVar(&c.ReaderPoll, "reader-poll", c.ReaderPoll, "Reader sleep while every pipeline is above its watermark")
	fs.IntVar(&c.CaptionBacklog, "caption-backlog", c.CaptionBacklog, "Maximum captions held waiting for their picture")
	fs.IntVar(&c.AudioSampleRate, "sample-rate", c.AudioSampleRate, "Audio output sample rate (0 keeps the stream's)")
	fs.IntVar(&c.AudioChannels, "channels", c.AudioChannels, "Audio output channels (1 or 2)")
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	inputs := 0
	for _, s := range []string{c.Input, c.SRTListen, c.SRTPull} {
		if s != "" {
			inputs++
		}
	}
	switch {
	case inputs == 0:
		return errors.New("no input: give a file, --srt-listen or --srt-pull")
	case inputs > 1:
		return errors.New("only one of input, --srt-listen and --srt-pull may be set")
	case c.Watermark < 1:
		return fmt.Errorf("watermark must be at least 1, got %d", c.Watermark)
	case c.DriftThreshold <= 0:
		return fmt.Errorf("drift threshold must be positive, got %s", c.DriftThreshold)
	case c.ClosePollInterval <= 0:
		return fmt.Errorf("close poll interval must be positive, got %s", c.ClosePollInterval)
	case c.ClosePollAttempts < 1:
		return fmt.Errorf("close poll attempts must be at least 1, got %d", c.ClosePollAttempts)
	case c.ReaderPoll <= 0:
		return fmt.Errorf("reader poll interval must be positive, got %s", c.ReaderPoll)
	case c.CaptionBacklog < 1:
		return fmt.Errorf("caption backlog must be at least 1, got %d", c.CaptionBacklog)
	case c.AudioSampleRate < 0:
		return fmt.Errorf("sample rate must not be negative, got %d", c.AudioSampleRate)
	case c.AudioChannels != 1 && c.AudioChannels != 2:
		return fmt.Errorf("channels must be 1 or 2, got %d", c.AudioChannels)
	case (c.CertFile == "") != (c.KeyFile == ""):
		return errors.New("--cert and --key must be given together")
	case c.SRTLatency < 0 || c.DialTimeout < 0:
		return errors.New("SRT durations must not be negative")
	}
	return nil
}

// InputName describes the selected input for logs and the status API.
func (c Config) InputName() string {
	switch {
	case c.SRTListen != "":
		return "srt-listen:" + c.SRTListen + keySuffix(c.StreamKey)
	case c.SRTPull != "":
		return "srt-pull:" + c.SRTPull + keySuffix(c.StreamKey)
	default:
		return c.Input
	}
}

// PipelineOptions returns the decode pipeline tuning.
func (c Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Watermark:         c.Watermark,
		ClosePollInterval: c.ClosePollInterval,
		ClosePollAttempts: c.ClosePollAttempts,
	}
}

func keySuffix(key string) string {
	if key == "" {
		return ""
	}
	return "/" + strings.TrimPrefix(key, "/")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
