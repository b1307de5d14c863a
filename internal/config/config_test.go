package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func validConfig() Config {
	c := Default()
	c.SRTListen = ""
	c.Input = "movie.ts"
	return c
}

func TestDefaultIsValidWithInput(t *testing.T) {
	t.Parallel()

	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.DriftThreshold != 30*time.Millisecond {
		t.Errorf("DriftThreshold = %s", c.DriftThreshold)
	}
	if c.Watermark != 3 || c.ClosePollAttempts != 5 || c.ClosePollInterval != 20*time.Millisecond {
		t.Errorf("pipeline defaults = %d %d %s", c.Watermark, c.ClosePollAttempts, c.ClosePollInterval)
	}
	if c.ReaderPoll != 10*time.Millisecond {
		t.Errorf("ReaderPoll = %s", c.ReaderPoll)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no input", func(c *Config) { c.Input = "" }, "no input"},
		{"two inputs", func(c *Config) { c.SRTPull = "host:6000" }, "only one"},
		{"srt listen only", func(c *Config) { c.Input = ""; c.SRTListen = ":6000" }, ""},
		{"watermark", func(c *Config) { c.Watermark = 0 }, "watermark"},
		{"drift", func(c *Config) { c.DriftThreshold = 0 }, "drift"},
		{"poll interval", func(c *Config) { c.ClosePollInterval = -time.Millisecond }, "close poll interval"},
		{"poll attempts", func(c *Config) { c.ClosePollAttempts = 0 }, "close poll attempts"},
		{"reader poll", func(c *Config) { c.ReaderPoll = 0 }, "reader poll"},
		{"caption backlog", func(c *Config) { c.CaptionBacklog = 0 }, "caption backlog"},
		{"sample rate", func(c *Config) { c.AudioSampleRate = -1 }, "sample rate"},
		{"channels", func(c *Config) { c.AudioChannels = 6 }, "channels"},
		{"mono", func(c *Config) { c.AudioChannels = 1 }, ""},
		{"cert without key", func(c *Config) { c.CertFile = "c.pem" }, "--cert and --key"},
		{"negative latency", func(c *Config) { c.SRTLatency = -1 }, "SRT durations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestBindFlags(t *testing.T) {
	t.Parallel()

	c := validConfig()
	fs := pflag.NewFlagSet("duet", pflag.ContinueOnError)
	BindFlags(fs, &c)

	err := fs.Parse([]string{
		"-a", "out.wav",
		"--video-out=-",
		"--drift-threshold", "45ms",
		"--watermark", "8",
		"--channels", "1",
		"--srt-latency", "200ms",
		"--no-captions",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.AudioOut != "out.wav" || c.VideoOut != "-" {
		t.Errorf("outputs = %q %q", c.AudioOut, c.VideoOut)
	}
	if c.DriftThreshold != 45*time.Millisecond || c.Watermark != 8 || c.AudioChannels != 1 {
		t.Errorf("tuning = %s %d %d", c.DriftThreshold, c.Watermark, c.AudioChannels)
	}
	if c.SRTLatency != 200*time.Millisecond || !c.NoCaptions {
		t.Errorf("latency=%s noCaptions=%v", c.SRTLatency, c.NoCaptions)
	}
	if c.Input != "movie.ts" {
		t.Errorf("unset flag overwrote Input: %q", c.Input)
	}

	opts := c.PipelineOptions()
	if opts.Watermark != 8 || opts.ClosePollAttempts != c.ClosePollAttempts {
		t.Errorf("PipelineOptions = %+v", opts)
	}
}

func TestInputName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		c    Config
		want string
	}{
		{Config{Input: "a.mp4"}, "a.mp4"},
		{Config{SRTListen: ":6000", StreamKey: "cam1"}, "srt-listen::6000/cam1"},
		{Config{SRTPull: "10.0.0.1:6000"}, "srt-pull:10.0.0.1:6000"},
	}
	for _, tt := range tests {
		if got := tt.c.InputName(); got != tt.want {
			t.Errorf("InputName() = %q, want %q", got, tt.want)
		}
	}
}

func TestDefaultReadsEnvironment(t *testing.T) {
	t.Setenv("API_ADDR", ":9443")
	t.Setenv("SRT_ADDR", ":7000")

	c := Default()
	if c.APIAddr != ":9443" || c.SRTListen != ":7000" {
		t.Fatalf("APIAddr=%q SRTListen=%q", c.APIAddr, c.SRTListen)
	}
}
