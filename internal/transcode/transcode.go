package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var commandContext = exec.CommandContext

// ErrTranscodeFailed covers process failure, missing output and outputs
// above the size ceiling.
var ErrTranscodeFailed = errors.New("transcode: compression failed")

// DefaultMaxBytes is the attachment ceiling of the notification endpoint.
const DefaultMaxBytes int64 = 10 * 1024 * 1024

// Profile is the fixed encode profile applied to every recording.
type Profile struct {
	Bitrate    string
	SampleRate int
	Channels   int
	MaxBytes   int64
}

// DefaultProfile is 64 kbit/s, 8 kHz mono, capped at 10 MiB.
func DefaultProfile() Profile {
	return Profile{
		Bitrate:    "64k",
		SampleRate: 8000,
		Channels:   1,
		MaxBytes:   DefaultMaxBytes,
	}
}

func (p Profile) withDefaults() Profile {
	d := DefaultProfile()
	if strings.TrimSpace(p.Bitrate) == "" {
		p.Bitrate = d.Bitrate
	}
	if p.SampleRate <= 0 {
		p.SampleRate = d.SampleRate
	}
	if p.Channels <= 0 {
		p.Channels = d.Channels
	}
	if p.MaxBytes <= 0 {
		p.MaxBytes = d.MaxBytes
	}
	return p
}

// Compressor runs the external transcoder.
type Compressor struct {
	binary  string
	profile Profile
	timeout time.Duration
}

// Option customizes a Compressor.
type Option func(*Compressor)

// WithBinary overrides the ffmpeg executable.
func WithBinary(path string) Option {
	return func(c *Compressor) {
		if strings.TrimSpace(path) != "" {
			c.binary = strings.TrimSpace(path)
		}
	}
}

// WithTimeout bounds a single ffmpeg invocation.
func WithTimeout(d time.Duration) Option {
	return func(c *Compressor) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(profile Profile, opts ...Option) *Compressor {
	c := &Compressor{
		binary:  "ffmpeg",
		profile: profile.withDefaults(),
		timeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Profile returns the effective profile.
func (c *Compressor) Profile() Profile { return c.profile }

// Args builds the ffmpeg argument list for one compression.
func (c *Compressor) Args(input, output string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-vn",
		"-b:a", c.profile.Bitrate,
		"-ar", strconv.Itoa(c.profile.SampleRate),
		"-ac", strconv.Itoa(c.profile.Channels),
		"-fs", strconv.FormatInt(c.profile.MaxBytes, 10),
		output,
	}
}

// Compress encodes input into output, overwriting output. It returns output
// only when ffmpeg exits cleanly and the file satisfies 0 < size <= MaxBytes.
// A failed or oversized output is left on disk.
func (c *Compressor) Compress(ctx context.Context, input, output string) (string, error) {
	if strings.TrimSpace(input) == "" || strings.TrimSpace(output) == "" {
		return "", fmt.Errorf("%w: input and output paths are required", ErrTranscodeFailed)
	}
	if input == output {
		return "", fmt.Errorf("%w: output would overwrite input %s", ErrTranscodeFailed, input)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := commandContext(runCtx, c.binary, c.Args(input, output)...) //nolint:gosec
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: ffmpeg: %w: %s", ErrTranscodeFailed, err, strings.TrimSpace(string(out)))
	}

	info, err := os.Stat(output)
	if err != nil {
		return "", fmt.Errorf("%w: stat output: %w", ErrTranscodeFailed, err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("%w: empty output %s", ErrTranscodeFailed, output)
	}
	if info.Size() > c.profile.MaxBytes {
		return "", fmt.Errorf("%w: output %s is %d bytes, ceiling %d", ErrTranscodeFailed, output, info.Size(), c.profile.MaxBytes)
	}
	return output, nil
}

// CompressedPath names the transcoded copy of a recording: <stem>_compressed.mp3
// next to the recording, or inside dir when dir is set.
func CompressedPath(recording, dir string) string {
	base := filepath.Base(recording)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	name := stem + "_compressed.mp3"
	if strings.TrimSpace(dir) != "" {
		return filepath.Join(dir, name)
	}
	return filepath.Join(filepath.Dir(recording), name)
}
