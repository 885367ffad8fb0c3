package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
)

const testCeiling int64 = 10 * 1024 * 1024

func stubFFmpeg(t *testing.T, mode string, size int64, captured *[]string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if captured != nil {
			*captured = append([]string(nil), args...)
		}
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(),
			"GO_WANT_HELPER_PROCESS=1",
			"TRANSCODE_HELPER_MODE="+mode,
			"TRANSCODE_HELPER_SIZE="+strconv.FormatInt(size, 10),
			"TRANSCODE_HELPER_OUT="+args[len(args)-1],
		)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	out := os.Getenv("TRANSCODE_HELPER_OUT")
	size, _ := strconv.ParseInt(os.Getenv("TRANSCODE_HELPER_SIZE"), 10, 64)
	switch os.Getenv("TRANSCODE_HELPER_MODE") {
	case "write":
		f, err := os.Create(out)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		if err := f.Truncate(size); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		_ = f.Close()
		os.Exit(0)
	case "noop":
		os.Exit(0)
	default:
		fmt.Fprintln(os.Stderr, "Invalid data found when processing input")
		os.Exit(1)
	}
}

func paths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "rec.wav")
	if err := os.WriteFile(in, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return in, filepath.Join(dir, "rec_compressed.mp3")
}

func TestCompress_ReturnsOutputUnderCeiling(t *testing.T) {
	var args []string
	stubFFmpeg(t, "write", 2*1024*1024, &args)
	in, out := paths(t)

	got, err := New(DefaultProfile()).Compress(context.Background(), in, out)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != out {
		t.Fatalf("expected %q, got %q", out, got)
	}

	want := map[string]string{"-b:a": "64k", "-ar": "8000", "-ac": "1", "-fs": strconv.FormatInt(testCeiling, 10), "-i": in}
	for flag, val := range want {
		found := false
		for i, a := range args {
			if a == flag && i+1 < len(args) && args[i+1] == val {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %s %s in %v", flag, val, args)
		}
	}
	if args[len(args)-1] != out {
		t.Fatalf("expected output last, got %v", args)
	}
}

func TestCompress_OversizedOutputIsNeverReturned(t *testing.T) {
	stubFFmpeg(t, "write", testCeiling+1, nil)
	in, out := paths(t)

	got, err := New(Profile{MaxBytes: testCeiling}).Compress(context.Background(), in, out)
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("expected ErrTranscodeFailed, got %v", err)
	}
	if got != "" {
		t.Fatalf("expected no path, got %q", got)
	}
	if _, statErr := os.Stat(out); statErr != nil {
		t.Fatalf("oversized output should be left on disk: %v", statErr)
	}
}

func TestCompress_ExactlyAtCeilingIsAccepted(t *testing.T) {
	stubFFmpeg(t, "write", 4096, nil)
	in, out := paths(t)

	if _, err := New(Profile{MaxBytes: 4096}).Compress(context.Background(), in, out); err != nil {
		t.Fatalf("expected size == ceiling to pass, got %v", err)
	}
}

func TestCompress_ProcessFailure(t *testing.T) {
	stubFFmpeg(t, "fail", 0, nil)
	in, out := paths(t)

	_, err := New(DefaultProfile()).Compress(context.Background(), in, out)
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("expected ErrTranscodeFailed, got %v", err)
	}
}

func TestCompress_MissingOrEmptyOutput(t *testing.T) {
	stubFFmpeg(t, "noop", 0, nil)
	in, out := paths(t)
	if _, err := New(DefaultProfile()).Compress(context.Background(), in, out); !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("expected failure for missing output, got %v", err)
	}

	stubFFmpeg(t, "write", 0, nil)
	if _, err := New(DefaultProfile()).Compress(context.Background(), in, out); !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("expected failure for empty output, got %v", err)
	}
}

func TestCompress_RejectsInPlace(t *testing.T) {
	in, _ := paths(t)
	if _, err := New(DefaultProfile()).Compress(context.Background(), in, in); !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("expected in-place compression to be refused, got %v", err)
	}
}

func TestWithBinaryAndProfileDefaults(t *testing.T) {
	var name string
	original := commandContext
	commandContext = func(ctx context.Context, n string, args ...string) *exec.Cmd {
		name = n
		return exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
	}
	t.Cleanup(func() { commandContext = original })

	c := New(Profile{Bitrate: "32k"}, WithBinary("/opt/ffmpeg/bin/ffmpeg"))
	in, out := paths(t)
	_, _ = c.Compress(context.Background(), in, out)
	if name != "/opt/ffmpeg/bin/ffmpeg" {
		t.Fatalf("expected custom binary, got %q", name)
	}
	p := c.Profile()
	if p.Bitrate != "32k" || p.SampleRate != 8000 || p.Channels != 1 || p.MaxBytes != DefaultMaxBytes {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestCompressedPath(t *testing.T) {
	rec := filepath.Join("/var/spool/asterisk/monitor", "2025", "03", "01", "rec.wav")
	if got, want := CompressedPath(rec, ""), filepath.Join(filepath.Dir(rec), "rec_compressed.mp3"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got, want := CompressedPath(rec, "/tmp/cdrwatch"), filepath.Join("/tmp/cdrwatch", "rec_compressed.mp3"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
