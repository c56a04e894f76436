package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aviary/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))
	log.With("job", "pano-1").WithGroup("step").Info("frame stitched", "frame", 2)
	log.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] frame stitched [job=pano-1 step.frame=2]") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")

	log, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	log.Info("hello")

	data, err := os.ReadFile(filepath.Join(cfg.Logging.LogDir, "aviary-current.log"))
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if !strings.Contains(string(data), "[INFO] hello") {
		t.Fatalf("log file missing record: %q", data)
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "json").Info("x", "k", 1)
	if !strings.Contains(buf.String(), `"k":1`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}
