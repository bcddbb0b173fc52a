package mirror

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestLogConfigApplyErrors(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	if err := (&LogConfig{Level: "verbose"}).Apply(); err == nil {
		t.Error("expected an error for an invalid level")
	}
	if err := (&LogConfig{Format: "xml"}).Apply(); err == nil {
		t.Error("expected an error for an invalid format")
	}
	for _, format := range []string{"", "color", "json", "text", "plain"} {
		if err := (&LogConfig{Level: "warn", Format: format}).Apply(); err != nil {
			t.Errorf("format %q: %v", format, err)
		}
	}
}

func TestLogToFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	dir := filepath.Join(t.TempDir(), "logs")
	lc := &LogConfig{Level: "debug", Format: "json", LogToFile: true, Dir: dir}
	if err := lc.Apply(); err != nil {
		t.Fatal(err)
	}
	slog.Debug("hello from the test", "package", "left-pad")
	if err := CloseLog(); err != nil {
		t.Fatal(err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "npmmirror-*.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("log files = %v, want exactly one", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello from the test") || !strings.Contains(string(data), "package=left-pad") {
		t.Errorf("log file content = %q", data)
	}
}

func TestColorHandler(t *testing.T) {
	prevNoColor := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prevNoColor }()

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger.Debug("hidden")
	logger.With("run", "abc").WithGroup("http").Info("download complete", "path", "a b.tgz", "size", 42)

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "hidden") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(line, " - INFO - download complete") {
		t.Errorf("line = %q", line)
	}
	if !strings.Contains(line, "run=abc") {
		t.Errorf("line should contain run=abc: %q", line)
	}
	if !strings.Contains(line, `http.path="a b.tgz"`) {
		t.Errorf("line should contain the quoted grouped path: %q", line)
	}
	if !strings.Contains(line, "http.size=42") {
		t.Errorf("line should contain http.size=42: %q", line)
	}
}
