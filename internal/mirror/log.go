package mirror

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
)

const (
	defaultLogDir   = "logs"
	logFileTemplate = "npmmirror-2006-01-02_15-04-05.log"
)

var (
	logFileMu sync.Mutex
	logFile   *os.File
)

// LogConfig represents slog configuration options
type LogConfig struct {
	Level     string `toml:"level" yaml:"level"`
	Format    string `toml:"format" yaml:"format"`
	LogToFile bool   `toml:"log_to_file" yaml:"logToFile"`
	Dir       string `toml:"dir" yaml:"dir"`
	Debug     bool   `toml:"debug" yaml:"debug"`
}

// Apply configures the global slog logger based on the configuration.
//
// With LogToFile set, records are written to a timestamped file in Dir in
// addition to stderr. The file stays open until CloseLog is called or
// Apply switches to another file.
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}
	if logConfig.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "color", "":
		handler = newColorHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	if logConfig.LogToFile {
		f, err := openLogFile(logConfig.Dir)
		if err != nil {
			return err
		}
		handler = fanoutHandler{handler, slog.NewTextHandler(f, opts)}
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

func openLogFile(dir string) (*os.File, error) {
	if dir == "" {
		dir = defaultLogDir
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "log dir")
	}
	name := filepath.Join(dir, time.Now().Format(logFileTemplate))

	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil && logFile.Name() == name {
		return logFile, nil
	}
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640) // #nosec G304 - name is built from the configured log dir
	if err != nil {
		return nil, errors.Wrap(err, "log file")
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	return f, nil
}

// CloseLog closes the log file opened by Apply, if any.
func CloseLog() error {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

var levelColors = map[slog.Level]*color.Color{
	slog.LevelDebug: color.New(color.FgCyan),
	slog.LevelInfo:  color.New(color.FgGreen),
	slog.LevelWarn:  color.New(color.FgYellow),
	slog.LevelError: color.New(color.FgRed, color.Bold),
}

// colorHandler writes one line per record:
//
//	15:04:05 - INFO - download complete path=npm-packages/left-pad/left-pad-1.3.0.tgz
//
// colored by level. fatih/color turns coloring off when stderr is not a
// terminal or NO_COLOR is set.
type colorHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	prefix string
	attrs  []byte
}

func newColorHandler(w io.Writer, opts *slog.HandlerOptions) *colorHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &colorHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	if !r.Time.IsZero() {
		buf.WriteString(r.Time.Format(time.TimeOnly))
		buf.WriteString(" - ")
	}
	buf.WriteString(r.Level.String())
	buf.WriteString(" - ")
	buf.WriteString(r.Message)
	buf.Write(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&buf, h.prefix, a)
		return true
	})

	line := buf.String()
	if c := levelColor(r.Level); c != nil {
		line = c.Sprint(line)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	buf := bytes.NewBuffer(append([]byte(nil), h.attrs...))
	for _, a := range attrs {
		appendAttr(buf, h.prefix, a)
	}
	h2.attrs = buf.Bytes()
	return &h2
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func levelColor(level slog.Level) *color.Color {
	switch {
	case level >= slog.LevelError:
		return levelColors[slog.LevelError]
	case level >= slog.LevelWarn:
		return levelColors[slog.LevelWarn]
	case level >= slog.LevelInfo:
		return levelColors[slog.LevelInfo]
	}
	return levelColors[slog.LevelDebug]
}

func appendAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(buf, p, ga)
		}
		return
	}

	buf.WriteByte(' ')
	buf.WriteString(prefix)
	buf.WriteString(a.Key)
	buf.WriteByte('=')
	s := a.Value.String()
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		s = strconv.Quote(s)
	}
	buf.WriteString(s)
}

// fanoutHandler passes every record to all of its handlers.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = errors.CombineErrors(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errs
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make(fanoutHandler, len(f))
	for i, h := range f {
		handlers[i] = h.WithAttrs(attrs)
	}
	return handlers
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make(fanoutHandler, len(f))
	for i, h := range f {
		handlers[i] = h.WithGroup(name)
	}
	return handlers
}
