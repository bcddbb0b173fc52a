package mirror

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// errStalled is the cancellation cause of a transfer that moved no bytes
// for longer than the request timeout.
var errStalled = errors.New("transfer stalled")

// idleWatch cancels a context once no data has moved for a while. Every
// Read or Write through reader or writer that moves bytes restarts the
// countdown, so a slow but steady transfer is never cut off.
type idleWatch struct {
	timeout time.Duration
	timer   *time.Timer
	stopped atomic.Bool
}

// watchIdle derives a context that is cancelled with errStalled after
// timeout of inactivity. stop must be called when the operation is done.
// A non-positive timeout disables the watch.
func watchIdle(ctx context.Context, timeout time.Duration) (context.Context, *idleWatch, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	w := &idleWatch{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			cancel(errors.Wrapf(errStalled, "no data for %s", timeout))
		})
	}
	return ctx, w, func() {
		w.stopped.Store(true)
		if w.timer != nil {
			w.timer.Stop()
		}
		cancel(nil)
	}
}

func (w *idleWatch) touch() {
	if w.timer != nil && !w.stopped.Load() {
		w.timer.Reset(w.timeout)
	}
}

func (w *idleWatch) reader(r io.Reader) io.Reader {
	return idleReader{r: r, w: w}
}

func (w *idleWatch) writer(wr io.Writer) io.Writer {
	return idleWriter{wr: wr, w: w}
}

type idleReader struct {
	r io.Reader
	w *idleWatch
}

func (r idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.w.touch()
	}
	return n, err
}

type idleWriter struct {
	wr io.Writer
	w  *idleWatch
}

func (w idleWriter) Write(p []byte) (int, error) {
	n, err := w.wr.Write(p)
	if n > 0 {
		w.w.touch()
	}
	return n, err
}

// stalledOr returns the stall cause when ctx was cancelled by an idle
// watch, and err otherwise.
func stalledOr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, errStalled) {
		return cause
	}
	return err
}
