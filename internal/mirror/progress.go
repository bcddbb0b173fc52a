package mirror

import (
	"context"
	"io"

	"github.com/cheggaaa/pb/v3"
)

const progressTemplate pb.ProgressBarTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{etime . }}`

// batchProgress draws a progress bar for one phase of one package.
// A nil *batchProgress is valid and draws nothing.
type batchProgress struct {
	bar *pb.ProgressBar
}

func newBatchProgress(w io.Writer, label string, total int) *batchProgress {
	if w == nil || total == 0 {
		return nil
	}
	bar := progressTemplate.New(total)
	bar.SetWriter(w)
	bar.Set("prefix", label+" ")
	bar.Start()
	return &batchProgress{bar: bar}
}

// wrap returns an Operation that advances the bar after op finishes.
func (p *batchProgress) wrap(op Operation) Operation {
	if p == nil {
		return op
	}
	return func(ctx context.Context, item WorkItem) bool {
		ok := op(ctx, item)
		p.bar.Increment()
		return ok
	}
}

func (p *batchProgress) finish() {
	if p != nil {
		p.bar.Finish()
	}
}
