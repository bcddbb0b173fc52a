package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-isatty"
)

const (
	phaseDownload = "download"
	phaseUpload   = "upload"
)

// Options selects what a run does.
type Options struct {
	// Packages restricts the run to a subset of the configured packages.
	Packages     []string
	DownloadOnly bool
	UploadOnly   bool
	// DryRun resolves package documents and reports the work without
	// transferring any tarball.
	DryRun bool
	// Progress draws progress bars on stderr when it is a terminal.
	Progress bool
	// Output receives the dry-run report. Defaults to os.Stdout.
	Output io.Writer
}

// Mirror mirrors packages one at a time.
type Mirror struct {
	config   *Config
	opts     Options
	storage  *Storage
	client   *HTTPClient
	resolver *Resolver
	stats    *TransferStats
	progress io.Writer
	pending  []PendingStats
}

// NewMirror constructs a Mirror.
func NewMirror(config *Config, opts Options, storage *Storage, stats *TransferStats) (*Mirror, error) {
	client, err := NewHTTPClient(config, storage, stats)
	if err != nil {
		return nil, err
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	m := &Mirror{
		config:   config,
		opts:     opts,
		storage:  storage,
		client:   client,
		resolver: NewResolver(client, &config.Source, storage, config.Filters),
		stats:    stats,
	}
	if opts.Progress && isatty.IsTerminal(os.Stderr.Fd()) {
		m.progress = os.Stderr
	}
	return m, nil
}

// SyncPackage resolves name and runs its download and upload phases.
//
// The download phase drains before the upload phase starts. Local copies
// are removed afterwards when delete_local_packages is set. An interrupted
// phase stops the package and the returned error is marked with
// ErrInterrupted; cleanup does not run in that case.
func (m *Mirror) SyncPackage(ctx context.Context, name string) error {
	manifest, err := m.resolver.Resolve(ctx, name)
	if err != nil {
		m.stats.ManifestFailed.Add(1)
		return err
	}
	m.stats.Packages.Add(1)

	items := m.resolver.WorkItems(name, manifest)
	slog.Info("package resolved", "package", name, "versions", len(manifest.Versions), "selected", len(items))

	if m.opts.DryRun {
		m.pending = append(m.pending, pendingStats(name, items))
		return nil
	}
	if len(items) == 0 {
		slog.Warn("nothing to mirror", "package", name)
		return nil
	}

	if n := m.storage.RemoveTempFiles(m.storage.PackageDir(name)); n > 0 {
		slog.Info("removed stale temp files", "package", name, "count", n)
	}

	if m.opts.UploadOnly {
		slog.Info("skipping download phase", "package", name)
	} else if err := m.runPhase(ctx, name, phaseDownload, items, m.config.MaxConcurrentDownloads, m.client.Download); err != nil {
		return err
	}

	if m.opts.DownloadOnly {
		slog.Info("skipping upload phase", "package", name)
	} else if err := m.runPhase(ctx, name, phaseUpload, items, m.config.MaxConcurrentUploads, m.client.Upload); err != nil {
		return err
	}

	if m.config.DeleteLocalPackages {
		m.cleanup(name, items)
	}
	return nil
}

// runPhase runs one batch. SIGINT and SIGTERM cancel the batch while it
// runs; outside of a batch they keep their default behavior.
func (m *Mirror) runPhase(ctx context.Context, name, phase string, items []WorkItem, limit int, op Operation) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting "+phase+"s", "package", name, "count", len(items), "limit", limit)
	bar := newBatchProgress(m.progress, phase+" "+name, len(items))
	result, err := RunBatch(ctx, items, limit, bar.wrap(op))
	bar.finish()

	if err != nil {
		slog.Warn(phase+" interrupted", "package", name,
			"succeeded", result.Succeeded, "failed", result.Failed, "not_run", result.NotRun)
		return errors.Mark(errors.Wrapf(err, "%s %s", phase, name), ErrInterrupted)
	}

	if result.Failed > 0 {
		slog.Warn("all "+phase+"s complete", "package", name,
			"succeeded", result.Succeeded, "failed", result.Failed)
	} else {
		slog.Info("all "+phase+"s complete", "package", name, "succeeded", result.Succeeded)
	}
	return nil
}

// cleanup removes the local copies of items. It must only run once both
// phases have drained, as an upload may still be reading a file before.
func (m *Mirror) cleanup(name string, items []WorkItem) {
	for _, item := range items {
		if !Exists(item.LocalPath) {
			continue
		}
		if err := m.storage.Remove(item.LocalPath); err != nil {
			slog.Warn("failed to remove local package", "package", name, "path", item.LocalPath, "error", err)
			continue
		}
		m.stats.Removed.Add(1)
	}
	m.storage.RemoveTempFiles(m.storage.PackageDir(name))
	// fails when other files are left, which is fine
	_ = os.Remove(m.storage.PackageDir(name))
	slog.Info("local packages removed", "package", name)
}

// DryRunSummary prints what the resolved packages would transfer.
func (m *Mirror) DryRunSummary() {
	printDryRunSummary(m.opts.Output, m.pending)
}

func pendingStats(name string, items []WorkItem) PendingStats {
	p := PendingStats{Package: name, Versions: len(items)}
	for _, item := range items {
		st, err := os.Stat(item.LocalPath)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		p.Downloaded++
		p.Size += uint64(st.Size())
	}
	return p
}
