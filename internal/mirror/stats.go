package mirror

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// TransferStats counts what a run did. All fields are safe for concurrent
// use.
type TransferStats struct {
	Packages        atomic.Int64
	ManifestFailed  atomic.Int64
	Downloaded      atomic.Int64
	Skipped         atomic.Int64 // already present locally
	DownloadFailed  atomic.Int64
	Uploaded        atomic.Int64
	AlreadyPresent  atomic.Int64 // destination answered 400
	UploadFailed    atomic.Int64
	Removed         atomic.Int64
	BytesDownloaded atomic.Int64
	BytesUploaded   atomic.Int64
}

// Failed returns the number of work items and packages that failed.
func (s *TransferStats) Failed() int64 {
	return s.ManifestFailed.Load() + s.DownloadFailed.Load() + s.UploadFailed.Load()
}

// Log writes a one line summary of the run.
func (s *TransferStats) Log() {
	attrs := []any{
		"packages", s.Packages.Load(),
		"downloaded", s.Downloaded.Load(),
		"skipped", s.Skipped.Load(),
		"uploaded", s.Uploaded.Load(),
		"already_present", s.AlreadyPresent.Load(),
		"received", humanize.Bytes(uint64(s.BytesDownloaded.Load())),
		"sent", humanize.Bytes(uint64(s.BytesUploaded.Load())),
	}
	if n := s.Removed.Load(); n > 0 {
		attrs = append(attrs, "removed", n)
	}
	if s.Failed() > 0 {
		attrs = append(attrs,
			"manifest_failed", s.ManifestFailed.Load(),
			"download_failed", s.DownloadFailed.Load(),
			"upload_failed", s.UploadFailed.Load())
		slog.Warn("sync finished with failures", attrs...)
		return
	}
	slog.Info("sync finished", attrs...)
}

// PendingStats is the dry-run view of one package.
type PendingStats struct {
	Package    string
	Versions   int
	Downloaded int
	Size       uint64 // bytes already on disk
}

// printDryRunSummary prints what a sync would transfer.
func printDryRunSummary(w io.Writer, pending []PendingStats) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Dry Run Summary ===")
	fmt.Fprintln(w)

	var versions, downloaded int
	var size uint64
	for _, p := range pending {
		fmt.Fprintf(w, "Package: %s\n", p.Package)
		fmt.Fprintf(w, "  Versions:          %d\n", p.Versions)
		fmt.Fprintf(w, "  Already local:     %d (%s)\n", p.Downloaded, humanize.Bytes(p.Size))
		fmt.Fprintf(w, "  To download:       %d\n", p.Versions-p.Downloaded)
		fmt.Fprintln(w)
		versions += p.Versions
		downloaded += p.Downloaded
		size += p.Size
	}

	fmt.Fprintf(w, "Total across all packages:\n")
	fmt.Fprintf(w, "  Versions:          %d\n", versions)
	fmt.Fprintf(w, "  Already local:     %d (%s)\n", downloaded, humanize.Bytes(size))
	fmt.Fprintf(w, "  To download:       %d\n", versions-downloaded)
	fmt.Fprintf(w, "\nNote: In dry-run mode, package documents are fetched and cached,\n")
	fmt.Fprintf(w, "but no tarball is downloaded or uploaded.\n")
	fmt.Fprintln(w)
}
