package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	lockFilename = ".lock"
)

// selectPackages returns the packages a run covers.
func selectPackages(config *Config, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return config.Packages, nil
	}
	for _, name := range requested {
		if !config.HasPackage(name) {
			err := errors.Newf("package %q is not in the configuration", name)
			return nil, errors.Mark(errors.WithHint(err, "add it to the packages list first"), ErrConfig)
		}
	}
	return requested, nil
}

// lockStorage takes the run lock in the download directory.
func lockStorage(storage *Storage) (*os.File, Flock, error) {
	lockFile := filepath.Join(storage.Dir(), lockFilename)
	file, err := os.OpenFile(lockFile, os.O_RDONLY|os.O_CREATE, 0644) // #nosec G304,G302 - lock file inside the download directory
	if err != nil {
		return nil, Flock{}, err
	}
	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		_ = file.Close()
		return nil, Flock{}, errors.WithHint(err, "is another npmmirror running on "+storage.Dir()+"?")
	}
	return file, fileLock, nil
}

// Run mirrors the configured packages.
//
// The first thing to do is to acquire flock on the lock file in the
// download directory. Packages are then processed one after another. A
// package whose document cannot be resolved is logged and skipped. An
// interrupted transfer phase ends the run; the error is marked with
// ErrInterrupted.
//
// The returned stats are valid even when an error is returned.
func Run(ctx context.Context, config *Config, opts Options) (*TransferStats, error) {
	stats := &TransferStats{}

	if err := config.Check(); err != nil {
		return stats, errors.Mark(err, ErrConfig)
	}
	if opts.DownloadOnly && opts.UploadOnly {
		return stats, errors.Mark(errors.New("download only and upload only are mutually exclusive"), ErrConfig)
	}
	packages, err := selectPackages(config, opts.Packages)
	if err != nil {
		return stats, err
	}
	if config.DeleteLocalPackages && opts.DownloadOnly && !opts.DryRun {
		slog.Warn("delete_local_packages is set; downloaded files are removed again after the download phase")
	}

	storage, err := NewStorage(config.DownloadDir)
	if err != nil {
		return stats, errors.Wrap(err, "Run")
	}

	file, fileLock, err := lockStorage(storage)
	if err != nil {
		return stats, err
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	prevLogger := slog.Default()
	slog.SetDefault(prevLogger.With("run", uuid.NewString()))
	defer slog.SetDefault(prevLogger)

	m, err := NewMirror(config, opts, storage, stats)
	if err != nil {
		return stats, err
	}

	if opts.DryRun {
		slog.Info("dry-run mode: resolving packages without transferring")
	} else {
		slog.Info("sync starts", "packages", len(packages), "dir", storage.Dir())
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for _, name := range packages {
			if err := ctx.Err(); err != nil {
				return errors.Mark(err, ErrInterrupted)
			}
			err := m.SyncPackage(ctx, name)
			switch {
			case err == nil:
			case errors.Is(err, ErrInterrupted):
				return err
			default:
				slog.Error("package failed", "package", name, "error", err)
			}
		}
		return nil
	})
	err = group.Wait()

	if opts.DryRun {
		m.DryRunSummary()
	} else {
		stats.Log()
	}
	return stats, err
}
