package mirror

import (
	"log/slog"
	"os"
	"runtime"
)

// DirSync calls fsync(2) on the directory to persist the entries created
// by a rename.
//
// Windows cannot open directories for syncing; it is a no-op there.
func DirSync(d string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(d) // #nosec G304 - d is a directory inside the storage
	if err != nil {
		return err
	}
	err = f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// closeAndRemoveFile closes and removes a temporary file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil {
		slog.Warn("failed to close temp file", "file", filename, "error", err)
	}
	removeFile(filename)
}

func removeFile(filename string) {
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp file", "file", filename, "error", err)
	}
}
