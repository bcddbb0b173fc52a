package mirror

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/npmmirror/internal/npm"
)

const (
	manifestExt  = ".json"
	tempFileGlob = "_tmp*"
)

// validateFilename validates that name is a plain file name that stays
// inside the directory it is joined to.
func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.New("unsafe file name: " + name)
	}
	if strings.ContainsAny(name, `/\`) {
		return errors.New("unsafe file name (contains separator): " + name)
	}
	return nil
}

// Storage manages the download directory.
//
// The directory doubles as a completion cache: a package document at
// ManifestPath is never fetched again, and an artifact at its local path
// is never downloaded again. Every write goes through a temporary file
// and a rename so that a present file is always a complete one.
type Storage struct {
	dir string
}

// NewStorage constructs Storage, creating dir if necessary.
func NewStorage(dir string) (*Storage, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0750); err != nil {
		return nil, err
	}
	st, err := os.Stat(absDir)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsDir() {
		return nil, errors.New("not a directory: " + absDir)
	}
	return &Storage{dir: absDir}, nil
}

// Dir returns the directory of the Storage.
func (s *Storage) Dir() string {
	return s.dir
}

// ManifestPath returns the cache file of the package document of name.
func (s *Storage) ManifestPath(name string) string {
	return filepath.Join(s.dir, npm.EncodeName(name)+manifestExt)
}

// PackageDir returns the directory holding the artifacts of name.
func (s *Storage) PackageDir(name string) string {
	return filepath.Join(s.dir, npm.EncodeName(name))
}

// ArtifactPath returns the local path of the tarball at tarballURL.
func (s *Storage) ArtifactPath(name, tarballURL string) (string, error) {
	filename := npm.TarballFilename(tarballURL)
	if err := validateFilename(filename); err != nil {
		return "", errors.Wrap(err, "ArtifactPath: "+tarballURL)
	}
	return filepath.Join(s.PackageDir(name), filename), nil
}

// LoadManifest returns the cached package document of name.
// The error satisfies os.IsNotExist when nothing is cached.
func (s *Storage) LoadManifest(name string) ([]byte, error) {
	return os.ReadFile(s.ManifestPath(name))
}

// SaveManifest stores the raw package document of name.
func (s *Storage) SaveManifest(name string, body []byte) error {
	tempfile, err := s.TempFile(s.dir)
	if err != nil {
		return err
	}
	if _, err := tempfile.Write(body); err != nil {
		closeAndRemoveFile(tempfile)
		return errors.Wrap(err, "SaveManifest")
	}
	return s.Commit(tempfile, s.ManifestPath(name))
}

// TempFile creates a new temporary file in dir, which is created if
// needed. The file should be passed to Commit or closeAndRemoveFile.
func (s *Storage) TempFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, tempFileGlob)
}

// Commit syncs and closes tempfile and renames it to dest. The temporary
// file is removed if anything fails.
func (s *Storage) Commit(tempfile *os.File, dest string) error {
	if err := tempfile.Sync(); err != nil {
		closeAndRemoveFile(tempfile)
		return errors.Wrap(err, "Commit: sync")
	}
	if err := os.Chmod(tempfile.Name(), 0644); err != nil {
		closeAndRemoveFile(tempfile)
		return errors.Wrap(err, "Commit: chmod")
	}
	name := tempfile.Name()
	if err := tempfile.Close(); err != nil {
		removeFile(name)
		return errors.Wrap(err, "Commit: close")
	}
	if err := os.Rename(name, dest); err != nil {
		removeFile(name)
		return errors.Wrap(err, "Commit: rename")
	}
	return DirSync(filepath.Dir(dest))
}

// Remove deletes a file inside the storage. A missing file is not an
// error.
func (s *Storage) Remove(p string) error {
	rel, err := filepath.Rel(s.dir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return errors.New("refusing to remove path outside of storage: " + p)
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveTempFiles deletes temporary files left in dir by transfers that
// never finished, e.g. because the process was killed. It returns the
// number of files removed. It must not run while a transfer into dir is
// in flight.
func (s *Storage) RemoveTempFiles(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, tempFileGlob))
	if err != nil {
		return 0
	}
	n := 0
	for _, m := range matches {
		if err := s.Remove(m); err != nil {
			slog.Warn("failed to remove stale temp file", "path", m, "error", err)
			continue
		}
		n++
	}
	return n
}

// Exists reports whether a regular file exists at p.
func Exists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}
