package mirror

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoragePaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStorage(dir)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := s.ManifestPath("@babel/core"), filepath.Join(dir, "_at_babel_core.json"); got != want {
		t.Errorf("ManifestPath = %q, want %q", got, want)
	}
	if got, want := s.PackageDir("left-pad"), filepath.Join(dir, "left-pad"); got != want {
		t.Errorf("PackageDir = %q, want %q", got, want)
	}

	p, err := s.ArtifactPath("@babel/core", "https://nexus.example.com/repository/npm/@babel/core/-/core-7.24.0.tgz")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "_at_babel_core", "core-7.24.0.tgz"); p != want {
		t.Errorf("ArtifactPath = %q, want %q", p, want)
	}

	for _, bad := range []string{"https://nexus.example.com/", "https://nexus.example.com/a/..", ""} {
		if p, err := s.ArtifactPath("left-pad", bad); err == nil {
			t.Errorf("ArtifactPath(%q) = %q, want error", bad, p)
		}
	}
}

func TestStorageManifest(t *testing.T) {
	t.Parallel()

	s, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadManifest("left-pad"); !os.IsNotExist(err) {
		t.Fatalf("LoadManifest on empty storage: %v", err)
	}

	body := []byte(`{"name":"left-pad","versions":{}}`)
	if err := s.SaveManifest("left-pad", body); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadManifest("left-pad")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Errorf("LoadManifest = %q, want %q", got, body)
	}

	matches, err := filepath.Glob(filepath.Join(s.Dir(), tempFileGlob))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("temporary files left: %v", matches)
	}
}

func TestStorageRemove(t *testing.T) {
	t.Parallel()

	s, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p := filepath.Join(s.PackageDir("left-pad"), "left-pad-1.3.0.tgz")
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.Remove(p); err != nil {
		t.Fatal(err)
	}
	if Exists(p) {
		t.Error("file still exists after Remove")
	}
	if err := s.Remove(p); err != nil {
		t.Errorf("removing a missing file: %v", err)
	}

	outside := filepath.Join(t.TempDir(), "keep")
	if err := os.WriteFile(outside, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(outside); err == nil {
		t.Error("Remove should refuse paths outside the storage")
	}
	if err := s.Remove(s.Dir()); err == nil {
		t.Error("Remove should refuse the storage directory itself")
	}
}

func TestStorageNotADirectory(t *testing.T) {
	t.Parallel()

	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStorage(f); err == nil {
		t.Error("NewStorage should fail for a regular file")
	}
}

func TestExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if Exists(dir) {
		t.Error("a directory is not a regular file")
	}
	if Exists(filepath.Join(dir, "missing")) {
		t.Error("missing file reported as existing")
	}
}

func TestStorageRemoveTempFiles(t *testing.T) {
	t.Parallel()

	s, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if n := s.RemoveTempFiles(s.PackageDir("missing")); n != 0 {
		t.Errorf("RemoveTempFiles on a missing directory = %d", n)
	}

	dir := s.PackageDir("left-pad")
	stale, err := s.TempFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	stale.Close()
	keep := filepath.Join(dir, "left-pad-1.3.0.tgz")
	if err := os.WriteFile(keep, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if n := s.RemoveTempFiles(dir); n != 1 {
		t.Errorf("RemoveTempFiles = %d, want 1", n)
	}
	if _, err := os.Stat(stale.Name()); !os.IsNotExist(err) {
		t.Errorf("stale temp file still exists: %v", err)
	}
	if !Exists(keep) {
		t.Error("artifact removed together with temp files")
	}
}
