package mirror

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
)

// fakeSource is a Nexus npm proxy repository named npm-proxy serving
// package documents and tarballs from memory.
type fakeSource struct {
	*httptest.Server

	mu        sync.Mutex
	manifests map[string][]byte // by unescaped package name
	tarballs  map[string][]byte // by URL path
	requests  map[string]int    // by URL path, as sent
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	s := &fakeSource{
		manifests: make(map[string][]byte),
		tarballs:  make(map[string][]byte),
		requests:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeSource) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.URL.EscapedPath()]++

	if body, ok := s.tarballs[r.URL.Path]; ok {
		_, _ = w.Write(body)
		return
	}
	const prefix = "/repository/npm-proxy/"
	if name, ok := strings.CutPrefix(r.URL.Path, prefix); ok {
		if body, ok := s.manifests[name]; ok {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
			return
		}
	}
	http.NotFound(w, r)
}

// addPackage publishes versions of name. The tarball of every version
// contains "name@version".
func (s *fakeSource) addPackage(t *testing.T, name string, versions ...string) {
	t.Helper()

	base := path.Base(name)
	doc := map[string]any{"name": name}
	vs := make(map[string]any)
	for _, v := range versions {
		p := "/repository/npm-proxy/" + name + "/-/" + base + "-" + v + ".tgz"
		vs[v] = map[string]any{
			"name":    name,
			"version": v,
			"dist":    map[string]any{"tarball": s.URL + p, "shasum": "0000"},
		}
		s.mu.Lock()
		s.tarballs[p] = []byte(name + "@" + v)
		s.mu.Unlock()
	}
	doc["versions"] = vs
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	s.setManifest(name, body)
}

func (s *fakeSource) setManifest(name string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[name] = body
}

func (s *fakeSource) requestCount(escapedPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[escapedPath]
}

func (s *fakeSource) totalRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.requests {
		n += c
	}
	return n
}

// fakeDestination is the components API of a Nexus instance. It accepts
// every asset once and answers 400 for an asset it already has.
type fakeDestination struct {
	*httptest.Server

	mu       sync.Mutex
	assets   map[string][]byte // by file name
	attempts int
	status   int // forced status when non-zero
}

func newFakeDestination(t *testing.T) *fakeDestination {
	t.Helper()
	d := &fakeDestination{assets: make(map[string][]byte)}
	d.Server = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.Close)
	return d
}

func (d *fakeDestination) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/service/rest/v1/components" {
		http.NotFound(w, r)
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	part, err := mr.NextPart()
	if err != nil || part.FormName() != "npm.asset" {
		http.Error(w, "missing npm.asset", http.StatusUnprocessableEntity)
		return
	}
	body, err := io.ReadAll(part)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.status != 0 {
		w.WriteHeader(d.status)
		return
	}
	if _, ok := d.assets[part.FileName()]; ok {
		http.Error(w, "Repository does not allow updating assets", http.StatusBadRequest)
		return
	}
	d.assets[part.FileName()] = body
	w.WriteHeader(http.StatusNoContent)
}

func (d *fakeDestination) setStatus(status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

func (d *fakeDestination) asset(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.assets[name]
	return b, ok
}

func (d *fakeDestination) uploadAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}
