// Package npm implements the parts of the npm registry document format that
// are needed to mirror package tarballs between registries.
package npm

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ErrMalformedManifest marks errors caused by a manifest body that cannot
// be interpreted as an npm package document.
var ErrMalformedManifest = errors.New("malformed manifest")

// Dist holds the distribution information of one published version.
type Dist struct {
	Tarball   string `json:"tarball"`
	Shasum    string `json:"shasum,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// Version is a single entry of the "versions" object of a package document.
type Version struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Dist    Dist   `json:"dist"`
}

// Manifest is the subset of an npm package document used for mirroring.
//
// The registry returns a lot more (dist-tags, readme, maintainers, ...);
// those fields are ignored here but preserved in the on-disk cache because
// the raw response body is what gets cached.
type Manifest struct {
	Name     string             `json:"name"`
	Versions map[string]Version `json:"versions"`
}

// ParseManifest decodes a package document.
//
// A document without a "versions" object is rejected: registries always
// return one, even if it is empty.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "ParseManifest"), ErrMalformedManifest)
	}
	if m.Versions == nil {
		return nil, errors.Mark(errors.New("ParseManifest: no versions object"), ErrMalformedManifest)
	}
	return &m, nil
}

// VersionList returns the published version strings in ascending order.
func (m *Manifest) VersionList() []string {
	versions := make([]string, 0, len(m.Versions))
	for v := range m.Versions {
		versions = append(versions, v)
	}
	SortVersions(versions)
	return versions
}

// TarballURL returns the artifact URL of version v, or an empty string.
func (m *Manifest) TarballURL(v string) string {
	return m.Versions[v].Dist.Tarball
}
