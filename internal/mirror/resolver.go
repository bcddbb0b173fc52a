package mirror

import (
	"context"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/npmmirror/internal/npm"
)

// Resolver produces the package document of a package, from the local
// cache when possible and from the source registry otherwise.
type Resolver struct {
	client  *HTTPClient
	source  *EndpointConfig
	storage *Storage
	filters PackageFilters
}

// NewResolver creates a Resolver.
func NewResolver(client *HTTPClient, source *EndpointConfig, storage *Storage, filters PackageFilters) *Resolver {
	return &Resolver{
		client:  client,
		source:  source,
		storage: storage,
		filters: filters,
	}
}

// Resolve returns the package document of name.
//
// A cached document is used as is and never refreshed. Otherwise one GET
// is sent to the source registry and the body is cached once it parsed.
// Errors are marked with ErrManifestResolution.
func (r *Resolver) Resolve(ctx context.Context, name string) (*npm.Manifest, error) {
	data, err := r.storage.LoadManifest(name)
	switch {
	case err == nil:
		slog.Info("using cached package document", "package", name, "path", r.storage.ManifestPath(name))
		m, err := npm.ParseManifest(data)
		if err != nil {
			return nil, resolutionError(err, name)
		}
		return m, nil
	case !os.IsNotExist(err):
		return nil, resolutionError(err, name)
	}

	manifestURL := r.source.PackageURL(name)
	slog.Info("fetching package document", "package", name, "url", manifestURL)
	data, err = r.client.FetchManifest(ctx, manifestURL)
	if err != nil {
		return nil, resolutionError(err, name)
	}

	m, err := npm.ParseManifest(data)
	if err != nil {
		return nil, resolutionError(err, name)
	}

	if err := r.storage.SaveManifest(name, data); err != nil {
		return nil, resolutionError(err, name)
	}
	return m, nil
}

func resolutionError(err error, name string) error {
	return errors.Mark(errors.Wrapf(err, "resolve %s", name), ErrManifestResolution)
}

// WorkItems returns one WorkItem per selected version of m, oldest first.
func (r *Resolver) WorkItems(name string, m *npm.Manifest) []WorkItem {
	versions := npm.SelectVersions(m.VersionList(), r.filters.KeepVersions, r.filters.ExcludePatterns)

	items := make([]WorkItem, 0, len(versions))
	seen := make(map[string]bool, len(versions))
	for _, v := range versions {
		tarball := m.TarballURL(v)
		if tarball == "" {
			slog.Warn("version has no tarball, skipping", "package", name, "version", v)
			continue
		}
		localPath, err := r.storage.ArtifactPath(name, tarball)
		if err != nil {
			slog.Warn("unusable tarball URL, skipping", "package", name, "version", v, "url", tarball, "error", err)
			continue
		}
		if seen[localPath] {
			slog.Debug("duplicate local path, skipping", "package", name, "version", v, "path", localPath)
			continue
		}
		seen[localPath] = true
		items = append(items, WorkItem{
			Version:   v,
			SourceURL: tarball,
			LocalPath: localPath,
		})
	}
	return items
}
