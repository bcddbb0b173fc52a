package mirror

import "github.com/cockroachdb/errors"

// Error classes. Use errors.Is to test for them; the concrete errors are
// wrapped with the URL, path or package they relate to.
var (
	// ErrConfig is fatal and returned before any network activity.
	ErrConfig = errors.New("configuration error")

	// ErrManifestResolution causes the package to be skipped.
	ErrManifestResolution = errors.New("manifest resolution failed")

	// ErrTransfer fails a single work item and nothing else.
	ErrTransfer = errors.New("transfer failed")

	// ErrInterrupted is returned when a phase was cancelled by a signal
	// or by the caller's context.
	ErrInterrupted = errors.New("interrupted")
)
