package npm

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

const maxNameLength = 214

// Legacy packages may contain upper case letters, so the check is
// deliberately more permissive than what the registry accepts today.
var validName = regexp.MustCompile(`^(@[A-Za-z0-9~-][A-Za-z0-9._~-]*/)?[A-Za-z0-9~-][A-Za-z0-9._~-]*$`)

var fsReplacer = strings.NewReplacer("@", "_at_", "/", "_")

// IsValidName reports whether name looks like an npm package name,
// scoped ("@scope/name") or not.
func IsValidName(name string) bool {
	return len(name) <= maxNameLength && validName.MatchString(name)
}

// EncodeName returns a filesystem safe form of a package name.
// "@types/node" becomes "_at_types_node".
func EncodeName(name string) string {
	return fsReplacer.Replace(name)
}

// EscapeName returns the package name as it appears in a registry URL
// path. Only "@" is escaped; the scope separator stays a slash, which
// Nexus and the public registry both accept.
func EscapeName(name string) string {
	return strings.ReplaceAll(name, "@", "%40")
}

// TarballFilename returns the last path element of a tarball URL.
// An empty string is returned when the URL has no usable file name.
func TarballFilename(tarballURL string) string {
	p := tarballURL
	if u, err := url.Parse(tarballURL); err == nil {
		p = u.Path
	}
	base := path.Base(p)
	switch base {
	case ".", "/", "":
		return ""
	}
	return base
}
