package mirror

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
)

var tlsVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// TLSConfig holds the TLS settings applied to connections to both
// registries.
type TLSConfig struct {
	MinVersion         string   `toml:"min_version,omitempty" yaml:"minVersion,omitempty"`
	MaxVersion         string   `toml:"max_version,omitempty" yaml:"maxVersion,omitempty"`
	CACertFile         string   `toml:"ca_cert_file,omitempty" yaml:"caCertFile,omitempty"`
	ClientCertFile     string   `toml:"client_cert_file,omitempty" yaml:"clientCertFile,omitempty"`
	ClientKeyFile      string   `toml:"client_key_file,omitempty" yaml:"clientKeyFile,omitempty"`
	ServerName         string   `toml:"server_name,omitempty" yaml:"serverName,omitempty"`
	CipherSuites       []string `toml:"cipher_suites,omitempty" yaml:"cipherSuites,omitempty"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify,omitempty" yaml:"insecureSkipVerify,omitempty"`
}

// Validate checks the settings without loading any files.
func (t *TLSConfig) Validate() error {
	minVersion, err := parseTLSVersion(t.MinVersion, tls.VersionTLS12)
	if err != nil {
		return errors.Wrap(err, "min_version")
	}
	maxVersion, err := parseTLSVersion(t.MaxVersion, 0)
	if err != nil {
		return errors.Wrap(err, "max_version")
	}
	if maxVersion != 0 && minVersion > maxVersion {
		return errors.New("min_version cannot be greater than max_version")
	}
	if (t.ClientCertFile == "") != (t.ClientKeyFile == "") {
		return errors.New("both client_cert_file and client_key_file must be specified")
	}
	if _, err := cipherSuiteIDs(t.CipherSuites); err != nil {
		return err
	}
	if t.InsecureSkipVerify {
		slog.Warn("TLS certificate verification is disabled")
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the settings.
func (t *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	minVersion, _ := parseTLSVersion(t.MinVersion, tls.VersionTLS12)
	maxVersion, _ := parseTLSVersion(t.MaxVersion, 0)
	suites, _ := cipherSuiteIDs(t.CipherSuites)

	config := &tls.Config{
		MinVersion:         minVersion,
		MaxVersion:         maxVersion,
		ServerName:         t.ServerName,
		CipherSuites:       suites,
		InsecureSkipVerify: t.InsecureSkipVerify, // #nosec G402 - opt-in through configuration
	}

	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return nil, errors.Wrap(err, "ca_cert_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca_cert_file: no certificates found in " + t.CACertFile)
		}
		config.RootCAs = pool
	}

	if t.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "client certificate")
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

func parseTLSVersion(v string, def uint16) (uint16, error) {
	if v == "" {
		return def, nil
	}
	version, ok := tlsVersions[v]
	if !ok {
		return 0, errors.Newf("unsupported TLS version %q (use 1.2 or 1.3)", v)
	}
	return version, nil
}

func cipherSuiteIDs(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, errors.Newf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
