package mirror

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/mirrorctl/npmmirror/internal/npm"
)

const (
	defaultDownloadDir            = "npm-packages"
	defaultMaxConcurrentDownloads = 30
	defaultMaxConcurrentUploads   = 20
	defaultRequestTimeout         = 60 * time.Second
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type configURL struct {
	*url.URL
}

func (u *configURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}

	// endpoint paths are appended to the base URL
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		if parsedURL.RawPath != "" {
			parsedURL.RawPath += "/"
		}
	}

	u.URL = parsedURL
	return nil
}

// duration accepts Go duration strings ("90s", "2m") or a bare number of
// seconds, which is what the YAML files of older deployments contain.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if secs, err := strconv.Atoi(s); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// UnmarshalTOML handles integer values, which toml does not route
// through UnmarshalText.
func (d *duration) UnmarshalTOML(v any) error {
	switch value := v.(type) {
	case int64:
		d.Duration = time.Duration(value) * time.Second
		return nil
	case string:
		return d.UnmarshalText([]byte(value))
	}
	return errors.Newf("invalid duration: %v", v)
}

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Newf("line %d: duration must be a scalar", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}

// EndpointConfig describes one Nexus instance and the npm repository on it.
type EndpointConfig struct {
	URL      configURL `toml:"base_url" yaml:"baseUrl"`
	RepoName string    `toml:"repo_name" yaml:"repoName"`
	Username string    `toml:"username,omitempty" yaml:"username,omitempty"`
	Password string    `toml:"password,omitempty" yaml:"password,omitempty"`
}

// Check validates the endpoint.
func (e *EndpointConfig) Check() error {
	if e.URL.URL == nil {
		return errors.New("base_url is not set")
	}
	if e.RepoName == "" {
		return errors.New("repo_name is not set")
	}
	if strings.ContainsAny(e.RepoName, "/?#") {
		return errors.New("repo_name must be a single path element: " + e.RepoName)
	}
	if (e.Username == "") != (e.Password == "") {
		return errors.New("username and password must be set together")
	}
	if _, err := e.Credentials(); err != nil {
		return err
	}
	return nil
}

// Credentials returns the basic auth pair of the endpoint with ${VAR}
// references expanded from the environment.
func (e *EndpointConfig) Credentials() (Credentials, error) {
	username, err := expandEnv(e.Username)
	if err != nil {
		return Credentials{}, errors.Wrap(err, "username")
	}
	password, err := expandEnv(e.Password)
	if err != nil {
		return Credentials{}, errors.Wrap(err, "password")
	}
	return Credentials{Username: username, Password: password}, nil
}

// PackageURL returns the URL of the package document of name in the
// repository.
func (e *EndpointConfig) PackageURL(name string) string {
	return e.URL.String() + "repository/" + url.PathEscape(e.RepoName) + "/" + npm.EscapeName(name)
}

// ComponentsURL returns the Nexus components API URL that accepts uploads
// into the repository.
func (e *EndpointConfig) ComponentsURL() string {
	u := e.URL.ResolveReference(&url.URL{Path: "service/rest/v1/components"})
	u.RawQuery = url.Values{"repository": {e.RepoName}}.Encode()
	return u.String()
}

func expandEnv(s string) (string, error) {
	var missing []string
	expanded := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", errors.Newf("environment variable %s is not set", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// PackageFilters narrows down the versions mirrored for every package.
type PackageFilters struct {
	KeepVersions    int      `toml:"keep_versions,omitempty" yaml:"keepVersions,omitempty"`
	ExcludePatterns []string `toml:"exclude_patterns,omitempty" yaml:"excludePatterns,omitempty"`
}

// Check validates the filters.
func (f *PackageFilters) Check() error {
	if f.KeepVersions < 0 {
		return errors.New("keep_versions must not be negative")
	}
	for _, p := range f.ExcludePatterns {
		if err := npm.ValidatePattern(p); err != nil {
			return err
		}
	}
	return nil
}

// Config is a struct to read TOML or YAML configurations.
//
// Use LoadConfig to read a file; it picks the decoder by extension:
//
//	config, err := mirror.LoadConfig("/etc/npmmirror/config.toml")
//	if err != nil {
//	    ...
//	}
type Config struct {
	Source                 EndpointConfig `toml:"source" yaml:"source"`
	Destination            EndpointConfig `toml:"destination" yaml:"destination"`
	DownloadDir            string         `toml:"download_dir" yaml:"downloadPath"`
	MaxConcurrentDownloads int            `toml:"max_concurrent_downloads" yaml:"maxConcurrentDownloads"`
	MaxConcurrentUploads   int            `toml:"max_concurrent_uploads" yaml:"maxConcurrentUploads"`
	DeleteLocalPackages    bool           `toml:"delete_local_packages" yaml:"deleteLocalPackages"`
	RequestTimeout         duration       `toml:"request_timeout" yaml:"requestTimeout"`
	Packages               []string       `toml:"packages" yaml:"packages"`
	Filters                PackageFilters `toml:"filters" yaml:"filters"`
	Log                    LogConfig      `toml:"log" yaml:"logging"`
	TLS                    TLSConfig      `toml:"tls" yaml:"tls"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if err := c.Source.Check(); err != nil {
		return errors.Wrap(err, "source")
	}
	if err := c.Destination.Check(); err != nil {
		return errors.Wrap(err, "destination")
	}
	if c.DownloadDir == "" {
		return errors.New("download_dir is not set")
	}
	if c.MaxConcurrentDownloads < 1 {
		return errors.New("max_concurrent_downloads must be at least 1")
	}
	if c.MaxConcurrentUploads < 1 {
		return errors.New("max_concurrent_uploads must be at least 1")
	}
	if c.RequestTimeout.Duration <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if err := c.CheckPackages(); err != nil {
		return err
	}
	if err := c.Filters.Check(); err != nil {
		return errors.Wrap(err, "filters")
	}
	if err := c.TLS.Validate(); err != nil {
		return errors.Wrap(err, "tls")
	}
	return nil
}

// CheckPackages validates the package list.
func (c *Config) CheckPackages() error {
	if len(c.Packages) == 0 {
		return errors.New("no packages")
	}
	seen := make(map[string]bool, len(c.Packages))
	for _, name := range c.Packages {
		if !npm.IsValidName(name) {
			return errors.New("invalid package name: " + name)
		}
		if seen[name] {
			return errors.New("duplicate package: " + name)
		}
		seen[name] = true
	}
	return nil
}

// HasPackage reports whether name is in the package list.
func (c *Config) HasPackage(name string) bool {
	for _, p := range c.Packages {
		if p == name {
			return true
		}
	}
	return false
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		DownloadDir:            defaultDownloadDir,
		MaxConcurrentDownloads: defaultMaxConcurrentDownloads,
		MaxConcurrentUploads:   defaultMaxConcurrentUploads,
		RequestTimeout:         duration{defaultRequestTimeout},
		Log: LogConfig{
			Level:  "info",
			Format: "color",
			Dir:    defaultLogDir,
		},
	}
}

// LoadConfig reads a configuration file. Files ending in .toml are decoded
// with BurntSushi/toml, .yaml and .yml with yaml.v3. Unknown keys are an
// error in both formats. The result is not checked; call Check.
func LoadConfig(configPath string) (*Config, error) {
	config := NewConfig()

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(configPath, config)
		if err != nil {
			return nil, markConfig(err, configPath)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			err := errors.Newf("unknown configuration keys: %s", strings.Join(keys, ", "))
			return nil, markConfig(err, configPath)
		}
	case ".yaml", ".yml":
		f, err := os.Open(configPath) // #nosec G304 - path comes from the command line
		if err != nil {
			return nil, markConfig(err, configPath)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("configuration file is empty")
			}
			return nil, markConfig(err, configPath)
		}
	default:
		err := errors.Newf("unsupported configuration format %q", ext)
		return nil, markConfig(errors.WithHint(err, "use a .toml, .yaml or .yml file"), configPath)
	}

	if config.DownloadDir != "" {
		config.DownloadDir = filepath.Clean(config.DownloadDir)
	}
	return config, nil
}

func markConfig(err error, configPath string) error {
	return errors.Mark(errors.Wrap(err, configPath), ErrConfig)
}
