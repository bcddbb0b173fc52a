// Package main implements the npmmirror command-line tool for mirroring
// npm packages between Nexus repositories.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/npmmirror/internal/mirror"
)

const (
	defaultConfigPath = "config.yaml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "npmmirror",
	Short: "Mirror npm packages between Nexus repositories",
	Long: `npmmirror copies every published version of a list of npm packages from
an npm repository on one Nexus instance to an npm repository on another.

Tarballs are downloaded into a local directory first and then uploaded
through the Nexus components API.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync [packages...]",
	Short: "Mirror the configured packages",
	Long: `Downloads and uploads the configured packages.

Usage:
  # Mirror every package in the configuration file
  npmmirror sync

  # Mirror only some of the configured packages
  npmmirror sync lodash @types/node

  # Only download, or only upload what was downloaded before
  npmmirror sync --download
  npmmirror sync --upload

  # Use a TOML configuration file
  npmmirror sync --config /etc/npmmirror/config.toml

  # Show what would be transferred
  npmmirror sync --dry-run

Packages given on the command line must be listed in the configuration file.`,
	Run: runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		printVersion()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().BoolP("download", "d", false, "only download packages")
	syncCmd.Flags().BoolP("upload", "u", false, "only upload previously downloaded packages")
	syncCmd.Flags().Bool("dry-run", false, "resolve packages and report the work without transferring")
	syncCmd.Flags().Bool("no-progress", false, "do not draw progress bars")
	syncCmd.MarkFlagsMutuallyExclusive("download", "upload")
}

func printVersion() {
	fmt.Printf("npmmirror %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	if flattened := errors.FlattenDetails(err); flattened != "" {
		return err.Error() + "\n" + flattened
	}
	return err.Error()
}

// loadConfig reads the configuration file and installs the logger it
// describes, with command-line overrides applied.
func loadConfig(cmd *cobra.Command) (*mirror.Config, error) {
	config, err := mirror.LoadConfig(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.WithHint(err, "create a configuration file or specify one with the --config flag")
		}
		return nil, err
	}

	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		config.Log.Debug = false
	}
	if err := config.Log.Apply(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "log config"), mirror.ErrConfig)
	}
	if logLevel != "" {
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}
	return config, nil
}

func exitOnError(msg string, err error, verbose bool) {
	slog.Error(msg, "error", formatError(err, verbose))
	if !verbose {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	_ = mirror.CloseLog()
	os.Exit(1)
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		exitOnError("failed to load configuration", err, verboseErrors)
	}
	defer func() { _ = mirror.CloseLog() }()

	quiet, _ := cmd.Flags().GetBool("quiet")
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	opts := mirror.Options{
		Packages: args,
		Progress: !quiet && !noProgress,
	}
	opts.DownloadOnly, _ = cmd.Flags().GetBool("download")
	opts.UploadOnly, _ = cmd.Flags().GetBool("upload")
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")

	_, err = mirror.Run(context.Background(), config, opts)
	switch {
	case err == nil:
	case errors.Is(err, mirror.ErrInterrupted):
		slog.Warn("interrupted, stopping", "error", err)
	case errors.Is(err, mirror.ErrConfig):
		exitOnError("configuration is not valid", err, verboseErrors)
	default:
		exitOnError("mirror run failed", err, verboseErrors)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		exitOnError("failed to load configuration", err, verboseErrors)
	}
	defer func() { _ = mirror.CloseLog() }()

	var validationErrors []error
	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if _, err := config.TLS.BuildTLSConfig(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "tls"))
	}

	if len(validationErrors) > 0 {
		slog.Error("the configuration file is not valid", "path", configPath)
		for _, err := range validationErrors {
			slog.Error(formatError(err, verboseErrors))
		}
		_ = mirror.CloseLog()
		os.Exit(1)
	}

	slog.Info("the configuration file passes validation checks",
		"path", configPath, "packages", len(config.Packages))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
