package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/treepatch/internal/bundle"
	"github.com/schaermu/treepatch/internal/codec"
	"github.com/schaermu/treepatch/internal/config"
	"github.com/schaermu/treepatch/internal/manifest"
	"github.com/schaermu/treepatch/internal/patch"
	"github.com/schaermu/treepatch/internal/progress"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	quiet     bool
	workers   int
	codecKind string
	codecPath string

	// Command flags
	failFast  bool
	exclude   []string
	bundleOut string
	cleanup   bool
)

// Process exit codes
const (
	exitOK                   = 0
	exitFailure              = 1
	exitMissingSourceFile    = 13
	exitMissingDirectory     = 14
	exitPatchFailed          = 15
	exitIOFailure            = 16
	exitGenerationIncomplete = 17
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "treepatch",
	Short: "Generate and apply binary patches between directory trees",
	Long: `treepatch compares a reference directory tree with a target tree and records
the difference as a delta root: binary deltas for modified files, full copies
for added files and markers for removed files.

The delta root (or a bundle packed from it) can later be applied to a copy of
the reference tree to turn it into the target tree.`,
	SilenceUsage: true,
}

var generateCmd = &cobra.Command{
	Use:   "generate <reference> <target> <delta>",
	Short: "Write the difference between two trees to a delta root",
	Long: `Generate walks the reference and target trees, classifies every file as
unchanged, modified, added or removed, and writes one artifact per change below
the delta root, which is created if missing.

Per-file failures are logged and skipped unless --fail-fast is set; the exit
code then reports an incomplete generation.`,
	Args: cobra.ExactArgs(3),
	RunE: runGenerate,
}

var applyCmd = &cobra.Command{
	Use:   "apply <reference> <delta-or-bundle>",
	Short: "Apply a delta root or bundle to a reference tree",
	Long: `Apply replays every entry of a delta root against the reference tree in
parallel. The first failure stops the run; entries already applied are not
rolled back.

If the second argument is a file it is treated as a bundle and unpacked to a
temporary directory first.`,
	Args: cobra.ExactArgs(2),
	RunE: runApply,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <delta-or-bundle>",
	Short: "List the entries of a delta root or bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("treepatch %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/treepatch/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", patch.DefaultWorkers, "number of files processed in parallel")
	rootCmd.PersistentFlags().StringVar(&codecKind, "codec", codec.KindXDelta, "delta codec (xdelta3, bsdiff)")
	rootCmd.PersistentFlags().StringVar(&codecPath, "codec-path", "", "path to the xdelta3 binary")

	// Generate command flags
	generateCmd.Flags().BoolVar(&failFast, "fail-fast", false, "abort on the first file that cannot be processed")
	generateCmd.Flags().StringArrayVar(&exclude, "exclude", nil, "glob of relative paths to skip (repeatable)")
	generateCmd.Flags().StringVar(&bundleOut, "bundle", "", "also pack the delta root into this .tar.zst file")

	// Apply command flags
	applyCmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove the delta root or bundle after a successful apply")

	// Add commands
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	c, err := newCodec(cfg, logger)
	if err != nil {
		return err
	}

	referenceRoot, targetRoot, deltaRoot := args[0], args[1], args[2]
	if !dryRun {
		if err := os.MkdirAll(deltaRoot, 0755); err != nil {
			return fmt.Errorf("failed to create delta root: %w", err)
		}
	}

	gen := patch.NewGenerator(patchOptions(cfg), c, progressSink(cmd), logger)
	summary, err := gen.Generate(ctx, referenceRoot, targetRoot, deltaRoot)
	if summary != nil {
		printSummary(cmd.OutOrStdout(), "generate", summary)
	}
	if err != nil && !patch.IsIncomplete(err) {
		return err
	}

	if bundleOut != "" && !dryRun {
		if packErr := packBundle(deltaRoot, bundleOut, logger); packErr != nil {
			return packErr
		}
	}

	return err
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	c, err := newCodec(cfg, logger)
	if err != nil {
		return err
	}

	referenceRoot, source := args[0], args[1]
	deltaRoot, release, err := openDeltaRoot(source, logger)
	if err != nil {
		return err
	}
	defer release()

	app := patch.NewApplier(patchOptions(cfg), c, progressSink(cmd), logger)
	summary, err := app.Apply(ctx, referenceRoot, deltaRoot)
	if summary != nil {
		printSummary(cmd.OutOrStdout(), "apply", summary)
	}
	if err != nil {
		return err
	}

	if cfg.Apply.Cleanup && !dryRun {
		logger.Info("removing applied patch", "path", source)
		if err := os.RemoveAll(source); err != nil {
			return fmt.Errorf("failed to remove %s: %w", source, err)
		}
	}

	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	deltaRoot, release, err := openDeltaRoot(args[0], logger)
	if err != nil {
		return err
	}
	defer release()

	listing, err := manifest.Scan(deltaRoot)
	if err != nil {
		return &patch.FileError{Op: "scan", Path: args[0], Kind: patch.ErrMissingDirectory, Err: err}
	}

	printListing(cmd.OutOrStdout(), listing)
	return nil
}

// openDeltaRoot returns a directory holding the delta root named by source.
// A bundle file is unpacked into a temporary directory that release removes.
func openDeltaRoot(source string, logger *slog.Logger) (string, func(), error) {
	noop := func() {}
	if !bundle.IsBundle(source) {
		return source, noop, nil
	}

	tmpDir, err := os.MkdirTemp("", "treepatch-bundle-*")
	if err != nil {
		return "", noop, fmt.Errorf("failed to create temp directory: %w", err)
	}
	release := func() {
		_ = os.RemoveAll(tmpDir)
	}

	f, err := os.Open(source)
	if err != nil {
		release()
		return "", noop, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	n, err := bundle.Unpack(f, tmpDir)
	if err != nil {
		release()
		return "", noop, fmt.Errorf("failed to unpack bundle %s: %w", source, err)
	}

	logger.Info("unpacked bundle", "path", source, "files", n)
	return tmpDir, release, nil
}

func packBundle(deltaRoot, out string, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create bundle: %w", err)
	}

	n, err := bundle.Pack(deltaRoot, f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(out)
		return fmt.Errorf("failed to pack bundle: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}

	logger.Info("bundle written", "path", out, "files", n)
	return nil
}

// applyFlags overrides configuration values with explicitly set flags
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Changed("codec") {
		cfg.Codec.Kind = codecKind
		if codecKind == codec.KindXDelta && cfg.Codec.Path == "" {
			cfg.Codec.Path = codec.KindXDelta
		}
	}
	if flags.Changed("codec-path") {
		cfg.Codec.Path = codecPath
	}
	if flags.Changed("fail-fast") {
		cfg.Generate.FailFast = failFast
	}
	if flags.Changed("exclude") {
		cfg.Generate.Exclude = append(cfg.Generate.Exclude, exclude...)
	}
	if flags.Changed("cleanup") {
		cfg.Apply.Cleanup = cleanup
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func patchOptions(cfg *config.Config) patch.Options {
	return patch.Options{
		Workers:      cfg.Workers,
		CodecTimeout: cfg.Codec.Timeout,
		FailFast:     cfg.Generate.FailFast,
		Exclude:      cfg.Generate.Exclude,
		DryRun:       dryRun,
	}
}

func newCodec(cfg *config.Config, logger *slog.Logger) (codec.Codec, error) {
	return codec.New(cfg.Codec.Kind,
		codec.WithBinaryPath(cfg.Codec.Path),
		codec.WithDebug(cfg.Codec.Debug),
		codec.WithLogger(logger))
}

func progressSink(cmd *cobra.Command) progress.Sink {
	if quiet {
		return progress.Discard
	}
	return newProgressPrinter(cmd.ErrOrStderr())
}

// exitCode maps an error to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, patch.ErrMissingSourceFile):
		return exitMissingSourceFile
	case errors.Is(err, patch.ErrMissingDirectory):
		return exitMissingDirectory
	case errors.Is(err, patch.ErrPatchFailed):
		return exitPatchFailed
	case errors.Is(err, patch.ErrIOFailure):
		return exitIOFailure
	case errors.Is(err, patch.ErrGenerationIncomplete):
		return exitGenerationIncomplete
	default:
		return exitFailure
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the --config file, or the default file when it exists,
// and falls back to built-in defaults otherwise
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Debug("no home directory, using default configuration", "error", err)
			return config.Default(), nil
		}
		configPath = filepath.Join(home, ".config", "treepatch", "config.yaml")
		if _, err := os.Stat(configPath); err != nil {
			logger.Debug("no configuration file, using defaults", "path", configPath)
			return config.Default(), nil
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"workers", cfg.Workers,
		"codec", cfg.Codec.Kind,
		"codec_path", cfg.Codec.Path,
		"timeout", cfg.Codec.Timeout)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
