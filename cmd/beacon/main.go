// beacon is an operator tool for a beacon event store: it records events
// by hand, lists what is still pending, and pushes pending events to the
// collection API.
//
// Settings come from, in increasing precedence: a config file (--config,
// YAML or JSON with comments), BEACON_* environment variables
// (BEACON_WRITE_KEY, BEACON_STORAGE_PATH, ...), and command-line flags.
//
//	beacon --config analytics.yaml track "Report Exported" format=pdf pages=12
//	beacon pending --json
//	beacon flush --timeout 30s
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/randalmurphal/beacon/pkg/beacon/config"
)

// settingsKeys are the configuration keys that may be overridden from the
// environment.
var settingsKeys = []string{
	"write_key", "api_base",
	"batch_mode", "max_queue_size", "retry_delay",
	"include_ip", "include_geolocation",
	"app_name", "app_version", "app_build", "app_package",
	"storage_path", "storage_backend",
	"request_timeout", "max_concurrent_requests", "gzip_requests",
	"breaker_failures", "breaker_cooldown", "max_failed_records",
	"track_lifecycle_events",
}

// flagKeys maps flag names onto configuration keys.
var flagKeys = map[string]string{
	"write-key":       "write_key",
	"api-base":        "api_base",
	"storage-path":    "storage_path",
	"storage-backend": "storage_backend",
	"batch-mode":      "batch_mode",
	"app-name":        "app_name",
	"app-version":     "app_version",
	"app-build":       "app_build",
	"app-package":     "app_package",
}

// usageError marks mistakes in the command line itself.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }
func (e *usageError) ExitCode() int { return 2 }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

// options are the flags that steer the CLI rather than the client.
type options struct {
	configPath string
	logFormat  string
	logLevel   string
	timeout    time.Duration
	asJSON     bool
	send       bool
	user       string
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("beacon", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML or JSON(C) config file")
	flagSet.StringVar(&opts.logFormat, "log-format", "text", "log output format: text or json")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "minimum log level: debug, info, warn, error")
	flagSet.DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long flush waits for delivery")
	flagSet.BoolVar(&opts.asJSON, "json", false, "print pending events as JSON lines")
	flagSet.BoolVar(&opts.send, "send", false, "deliver immediately after track or identify")
	flagSet.StringVar(&opts.user, "user", "", "attribute a tracked event to this user id")

	flagSet.String("write-key", "", "collection API write key")
	flagSet.String("api-base", "", "collection API base URL")
	flagSet.String("storage-path", "", "event store location (default: user config dir)")
	flagSet.String("storage-backend", "", "event store backend: file or sqlite")
	flagSet.Bool("batch-mode", true, "send events through the batch endpoint")
	flagSet.String("app-name", "", "application name")
	flagSet.String("app-version", "", "application version")
	flagSet.String("app-build", "", "application build")
	flagSet.String("app-package", "", "application package identifier")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stdout, flagSet)
			return nil
		}
		return &usageError{msg: err.Error()}
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stdout, flagSet)
		return nil
	}

	positional := flagSet.Args()
	if len(positional) == 0 {
		printHelp(stderr, flagSet)
		return &usageError{msg: "no command given"}
	}

	logger, err := newLogger(stderr, opts.logFormat, opts.logLevel)
	if err != nil {
		return &usageError{msg: err.Error()}
	}

	settings, err := loadSettings(opts.configPath, flagSet)
	if err != nil {
		return err
	}

	cmd := &command{
		ctx:      ctx,
		settings: settings,
		logger:   logger,
		opts:     opts,
		stdout:   stdout,
	}

	name, rest := positional[0], positional[1:]
	switch name {
	case "track":
		return cmd.track(rest)
	case "identify":
		return cmd.identify(rest)
	case "pending":
		return cmd.pending(rest)
	case "flush":
		return cmd.flush(rest)
	case "reset":
		return cmd.reset(rest)
	default:
		return &usageError{msg: fmt.Sprintf("unknown command %q", name)}
	}
}

// loadSettings layers the config file, BEACON_* variables and changed
// flags, in that order.
func loadSettings(path string, flagSet *pflag.FlagSet) (config.Settings, error) {
	base := config.New(nil)
	if path != "" {
		c, err := config.FromFile(path)
		if err != nil {
			return config.Settings{}, err
		}
		base = c
	}

	v := viper.New()
	v.SetEnvPrefix("BEACON")
	for _, key := range settingsKeys {
		if err := v.BindEnv(key); err != nil {
			return config.Settings{}, err
		}
	}
	for flagName, key := range flagKeys {
		if err := v.BindPFlag(key, flagSet.Lookup(flagName)); err != nil {
			return config.Settings{}, err
		}
	}

	overlay := make(map[string]any)
	for _, key := range settingsKeys {
		if v.IsSet(key) {
			overlay[key] = v.Get(key)
		}
	}

	settings := config.FromConfig(base.Merge(config.New(overlay)))
	if settings.StoragePath == "" {
		settings.StoragePath = defaultStoragePath(settings.StorageBackend)
	}
	return settings, nil
}

func defaultStoragePath(backend string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	name := "events.json"
	if backend == config.StorageSQLite {
		name = "events.db"
	}
	return filepath.Join(dir, "beacon", name)
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintln(w, `Usage: beacon [flags] <command> [args]

Commands:
  track <name> [key=value ...]      record a track event
  identify <user-id> [key=value ...] record the current user and their traits
  pending                           list events not yet delivered
  flush                             deliver pending events and wait
  reset                             forget the user and drop pending events

Values in key=value pairs are read as JSON when they parse (12, true,
"quoted", [1,2]) and as plain strings otherwise.

Flags:`)
	fmt.Fprint(w, flagSet.FlagUsages())
}
