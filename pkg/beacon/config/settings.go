package config

import (
	"net/url"
	"time"

	bcerrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
)

// Storage backend names accepted by storage_backend.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// DefaultAPIBase is the Segment HTTP tracking API.
const DefaultAPIBase = "https://api.segment.io/v1"

// Settings is the typed, validated configuration of a client.
type Settings struct {
	WriteKey string
	APIBase  string

	BatchMode    bool
	MaxQueueSize int
	RetryDelay   time.Duration

	IncludeIP          bool
	IncludeGeolocation bool

	AppName    string
	AppVersion string
	AppBuild   string
	AppPackage string

	StoragePath    string
	StorageBackend string

	RequestTimeout        time.Duration
	MaxConcurrentRequests int
	GzipRequests          bool
	BreakerFailures       int
	BreakerCooldown       time.Duration
	MaxFailedRecords      int

	TrackLifecycleEvents bool
}

// Defaults returns Settings with every optional field filled in. The
// required fields (write key, app identity, storage path) are left empty.
func Defaults() Settings {
	return Settings{
		APIBase:               DefaultAPIBase,
		BatchMode:             true,
		MaxQueueSize:          20,
		RetryDelay:            30 * time.Second,
		StorageBackend:        StorageFile,
		RequestTimeout:        30 * time.Second,
		MaxConcurrentRequests: 4,
		BreakerFailures:       5,
		BreakerCooldown:       30 * time.Second,
		MaxFailedRecords:      1000,
	}
}

// FromConfig reads Settings from snake_case keys, falling back to
// Defaults for anything absent. It does not validate.
func FromConfig(c Config) Settings {
	d := Defaults()
	return Settings{
		WriteKey:              c.String("write_key", d.WriteKey),
		APIBase:               c.String("api_base", d.APIBase),
		BatchMode:             c.Bool("batch_mode", d.BatchMode),
		MaxQueueSize:          c.Int("max_queue_size", d.MaxQueueSize),
		RetryDelay:            c.Duration("retry_delay", d.RetryDelay),
		IncludeIP:             c.Bool("include_ip", d.IncludeIP),
		IncludeGeolocation:    c.Bool("include_geolocation", d.IncludeGeolocation),
		AppName:               c.String("app_name", d.AppName),
		AppVersion:            c.String("app_version", d.AppVersion),
		AppBuild:              c.String("app_build", d.AppBuild),
		AppPackage:            c.String("app_package", d.AppPackage),
		StoragePath:           c.String("storage_path", d.StoragePath),
		StorageBackend:        c.String("storage_backend", d.StorageBackend),
		RequestTimeout:        c.Duration("request_timeout", d.RequestTimeout),
		MaxConcurrentRequests: c.Int("max_concurrent_requests", d.MaxConcurrentRequests),
		GzipRequests:          c.Bool("gzip_requests", d.GzipRequests),
		BreakerFailures:       c.Int("breaker_failures", d.BreakerFailures),
		BreakerCooldown:       c.Duration("breaker_cooldown", d.BreakerCooldown),
		MaxFailedRecords:      c.Int("max_failed_records", d.MaxFailedRecords),
		TrackLifecycleEvents:  c.Bool("track_lifecycle_events", d.TrackLifecycleEvents),
	}
}

// Load reads a configuration file and returns validated Settings.
func Load(path string) (Settings, error) {
	c, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	s := FromConfig(c)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports every violation at once as bcerrors.ValidationErrors.
func (s Settings) Validate() error {
	var errs bcerrors.ValidationErrors
	fail := func(field, msg string) {
		errs = append(errs, &bcerrors.ValidationError{Field: field, Message: msg})
	}

	if s.WriteKey == "" {
		fail("write_key", "is required")
	}
	if u, err := url.Parse(s.APIBase); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		fail("api_base", "must be an absolute http(s) URL")
	}
	if s.BatchMode && s.MaxQueueSize <= 1 {
		fail("max_queue_size", "must be greater than 1 in batch mode")
	}
	if s.RetryDelay <= 0 {
		fail("retry_delay", "must be positive")
	}
	for _, f := range []struct{ field, value string }{
		{"app_name", s.AppName},
		{"app_version", s.AppVersion},
		{"app_build", s.AppBuild},
		{"app_package", s.AppPackage},
	} {
		if f.value == "" {
			fail(f.field, "is required")
		}
	}
	if s.StoragePath == "" {
		fail("storage_path", "is required")
	}
	if s.StorageBackend != StorageFile && s.StorageBackend != StorageSQLite {
		fail("storage_backend", `must be "file" or "sqlite"`)
	}
	if s.RequestTimeout < 0 {
		fail("request_timeout", "must not be negative")
	}
	if s.MaxConcurrentRequests < 1 {
		fail("max_concurrent_requests", "must be at least 1")
	}
	if s.BreakerFailures < 0 {
		fail("breaker_failures", "must not be negative")
	}
	if s.MaxFailedRecords < 1 {
		fail("max_failed_records", "must be at least 1")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
