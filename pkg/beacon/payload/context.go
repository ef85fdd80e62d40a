package payload

import (
	"os"
	"runtime"
	"strings"
	"time"
)

// LibraryName identifies this library in the request context.
const LibraryName = "beacon-go"

// LibraryVersion is reported alongside LibraryName.
const LibraryVersion = "1.0.0"

// ContextProvider supplies the "context" object attached to every request.
// Implementations must return a map the caller may modify.
type ContextProvider interface {
	Context() map[string]any
}

// ContextFunc adapts a function to ContextProvider.
type ContextFunc func() map[string]any

// Context implements ContextProvider.
func (f ContextFunc) Context() map[string]any { return f() }

// AppInfo describes the host application.
type AppInfo struct {
	Name      string
	Version   string
	Build     string
	Namespace string
}

// StaticContext reports the application, the library, the OS, the locale
// and the local timezone.
type StaticContext struct {
	App      AppInfo
	OSName   string
	Locale   string
	Timezone string
}

// NewStaticContext fills in OS, locale and timezone from the running
// process.
func NewStaticContext(app AppInfo) *StaticContext {
	return &StaticContext{
		App:      app,
		OSName:   runtime.GOOS,
		Locale:   localeFromEnv(),
		Timezone: time.Local.String(),
	}
}

// Context implements ContextProvider.
func (c *StaticContext) Context() map[string]any {
	ctx := map[string]any{
		"app": map[string]any{
			"name":      c.App.Name,
			"version":   c.App.Version,
			"build":     c.App.Build,
			"namespace": c.App.Namespace,
		},
		"library": map[string]any{
			"name":    LibraryName,
			"version": LibraryVersion,
		},
		"os": map[string]any{
			"name": c.OSName,
		},
	}
	if c.Locale != "" {
		ctx["locale"] = c.Locale
	}
	if c.Timezone != "" {
		ctx["timezone"] = c.Timezone
	}
	return ctx
}

// localeFromEnv converts e.g. "en_US.UTF-8" into "en-US".
func localeFromEnv() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return ""
}
