// Package buildinfo holds build-time metadata kept apart from user configuration
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// UnknownValue is reported for metadata the build did not inject
const UnknownValue = "unknown"

// Set through -ldflags "-X github.com/catalogkit/assetview/internal/buildinfo.version=..."
var (
	version   = ""
	buildDate = ""
	commit    = ""
)

// BuildInfo provides access to build-time metadata.
type BuildInfo interface {
	Version() string
	BuildDate() string
	Commit() string
}

// Context contains build-time metadata injected at startup
type Context struct {
	version   string
	buildDate string
	commit    string
}

var _ BuildInfo = (*Context)(nil)

// NewContext creates a Context from explicit values
func NewContext(version, buildDate, commit string) *Context {
	return &Context{version: version, buildDate: buildDate, commit: commit}
}

// Current returns the metadata linked into this binary. The commit falls back
// to the VCS revision recorded by the Go toolchain.
func Current() *Context {
	c := NewContext(version, buildDate, commit)
	if c.commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					c.commit = s.Value
				}
			}
		}
	}
	return c
}

// Version returns the release version
func (c *Context) Version() string {
	if c == nil || c.version == "" {
		return UnknownValue
	}
	return c.version
}

// BuildDate returns the build date
func (c *Context) BuildDate() string {
	if c == nil || c.buildDate == "" {
		return UnknownValue
	}
	return c.buildDate
}

// Commit returns the short source revision
func (c *Context) Commit() string {
	if c == nil || c.commit == "" {
		return UnknownValue
	}
	if len(c.commit) > 12 {
		return c.commit[:12]
	}
	return c.commit
}

// String formats the metadata for the version command
func (c *Context) String() string {
	return fmt.Sprintf("assetview %s (commit %s, built %s, %s/%s)",
		c.Version(), c.Commit(), c.BuildDate(), runtime.GOOS, runtime.GOARCH)
}
