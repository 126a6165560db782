// Package buildinfo reports what binary is running. Release builds
// stamp the variables below with -ldflags; development builds fall back
// to the VCS data the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped at build time, e.g.
//
//	-ldflags "-X github.com/nugget/heatsync/internal/buildinfo.Version=v1.2.0"
var (
	Version   = "dev"
	GitCommit = ""
	GitBranch = ""
	BuildTime = ""
)

var started = time.Now()

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

var readVCS = sync.OnceValue(func() vcsInfo {
	var v vcsInfo
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v.revision = s.Value
		case "vcs.time":
			v.time = s.Value
		case "vcs.modified":
			v.modified = s.Value == "true"
		}
	}
	return v
})

// Commit returns the stamped commit, or the embedded VCS revision
// shortened to 12 characters, or "unknown".
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	rev := readVCS().revision
	if rev == "" {
		return "unknown"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if readVCS().modified {
		rev += "+dirty"
	}
	return rev
}

// Built returns the stamped build time, or the commit time, or "unknown".
func Built() string {
	if BuildTime != "" {
		return BuildTime
	}
	if t := readVCS().time; t != "" {
		return t
	}
	return "unknown"
}

// Info returns build and runtime details for `heatsync version` and
// the health endpoint.
func Info() map[string]string {
	branch := GitBranch
	if branch == "" {
		branch = "unknown"
	}
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"git_branch": branch,
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP requests (link probes).
func UserAgent() string {
	return "heatsync/" + Version
}

// String is the one-line banner.
func String() string {
	return fmt.Sprintf("HeatSync %s (%s) built %s, %s %s/%s",
		Version, Commit(), Built(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
