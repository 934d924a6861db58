// Package buildinfo reports which nudge binary is running. Release
// builds stamp the variables below with -ldflags; `go install` builds
// fall back to the VCS settings the toolchain embeds.
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"sync"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var fillOnce sync.Once

// fill copies VCS metadata from the embedded build info into any
// variable ldflags left at its default.
func fill() {
	fillOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		applyBuildInfo(bi)
	})
}

func applyBuildInfo(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && len(s.Value) >= 12 {
				GitCommit = s.Value[:12]
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" && GitCommit != "unknown" {
				GitCommit += "-dirty"
			}
		}
	}
}

// Info returns build metadata keyed for `nudge version -o json`.
func Info() map[string]string {
	fill()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	fill()
	return "nudge/" + Version
}

// String is the one-line form used in the startup log and `nudge version`.
func String() string {
	fill()
	return "nudge " + Version + " (" + GitCommit + ") built " + BuildTime
}
