package api

import "runtime/debug"

// Version information, set via ldflags in release builds.
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	if Version != "" {
		return
	}
	Version = "dev"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var revision string
	var modified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			BuildTime = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if revision == "" {
		return
	}
	GitCommit = revision
	if len(revision) > 7 {
		revision = revision[:7]
	}
	Version = "dev-" + revision
	if modified {
		Version += "-dirty"
	}
}
