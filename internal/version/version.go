// Package version reports the build identity of the running binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/gridgate"

// buildVersion is set via -ldflags "-X pkt.systems/gridgate/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version   string
	Module    string
	Revision  string
	GoVersion string
	Modified  bool
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Read collects build information, preferring the linker supplied version,
// then the module version, then a pseudo-version derived from VCS stamps.
func Read() Info {
	info := Info{
		Version:   strings.TrimSpace(buildVersion),
		Module:    defaultModule,
		GoVersion: runtime.Version(),
	}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			info.Module = p
		}
		var vcsTime string
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Revision = setting.Value
			case "vcs.time":
				vcsTime = setting.Value
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
		if info.Version == "" {
			if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
				info.Version = v
			} else {
				info.Version = pseudoVersion(info.Revision, vcsTime, info.Modified)
			}
		}
	}
	if info.Version == "" {
		info.Version = "v0.0.0-unknown"
	}
	return info
}

func pseudoVersion(revision, vcsTime string, modified bool) string {
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if modified {
		v += "+dirty"
	}
	return v
}
